package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/timeguard/internal/metrics"
	"github.com/goodtune/timeguard/internal/storage"
	"github.com/rs/zerolog"
)

// MinutesPerTick is the usage credited to the foreground app on each tick.
const MinutesPerTick = 1

// Tracker accumulates per-app foreground minutes for the current local day.
//
// Records are reset lazily: a record stamped with an earlier date reads as
// zero and is restarted by the next tick. No midnight timer is involved.
type Tracker struct {
	usageStore storage.UsageStore
	hostAppID  string
	logger     zerolog.Logger
}

// NewTracker creates a new usage tracker. Ticks for hostAppID are ignored.
func NewTracker(usageStore storage.UsageStore, hostAppID string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		usageStore: usageStore,
		hostAppID:  hostAppID,
		logger:     logger.With().Str("component", "usage-tracker").Logger(),
	}
}

// DateKey returns the local calendar date of now as stored in usage records.
func DateKey(now time.Time) string {
	return now.Format(storage.DateLayout)
}

// Tick credits one tick of foreground time to appID and returns the
// minutes used today after the increment.
func (t *Tracker) Tick(ctx context.Context, appID string, now time.Time) (int, error) {
	if appID == "" || appID == t.hostAppID {
		return 0, nil
	}

	date := DateKey(now)
	rec, err := t.usageStore.IncrementUsage(ctx, appID, date, MinutesPerTick)
	if err != nil {
		return 0, fmt.Errorf("failed to record usage for %s: %w", appID, err)
	}

	metrics.UsageMinutesConsumed.Add(MinutesPerTick)

	t.logger.Debug().
		Str("app_id", appID).
		Str("date", date).
		Int("minutes_used", rec.MinutesUsed).
		Msg("Usage minute recorded")

	return rec.MinutesUsed, nil
}

// UsedToday returns the minutes appID has been used on now's calendar day.
func (t *Tracker) UsedToday(ctx context.Context, appID string, now time.Time) (int, error) {
	rec, err := t.usageStore.GetUsage(ctx, appID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query usage for %s: %w", appID, err)
	}

	return rec.MinutesOn(DateKey(now)), nil
}

// Stats returns usage statistics for appID against a daily limit in minutes.
func (t *Tracker) Stats(ctx context.Context, appID string, limit int, now time.Time) (*UsageStats, error) {
	used, err := t.UsedToday(ctx, appID, now)
	if err != nil {
		return nil, err
	}

	stats := &UsageStats{
		AppID:        appID,
		Date:         DateKey(now),
		UsedMinutes:  used,
		LimitMinutes: limit,
	}

	if limit > 0 {
		stats.RemainingToday = limit - used
		stats.LimitExceeded = used >= limit
		if stats.RemainingToday < 0 {
			stats.RemainingToday = 0
		}
	}

	return stats, nil
}

// Today lists the usage records dated now's calendar day.
func (t *Tracker) Today(ctx context.Context, now time.Time) ([]storage.UsageRecord, error) {
	records, err := t.usageStore.ListUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	date := DateKey(now)
	today := records[:0]
	for _, rec := range records {
		if rec.Date == date {
			today = append(today, rec)
		}
	}
	return today, nil
}
