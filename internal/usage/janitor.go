package usage

import (
	"context"
	"time"

	"github.com/goodtune/timeguard/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor deletes usage records that have not been touched for longer
// than the retention period. It never affects today's counters; stale
// records already read as zero.
type Janitor struct {
	usageStore    storage.UsageStore
	cleanupTime   time.Time // Time of day to run (only hour and minute are used)
	retentionDays int
	logger        zerolog.Logger
	stopChan      chan struct{}
	doneChan      chan struct{}
}

// NewJanitor creates a new janitor running daily at cleanupTime ("HH:MM").
func NewJanitor(usageStore storage.UsageStore, cleanupTime string, retentionDays int, logger zerolog.Logger) (*Janitor, error) {
	parsedTime, err := time.Parse("15:04", cleanupTime)
	if err != nil {
		return nil, err
	}

	return &Janitor{
		usageStore:    usageStore,
		cleanupTime:   parsedTime,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "usage-janitor").Logger(),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}, nil
}

// Start begins the janitor loop
func (j *Janitor) Start() {
	go j.run()
	j.logger.Info().
		Str("cleanup_time", j.cleanupTime.Format("15:04")).
		Int("retention_days", j.retentionDays).
		Msg("Usage janitor started")
}

// Stop stops the janitor and waits for the loop to exit
func (j *Janitor) Stop() {
	close(j.stopChan)
	<-j.doneChan
	j.logger.Info().Msg("Usage janitor stopped")
}

func (j *Janitor) run() {
	defer close(j.doneChan)

	for {
		nextRun := j.nextRun(time.Now())
		waitDuration := time.Until(nextRun)

		j.logger.Debug().
			Time("next_run", nextRun).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next usage cleanup")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			_, _ = j.Cleanup(context.Background(), time.Now())
		case <-j.stopChan:
			timer.Stop()
			return
		}
	}
}

// nextRun calculates the next cleanup time after now
func (j *Janitor) nextRun(now time.Time) time.Time {
	todayRun := time.Date(
		now.Year(), now.Month(), now.Day(),
		j.cleanupTime.Hour(), j.cleanupTime.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's run time, schedule for tomorrow
	if !now.Before(todayRun) {
		return todayRun.AddDate(0, 0, 1)
	}

	return todayRun
}

// Cleanup deletes records dated more than retentionDays before now.
func (j *Janitor) Cleanup(ctx context.Context, now time.Time) (int, error) {
	cutoffDate := now.AddDate(0, 0, -j.retentionDays).Format(storage.DateLayout)

	deleted, err := j.usageStore.DeleteUsageBefore(ctx, cutoffDate)
	if err != nil {
		j.logger.Error().Err(err).Str("cutoff_date", cutoffDate).Msg("Failed to clean up old usage records")
		return 0, err
	}

	j.logger.Info().
		Int("records_deleted", deleted).
		Str("cutoff_date", cutoffDate).
		Msg("Usage cleanup complete")

	return deleted, nil
}
