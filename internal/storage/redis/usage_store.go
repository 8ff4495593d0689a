package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/timeguard/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "timeguard"

type usageStore struct {
	client *redis.Client
	prefix string

	incrementScript *redis.Script
	pruneScript     *redis.Script

	now func() time.Time
}

func newUsageStore(client *redis.Client, prefix string) *usageStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &usageStore{
		client:          client,
		prefix:          prefix,
		incrementScript: redis.NewScript(incrementUsageScript),
		pruneScript:     redis.NewScript(deleteUsageBeforeScript),
		now:             time.Now,
	}
}

func (s *usageStore) usageKey(appID string) string {
	return fmt.Sprintf("%s:usage:%s", s.prefix, appID)
}

func (s *usageStore) indexKey() string {
	return fmt.Sprintf("%s:usage:apps", s.prefix)
}

// GetUsage retrieves the usage record for an app
func (s *usageStore) GetUsage(ctx context.Context, appID string) (*storage.UsageRecord, error) {
	data, err := s.client.HGetAll(ctx, s.usageKey(appID)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseUsageRecord(data)
}

// IncrementUsage atomically resets a stale record and adds minutes
func (s *usageStore) IncrementUsage(ctx context.Context, appID, date string, minutes int) (*storage.UsageRecord, error) {
	now := s.now()

	keys := []string{s.usageKey(appID), s.indexKey()}
	args := []interface{}{
		appID,
		date,
		minutes,
		now.Format(time.RFC3339Nano),
		recordTTLSeconds,
	}

	used, err := s.incrementScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage for %s: %w", appID, err)
	}

	return &storage.UsageRecord{
		AppID:       appID,
		Date:        date,
		MinutesUsed: used,
		UpdatedAt:   now,
	}, nil
}

// ListUsage returns every indexed usage record ordered by app ID
func (s *usageStore) ListUsage(ctx context.Context) ([]storage.UsageRecord, error) {
	appIDs, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}

	if len(appIDs) == 0 {
		return []storage.UsageRecord{}, nil
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(appIDs))

	for i, appID := range appIDs {
		cmds[i] = pipe.HGetAll(ctx, s.usageKey(appID))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.UsageRecord, 0, len(appIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		rec, err := parseUsageRecord(data)
		if err == nil {
			records = append(records, *rec)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].AppID < records[j].AppID })
	return records, nil
}

// DeleteUsage removes the record for an app
func (s *usageStore) DeleteUsage(ctx context.Context, appID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.usageKey(appID))
	pipe.SRem(ctx, s.indexKey(), appID)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteUsageBefore deletes records dated before cutoffDate
func (s *usageStore) DeleteUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	keys := []string{s.indexKey()}
	args := []interface{}{s.prefix + ":usage:", cutoffDate}

	deleted, err := s.pruneScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage before %s: %w", cutoffDate, err)
	}
	return deleted, nil
}
