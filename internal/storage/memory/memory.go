package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/timeguard/internal/storage"
)

// Store is an in-process storage.Store. Usage does not survive a restart.
type Store struct {
	usageStore *usageStore
}

// Open creates an empty in-memory store.
func Open() *Store {
	return &Store{
		usageStore: &usageStore{records: make(map[string]storage.UsageRecord)},
	}
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}

type usageStore struct {
	mu      sync.Mutex
	records map[string]storage.UsageRecord
	now     func() time.Time // tests only
}

func (s *usageStore) timestamp() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// GetUsage returns a copy of the stored record for appID
func (s *usageStore) GetUsage(ctx context.Context, appID string) (*storage.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[appID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

// IncrementUsage resets a stale record and adds minutes under a single lock
func (s *usageStore) IncrementUsage(ctx context.Context, appID, date string, minutes int) (*storage.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[appID]
	if rec.Date != date {
		rec = storage.UsageRecord{AppID: appID, Date: date}
	}
	rec.MinutesUsed += minutes
	rec.UpdatedAt = s.timestamp()
	s.records[appID] = rec

	return &rec, nil
}

// ListUsage returns every record ordered by app ID
func (s *usageStore) ListUsage(ctx context.Context) ([]storage.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.UsageRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, nil
}

// DeleteUsage removes the record for appID
func (s *usageStore) DeleteUsage(ctx context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, appID)
	return nil
}

// DeleteUsageBefore removes records dated strictly before cutoffDate
func (s *usageStore) DeleteUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for appID, rec := range s.records {
		if rec.Date < cutoffDate {
			delete(s.records, appID)
			deleted++
		}
	}
	return deleted, nil
}
