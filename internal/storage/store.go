package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Usage() UsageStore
}

// UsageStore manages per-app daily usage records.
//
// Implementations must apply IncrementUsage atomically on the whole
// record: concurrent increments for the same app never lose or duplicate a
// minute, and a record stamped with a different date is reset to zero
// before the increment is applied.
type UsageStore interface {
	GetUsage(ctx context.Context, appID string) (*UsageRecord, error)
	IncrementUsage(ctx context.Context, appID, date string, minutes int) (*UsageRecord, error)
	ListUsage(ctx context.Context) ([]UsageRecord, error)
	DeleteUsage(ctx context.Context, appID string) error
	DeleteUsageBefore(ctx context.Context, cutoffDate string) (int, error)
}
