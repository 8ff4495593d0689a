package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/timeguard/internal/storage"
)

func TestUsageStore_IncrementCreatesRecord(t *testing.T) {
	store := Open()
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	if _, err := usage.GetUsage(ctx, "com.game"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec, err := usage.IncrementUsage(ctx, "com.game", "2024-03-01", 1)
	if err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}
	if rec.MinutesUsed != 1 || rec.Date != "2024-03-01" || rec.AppID != "com.game" {
		t.Errorf("unexpected record: %+v", rec)
	}

	rec, err = usage.IncrementUsage(ctx, "com.game", "2024-03-01", 2)
	if err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}
	if rec.MinutesUsed != 3 {
		t.Errorf("expected 3 minutes, got %d", rec.MinutesUsed)
	}
}

func TestUsageStore_IncrementResetsStaleDate(t *testing.T) {
	store := Open()
	ctx := context.Background()
	usage := store.Usage()

	for i := 0; i < 7; i++ {
		if _, err := usage.IncrementUsage(ctx, "com.game", "2024-03-01", 1); err != nil {
			t.Fatalf("IncrementUsage failed: %v", err)
		}
	}

	rec, err := usage.IncrementUsage(ctx, "com.game", "2024-03-02", 1)
	if err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}
	if rec.MinutesUsed != 1 || rec.Date != "2024-03-02" {
		t.Errorf("expected fresh record with 1 minute, got %+v", rec)
	}
}

func TestUsageStore_ConcurrentIncrementsAreSerialized(t *testing.T) {
	store := Open()
	ctx := context.Background()
	usage := store.Usage()

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, _ = usage.IncrementUsage(ctx, "com.game", "2024-03-01", 1)
			}
		}()
	}
	wg.Wait()

	rec, err := usage.GetUsage(ctx, "com.game")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if rec.MinutesUsed != workers*perWorker {
		t.Errorf("expected %d minutes, got %d", workers*perWorker, rec.MinutesUsed)
	}
}

func TestUsageStore_DeleteUsageBefore(t *testing.T) {
	store := Open()
	ctx := context.Background()
	usage := store.Usage()

	_, _ = usage.IncrementUsage(ctx, "com.old", "2024-01-01", 5)
	_, _ = usage.IncrementUsage(ctx, "com.edge", "2024-02-01", 5)
	_, _ = usage.IncrementUsage(ctx, "com.new", "2024-03-01", 5)

	deleted, err := usage.DeleteUsageBefore(ctx, "2024-02-01")
	if err != nil {
		t.Fatalf("DeleteUsageBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted record, got %d", deleted)
	}

	records, err := usage.ListUsage(ctx)
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(records) != 2 || records[0].AppID != "com.edge" || records[1].AppID != "com.new" {
		t.Errorf("unexpected remaining records: %+v", records)
	}

	if err := usage.DeleteUsage(ctx, "com.edge"); err != nil {
		t.Fatalf("DeleteUsage failed: %v", err)
	}
	if _, err := usage.GetUsage(ctx, "com.edge"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUsageStore_IncrementStampsUpdatedAt(t *testing.T) {
	store := Open()
	ctx := context.Background()

	stamp := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
	store.usageStore.now = func() time.Time { return stamp }

	rec, err := store.Usage().IncrementUsage(ctx, "com.game", "2024-03-01", 1)
	if err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}
	if !rec.UpdatedAt.Equal(stamp) {
		t.Errorf("expected UpdatedAt %v, got %v", stamp, rec.UpdatedAt)
	}

	later := stamp.Add(time.Minute)
	store.usageStore.now = func() time.Time { return later }
	if _, err := store.Usage().IncrementUsage(ctx, "com.game", "2024-03-01", 1); err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}

	got, err := store.Usage().GetUsage(ctx, "com.game")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Errorf("expected UpdatedAt %v, got %v", later, got.UpdatedAt)
	}
}
