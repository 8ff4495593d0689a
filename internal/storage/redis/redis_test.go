package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/timeguard/internal/config"
	"github.com/goodtune/timeguard/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so the port field stays unset
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "127.0.0.1:1", DialTimeout: "soon", ReadTimeout: "1s", WriteTimeout: "1s"})
	if err == nil {
		t.Fatal("expected error for invalid dial timeout")
	}
}

func TestUsageStore_GetMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	_, err := store.Usage().GetUsage(context.Background(), "com.missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestUsageStore_IncrementUsage(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	for i := 1; i <= 3; i++ {
		rec, err := usage.IncrementUsage(ctx, "com.game", "2024-03-01", 1)
		if err != nil {
			t.Fatalf("IncrementUsage failed: %v", err)
		}
		if rec.MinutesUsed != i {
			t.Errorf("Expected %d minutes, got %d", i, rec.MinutesUsed)
		}
	}

	retrieved, err := usage.GetUsage(ctx, "com.game")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if retrieved.AppID != "com.game" {
		t.Errorf("Expected AppID com.game, got %s", retrieved.AppID)
	}
	if retrieved.Date != "2024-03-01" {
		t.Errorf("Expected date 2024-03-01, got %s", retrieved.Date)
	}
	if retrieved.MinutesUsed != 3 {
		t.Errorf("Expected 3 minutes, got %d", retrieved.MinutesUsed)
	}
	if retrieved.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt to be set")
	}

	// TTL is refreshed on every increment
	if ttl := mr.TTL("timeguard:usage:com.game"); ttl <= 0 {
		t.Errorf("Expected positive TTL on usage key, got %v", ttl)
	}
}

func TestUsageStore_IncrementResetsOnNewDay(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	for i := 0; i < 42; i++ {
		if _, err := usage.IncrementUsage(ctx, "com.game", "2024-03-01", 1); err != nil {
			t.Fatalf("IncrementUsage failed: %v", err)
		}
	}

	rec, err := usage.IncrementUsage(ctx, "com.game", "2024-03-02", 1)
	if err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}
	if rec.MinutesUsed != 1 {
		t.Errorf("Expected usage to restart at 1 on a new day, got %d", rec.MinutesUsed)
	}
}

func TestUsageStore_ConcurrentIncrements(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := usage.IncrementUsage(ctx, "com.game", "2024-03-01", 1); err != nil {
					t.Errorf("IncrementUsage failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, err := usage.GetUsage(ctx, "com.game")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if rec.MinutesUsed != workers*perWorker {
		t.Errorf("Expected %d minutes, got %d", workers*perWorker, rec.MinutesUsed)
	}
}

func TestUsageStore_ListAndDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	for _, app := range []string{"com.zeta", "com.alpha", "com.mid"} {
		if _, err := usage.IncrementUsage(ctx, app, "2024-03-01", 2); err != nil {
			t.Fatalf("IncrementUsage failed: %v", err)
		}
	}

	records, err := usage.ListUsage(ctx)
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].AppID != "com.alpha" || records[2].AppID != "com.zeta" {
		t.Errorf("Expected records sorted by app ID, got %+v", records)
	}

	if err := usage.DeleteUsage(ctx, "com.mid"); err != nil {
		t.Fatalf("DeleteUsage failed: %v", err)
	}

	records, err = usage.ListUsage(ctx)
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 records after delete, got %d", len(records))
	}
}

func TestUsageStore_DeleteUsageBefore(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	_, _ = usage.IncrementUsage(ctx, "com.old", "2024-01-15", 3)
	_, _ = usage.IncrementUsage(ctx, "com.cutoff", "2024-02-01", 3)
	_, _ = usage.IncrementUsage(ctx, "com.new", "2024-03-01", 3)
	_, _ = usage.IncrementUsage(ctx, "com.expired", "2024-01-01", 3)

	// Simulate a record that already expired by TTL
	mr.Del("timeguard:usage:com.expired")

	deleted, err := usage.DeleteUsageBefore(ctx, "2024-02-01")
	if err != nil {
		t.Fatalf("DeleteUsageBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted record, got %d", deleted)
	}

	members, err := mr.Members("timeguard:usage:apps")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected index to hold 2 apps, got %v", members)
	}

	if mr.Exists("timeguard:usage:com.old") {
		t.Error("Expected com.old record to be deleted")
	}
	if !mr.Exists("timeguard:usage:com.cutoff") {
		t.Error("Expected record on the cutoff date to be kept")
	}
}

func TestUsageStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Open(config.RedisConfig{
		Host:         mr.Addr(),
		KeyPrefix:    "child-tablet",
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.Usage().IncrementUsage(context.Background(), "com.game", time.Now().Format(storage.DateLayout), 1); err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}

	if !mr.Exists("child-tablet:usage:com.game") {
		t.Error("Expected prefixed usage key")
	}
}
