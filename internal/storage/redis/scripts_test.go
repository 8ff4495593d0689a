package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestIncrementUsageScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	script := redis.NewScript(incrementUsageScript)
	keys := []string{"tg:usage:com.game", "tg:usage:apps"}

	tests := []struct {
		name    string
		date    string
		minutes int
		want    int
	}{
		{"first minute creates record", "2024-03-01", 1, 1},
		{"same day accumulates", "2024-03-01", 1, 2},
		{"bulk increment", "2024-03-01", 5, 7},
		{"new day resets before increment", "2024-03-02", 1, 1},
		{"back to accumulating", "2024-03-02", 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := script.Run(ctx, client, keys,
				"com.game", tt.date, tt.minutes, "2024-03-01T10:00:00Z", recordTTLSeconds).Int()
			if err != nil {
				t.Fatalf("script failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d minutes, want %d", got, tt.want)
			}
			if date := mr.HGet("tg:usage:com.game", "date"); date != tt.date {
				t.Errorf("stored date = %q, want %q", date, tt.date)
			}
		})
	}

	if !mr.Exists("tg:usage:apps") {
		t.Fatal("expected app index to exist")
	}
	ok, err := mr.SIsMember("tg:usage:apps", "com.game")
	if err != nil || !ok {
		t.Errorf("expected com.game in index, ok=%v err=%v", ok, err)
	}
}

func TestDeleteUsageBeforeScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	mr.HSet("tg:usage:com.a", "app_id", "com.a", "date", "2023-12-31", "minutes_used", "4")
	mr.HSet("tg:usage:com.b", "app_id", "com.b", "date", "2024-01-01", "minutes_used", "4")
	if _, err := mr.SAdd("tg:usage:apps", "com.a", "com.b", "com.gone"); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	script := redis.NewScript(deleteUsageBeforeScript)
	deleted, err := script.Run(ctx, client, []string{"tg:usage:apps"}, "tg:usage:", "2024-01-01").Int()
	if err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	members, _ := mr.Members("tg:usage:apps")
	if len(members) != 1 || members[0] != "com.b" {
		t.Errorf("index members = %v, want [com.b]", members)
	}
}
