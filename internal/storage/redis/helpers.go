package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/timeguard/internal/storage"
)

// parseUsageRecord converts a Redis hash to UsageRecord
func parseUsageRecord(data map[string]string) (*storage.UsageRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	minutes, err := strconv.Atoi(data["minutes_used"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse minutes_used: %w", err)
	}

	var updatedAt time.Time
	if raw := data["updated_at"]; raw != "" {
		updatedAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
	}

	return &storage.UsageRecord{
		AppID:       data["app_id"],
		Date:        data["date"],
		MinutesUsed: minutes,
		UpdatedAt:   updatedAt,
	}, nil
}
