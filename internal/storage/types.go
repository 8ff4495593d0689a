package storage

import "time"

// DateLayout is the calendar-day format used for usage record dates.
const DateLayout = "2006-01-02"

// UsageRecord holds the minutes an app has been in the foreground on Date.
type UsageRecord struct {
	AppID       string    `json:"app_id"`
	Date        string    `json:"date"`
	MinutesUsed int       `json:"minutes_used"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MinutesOn returns the minutes used on date, treating a record stamped
// with any other date as zero.
func (r *UsageRecord) MinutesOn(date string) int {
	if r == nil || r.Date != date {
		return 0
	}
	return r.MinutesUsed
}
