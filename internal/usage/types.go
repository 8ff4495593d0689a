package usage

// UsageStats represents current usage statistics for one app
type UsageStats struct {
	AppID          string `json:"app_id"`
	Date           string `json:"date"`
	UsedMinutes    int    `json:"used_minutes"`
	LimitMinutes   int    `json:"limit_minutes"` // 0 = unlimited
	RemainingToday int    `json:"remaining_today"`
	LimitExceeded  bool   `json:"limit_exceeded"`
}
