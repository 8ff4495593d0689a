package feed

import (
	"errors"
	"time"

	"github.com/goodtune/timeguard/internal/geo"
)

// LocationMessage is a location fix as uploaded by the device
type LocationMessage struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp int64    `json:"timestamp"` // Unix milliseconds
}

// Sample converts the message. Fixes missing either coordinate are
// rejected rather than read as zero.
func (m LocationMessage) Sample(received time.Time) (geo.Sample, error) {
	if m.Latitude == nil || m.Longitude == nil {
		return geo.Sample{}, errors.New("location is missing latitude or longitude")
	}

	captured := received
	if m.Timestamp > 0 {
		captured = time.UnixMilli(m.Timestamp)
	}

	return geo.Sample{
		Point:      geo.Point{Lat: *m.Latitude, Lon: *m.Longitude},
		CapturedAt: captured,
	}, nil
}

// ForegroundMessage reports a foreground app switch. The switch is
// observed at receipt; any sender timestamp is ignored.
type ForegroundMessage struct {
	AppID string `json:"app_id"`
}

// URLMessage carries raw URL-bar text
type URLMessage struct {
	Text string `json:"text"`
}
