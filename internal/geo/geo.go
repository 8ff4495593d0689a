package geo

import (
	"math"
	"time"
)

// EarthRadiusMeters is the IUGG mean Earth radius used by Distance and Offset.
const EarthRadiusMeters = 6371008.8

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Sample is a location fix pushed by the location collaborator.
type Sample struct {
	Point      Point     `json:"point"`
	CapturedAt time.Time `json:"captured_at"`
}

// Fence is a named circular region with its own app block list.
type Fence struct {
	Name         string              `json:"name"`
	Center       Point               `json:"center"`
	RadiusMeters float64             `json:"radius_meters"`
	BlockedApps  map[string]struct{} `json:"-"`
}

// NewFence builds a fence, copying the app list into a set.
func NewFence(name string, center Point, radius float64, apps []string) Fence {
	set := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		if app == "" {
			continue
		}
		set[app] = struct{}{}
	}
	return Fence{
		Name:         name,
		Center:       center,
		RadiusMeters: radius,
		BlockedApps:  set,
	}
}

// Clone returns a copy of f that shares no memory with it.
func (f Fence) Clone() Fence {
	apps := make(map[string]struct{}, len(f.BlockedApps))
	for app := range f.BlockedApps {
		apps[app] = struct{}{}
	}
	f.BlockedApps = apps
	return f
}

// Contains reports whether p lies within the fence (boundary inclusive).
func (f Fence) Contains(p Point) bool {
	return Distance(p, f.Center) <= f.RadiusMeters
}

// Blocks reports whether the fence lists appID.
func (f Fence) Blocks(appID string) bool {
	_, ok := f.BlockedApps[appID]
	return ok
}

// Distance returns the great-circle distance in meters between a and b
// using the haversine formula.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Offset returns the point reached by travelling meters from p along the
// initial bearing (degrees clockwise from north) on the same sphere that
// Distance uses.
func Offset(p Point, bearing, meters float64) Point {
	delta := meters / EarthRadiusMeters
	theta := radians(bearing)
	lat1 := radians(p.Lat)
	lon1 := radians(p.Lon)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)

	return Point{Lat: degrees(lat2), Lon: normalizeLon(degrees(lon2))}
}

// Valid reports whether p is a finite coordinate within WGS84 bounds.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func normalizeLon(lon float64) float64 {
	return math.Mod(lon+540, 360) - 180
}
