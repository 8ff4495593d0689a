package geo

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var redSquare = Point{Lat: 55.7539, Lon: 37.6208}

func TestDistance_SamePointIsZero(t *testing.T) {
	for _, p := range []Point{redSquare, {}, {Lat: -33.8568, Lon: 151.2153}} {
		assert.Equal(t, 0.0, Distance(p, p), "point %v", p)
	}
}

func TestDistance_KnownPairs(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
		tol  float64
	}{
		{
			name: "one degree of latitude",
			a:    Point{Lat: 0, Lon: 0},
			b:    Point{Lat: 1, Lon: 0},
			want: EarthRadiusMeters * math.Pi / 180,
			tol:  1e-6,
		},
		{
			name: "quarter meridian",
			a:    Point{Lat: 0, Lon: 0},
			b:    Point{Lat: 90, Lon: 0},
			want: EarthRadiusMeters * math.Pi / 2,
			tol:  1e-6,
		},
		{
			name: "antipodes",
			a:    Point{Lat: 0, Lon: 0},
			b:    Point{Lat: 0, Lon: 180},
			want: EarthRadiusMeters * math.Pi,
			tol:  1e-6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Distance(tt.a, tt.b), tt.tol)
			assert.InDelta(t, tt.want, Distance(tt.b, tt.a), tt.tol, "distance must be symmetric")
		})
	}
}

func TestOffset_RoundTripsThroughDistance(t *testing.T) {
	for _, meters := range []float64{1, 101, 10001, 250000} {
		for _, bearing := range []float64{0, 45, 90, 180, 270} {
			p := Offset(redSquare, bearing, meters)
			assert.InDelta(t, meters, Distance(redSquare, p), 1e-6,
				"bearing %.0f meters %.0f", bearing, meters)
		}
	}
}

func TestFence_CenterAlwaysInside(t *testing.T) {
	for _, radius := range []float64{0, 100, 10000} {
		f := NewFence("zone", redSquare, radius, []string{"com.game"})
		assert.True(t, f.Contains(redSquare), "radius %.0f", radius)
	}
}

func TestFence_OneMeterPastRadiusIsOutside(t *testing.T) {
	for _, radius := range []float64{0, 100, 10000} {
		t.Run(fmt.Sprintf("radius_%.0f", radius), func(t *testing.T) {
			f := NewFence("zone", redSquare, radius, []string{"com.game"})
			for _, bearing := range []float64{0, 90, 180, 270} {
				outside := Offset(redSquare, bearing, radius+1)
				assert.False(t, f.Contains(outside), "bearing %.0f", bearing)
			}
			if radius > 1 {
				inside := Offset(redSquare, 90, radius-1)
				assert.True(t, f.Contains(inside))
			}
		})
	}
}

func TestIndex_UnionOfOverlappingFences(t *testing.T) {
	school := NewFence("school", redSquare, 500, []string{"com.game.one", "com.video"})
	block := NewFence("block", Offset(redSquare, 0, 300), 500, []string{"com.game.two"})
	far := NewFence("far", Offset(redSquare, 0, 50000), 100, []string{"com.chat"})

	idx := NewIndex([]Fence{school, block, far})
	require.Equal(t, 3, idx.Len())

	got := idx.AppsBlockedAt(redSquare)
	assert.Equal(t, map[string]struct{}{
		"com.game.one": {},
		"com.video":    {},
		"com.game.two": {},
	}, got)

	assert.Equal(t, []string{"school", "block"}, idx.Containing(redSquare))
}

func TestIndex_BlockingReturnsFirstMatchingFence(t *testing.T) {
	first := NewFence("first", redSquare, 100, []string{"com.game"})
	second := NewFence("second", redSquare, 1000, []string{"com.game"})
	idx := NewIndex([]Fence{first, second})

	f, ok := idx.Blocking(redSquare, "com.game")
	require.True(t, ok)
	assert.Equal(t, "first", f.Name)

	_, ok = idx.Blocking(redSquare, "com.other")
	assert.False(t, ok)

	f, ok = idx.Blocking(Offset(redSquare, 90, 500), "com.game")
	require.True(t, ok)
	assert.Equal(t, "second", f.Name)
}

func TestIndex_NilIsEmpty(t *testing.T) {
	var idx *Index
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.AppsBlockedAt(redSquare))
	_, ok := idx.Blocking(redSquare, "com.game")
	assert.False(t, ok)
}

func TestIndex_OriginIsAnOrdinaryCoordinate(t *testing.T) {
	gulf := NewFence("null-island", Point{}, 10, []string{"com.game"})
	idx := NewIndex([]Fence{gulf})

	_, ok := idx.Blocking(Point{Lat: 0, Lon: 0}, "com.game")
	assert.True(t, ok)
}

func TestPoint_Valid(t *testing.T) {
	assert.True(t, redSquare.Valid())
	assert.True(t, Point{}.Valid())
	assert.False(t, Point{Lat: 91}.Valid())
	assert.False(t, Point{Lon: -181}.Valid())
	assert.False(t, Point{Lat: math.NaN()}.Valid())
	assert.False(t, Point{Lon: math.Inf(1)}.Valid())
}

func TestIndex_ClonesFences(t *testing.T) {
	fence := NewFence("school", redSquare, 500, []string{"com.game"})
	idx := NewIndex([]Fence{fence})

	fence.BlockedApps["com.chat"] = struct{}{}
	_, ok := idx.Blocking(redSquare, "com.chat")
	assert.False(t, ok, "edits to the source fence must not reach the index")

	idx.Fences()[0].BlockedApps["com.video"] = struct{}{}
	_, ok = idx.Blocking(redSquare, "com.video")
	assert.False(t, ok, "edits through Fences must not reach the index")

	clone := fence.Clone()
	assert.Equal(t, fence, clone)
}
