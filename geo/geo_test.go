package geo

import (
	"testing"

	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineKM(t *testing.T) {
	rome := types.Point{Lat: 41.9028, Lon: 12.4964}
	milan := types.Point{Lat: 45.4642, Lon: 9.19}

	d := HaversineKM(rome, milan)
	// Rome to Milan is roughly 477 km.
	assert.InDelta(t, 477, d, 5)
	assert.Equal(t, 0.0, HaversineKM(rome, rome))
	assert.InDelta(t, HaversineKM(milan, rome), d, 1e-9)
}

func TestStepToward(t *testing.T) {
	p := types.Point{Lat: 41.90, Lon: 12.40}
	target := types.Point{Lat: 41.92, Lon: 12.50}

	half := StepToward(p, target, 0.5)
	assert.InDelta(t, 41.91, half.Lat, 1e-12)
	assert.InDelta(t, 12.45, half.Lon, 1e-12)

	full := StepToward(p, target, 1.0)
	assert.Equal(t, target, full)
}

func TestBuildZones(t *testing.T) {
	cfg := BuildZones(2, 2, 41.80, 41.98, 12.37, 12.60)
	require.Len(t, cfg.Zones, 4)
	assert.Equal(t, 2, cfg.Rows)
	assert.Equal(t, 2, cfg.Cols)

	z0 := cfg.Zones[0]
	assert.Equal(t, "zone 0", z0.Name)
	assert.InDelta(t, 41.845, z0.Charge.Lat, 1e-9)
	assert.InDelta(t, 12.4275, z0.Charge.Lon, 1e-9)
	// Corner cells have exactly two neighbors in a 2x2 grid.
	assert.ElementsMatch(t, []string{"zone 1", "zone 2"}, z0.Neighbors)

	z3 := cfg.Zones[3]
	assert.Equal(t, "zone 3", z3.Name)
	assert.ElementsMatch(t, []string{"zone 1", "zone 2"}, z3.Neighbors)
}

func TestPointZone(t *testing.T) {
	cfg := BuildZones(2, 2, 41.80, 41.98, 12.37, 12.60)

	assert.Equal(t, "zone 0", PointZone(cfg, types.Point{Lat: 41.82, Lon: 12.40}))
	assert.Equal(t, "zone 3", PointZone(cfg, types.Point{Lat: 41.95, Lon: 12.55}))
	assert.Equal(t, "", PointZone(cfg, types.Point{Lat: 10, Lon: 10}))
	assert.Equal(t, "", PointZone(nil, types.Point{}))
}

func TestNearestChargePoint(t *testing.T) {
	cfg := BuildZones(2, 2, 41.80, 41.98, 12.37, 12.60)

	p := types.Point{Lat: 41.81, Lon: 12.38}
	cp, ok := NearestChargePoint(cfg, p)
	require.True(t, ok)
	assert.Equal(t, cfg.Zones[0].Charge, cp)

	_, ok = NearestChargePoint(&types.ZonesConfig{}, p)
	assert.False(t, ok)
}

func TestZoneProximityRank(t *testing.T) {
	cfg := BuildZones(2, 2, 41.80, 41.98, 12.37, 12.60)

	assert.Equal(t, 0, ZoneProximityRank(cfg, "zone 0", "zone 0"))
	assert.Equal(t, 1, ZoneProximityRank(cfg, "zone 1", "zone 0"))
	assert.Equal(t, 2, ZoneProximityRank(cfg, "zone 3", "zone 0"))
	assert.Equal(t, 2, ZoneProximityRank(cfg, "", "zone 0"))
}
