// Package geo implements the spatial math shared by the dispatcher, the
// simulator and the gateway: great-circle distance, linear movement steps
// and the rectangular zone grid with four-neighbor adjacency.
package geo

import (
	"fmt"
	"math"

	"github.com/airliftlabs/airlift/fleet/types"
)

const earthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance between two points in km.
func HaversineKM(a, b types.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

// StepToward moves p a fraction of the way to target, component-wise.
// speed is the per-tick fraction in (0,1].
func StepToward(p, target types.Point, speed float64) types.Point {
	return types.Point{
		Lat: p.Lat + speed*(target.Lat-p.Lat),
		Lon: p.Lon + speed*(target.Lon-p.Lon),
	}
}

// BuildZones decomposes the configured rectangle into rows x cols cells.
// Each cell gets a name, its bounds, a charge point at the center and the
// list of 4-adjacent neighbor names.
func BuildZones(rows, cols int, minLat, maxLat, minLon, maxLon float64) *types.ZonesConfig {
	latStep := (maxLat - minLat) / float64(rows)
	lonStep := (maxLon - minLon) / float64(cols)

	name := func(r, c int) string { return fmt.Sprintf("zone %d", r*cols+c) }

	zones := make([]types.Zone, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			b := types.Bounds{
				MinLat: minLat + float64(r)*latStep,
				MaxLat: minLat + float64(r+1)*latStep,
				MinLon: minLon + float64(c)*lonStep,
				MaxLon: minLon + float64(c+1)*lonStep,
			}
			var neighbors []string
			for _, d := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				nr, nc := r+d[0], c+d[1]
				if nr >= 0 && nr < rows && nc >= 0 && nc < cols {
					neighbors = append(neighbors, name(nr, nc))
				}
			}
			zones = append(zones, types.Zone{
				Name:   name(r, c),
				Row:    r,
				Col:    c,
				Bounds: b,
				Charge: types.Point{
					Lat: (b.MinLat + b.MaxLat) / 2,
					Lon: (b.MinLon + b.MaxLon) / 2,
				},
				Neighbors: neighbors,
			})
		}
	}
	return &types.ZonesConfig{Rows: rows, Cols: cols, Zones: zones}
}

// PointZone returns the name of the zone containing p, or "" when the
// point falls outside the grid.
func PointZone(cfg *types.ZonesConfig, p types.Point) string {
	if cfg == nil {
		return ""
	}
	for _, z := range cfg.Zones {
		if p.Lat >= z.Bounds.MinLat && p.Lat <= z.Bounds.MaxLat &&
			p.Lon >= z.Bounds.MinLon && p.Lon <= z.Bounds.MaxLon {
			return z.Name
		}
	}
	return ""
}

// NearestChargePoint returns the closest zone charge point to p. The
// second return is false when the config holds no zones.
func NearestChargePoint(cfg *types.ZonesConfig, p types.Point) (types.Point, bool) {
	if cfg == nil || len(cfg.Zones) == 0 {
		return types.Point{}, false
	}
	best := cfg.Zones[0].Charge
	bestDist := HaversineKM(p, best)
	for _, z := range cfg.Zones[1:] {
		if d := HaversineKM(p, z.Charge); d < bestDist {
			best, bestDist = z.Charge, d
		}
	}
	return best, true
}

// ZoneProximityRank orders candidate zones relative to a target zone:
// 0 same zone, 1 a 4-adjacent neighbor, 2 anything else.
func ZoneProximityRank(cfg *types.ZonesConfig, droneZone, targetZone string) int {
	if droneZone != "" && droneZone == targetZone {
		return 0
	}
	if cfg != nil {
		for _, z := range cfg.Zones {
			if z.Name != targetZone {
				continue
			}
			for _, n := range z.Neighbors {
				if n == droneZone {
					return 1
				}
			}
		}
	}
	return 2
}
