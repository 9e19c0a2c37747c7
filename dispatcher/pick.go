package dispatcher

import (
	"context"
	"math"
	"sort"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
)

type candidate struct {
	id       string
	distKM   float64
	bucket   int
	zoneRank int
	battery  float64
	speed    float64
}

// missionFeasible checks that the drone's battery covers the full leg
// chain pos -> origin -> destination -> nearest charge point, at the
// planner's drain rate plus the configured margin.
func missionFeasible(cfg *params.Config, zones *types.ZonesConfig, drone *types.Drone, delivery *types.Delivery) bool {
	if drone.Pos == nil {
		return false
	}
	total := geo.HaversineKM(*drone.Pos, delivery.Origin) +
		geo.HaversineKM(delivery.Origin, delivery.Destination)
	if charge, ok := geo.NearestChargePoint(zones, delivery.Destination); ok {
		total += geo.HaversineKM(delivery.Destination, charge)
	}
	needed := total*cfg.PlanBatteryPerKM + cfg.SafetyMarginPct
	return drone.Battery >= needed
}

// pickDrone selects the best eligible drone for the delivery, or ""
// when none qualifies. Candidates are ranked by distance bucket, zone
// proximity, ascending battery and descending speed; the winner is still
// rejected when its pickup distance exceeds the hard cap.
func (s *Service) pickDrone(ctx context.Context, delivery *types.Delivery) string {
	cfg := params.AirliftConfig()
	zones := s.zonesConfig(ctx)
	class := types.WeightClass(delivery.Weight)
	originZone := geo.PointZone(zones, delivery.Origin)

	var candidates []candidate
	for _, id := range s.droneIDs(ctx) {
		drone, _, err := s.getDrone(ctx, id)
		if err != nil || drone == nil {
			continue
		}
		if drone.Status != types.DroneIdle || drone.CurrentDelivery != nil {
			continue
		}
		if drone.Type != class {
			continue
		}
		if drone.Battery <= cfg.CriticalBattery {
			s.pushToCharging(ctx, drone)
			continue
		}
		if drone.Pos == nil {
			continue
		}
		if !missionFeasible(cfg, zones, drone, delivery) {
			s.registerFeasMiss(ctx, drone, delivery.ID)
			continue
		}
		dist := geo.HaversineKM(*drone.Pos, delivery.Origin)
		candidates = append(candidates, candidate{
			id:       id,
			distKM:   dist,
			bucket:   int(math.Floor(dist / cfg.NearEpsKM)),
			zoneRank: geo.ZoneProximityRank(zones, geo.PointZone(zones, *drone.Pos), originZone),
			battery:  drone.Battery,
			speed:    drone.Speed,
		})
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.bucket != b.bucket {
			return a.bucket < b.bucket
		}
		if a.zoneRank != b.zoneRank {
			return a.zoneRank < b.zoneRank
		}
		if a.battery != b.battery {
			return a.battery < b.battery
		}
		return a.speed > b.speed
	})

	winner := candidates[0]
	if winner.distKM > cfg.MaxPickupKM {
		log.WithField("drone", winner.id).WithField("delivery", delivery.ID).
			WithField("distance_km", winner.distKM).Debug("Best candidate beyond pickup range")
		return ""
	}
	return winner.id
}
