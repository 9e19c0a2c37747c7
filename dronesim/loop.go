package dronesim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
)

// chargeSnapEps is the per-axis closeness below which a drone counts as
// parked on the charge pad.
const chargeSnapEps = 0.0005

const mergeAttempts = 10

// telemetry is the computed per-tick update; only these three fields are
// ever written back by the simulator.
type telemetry struct {
	pos      *types.Point
	battery  float64
	atCharge bool
	changed  bool
}

// step computes one tick of movement for the drone. The target depends
// on its control state: the active delivery leg while busy, the nearest
// charge pad while charging or retiring, nothing otherwise. The docked
// flag is recomputed from scratch each tick, so it is true only while
// the drone actually sits on a pad.
func (s *Service) step(ctx context.Context, drone *types.Drone, zones *types.ZonesConfig) telemetry {
	cfg := params.AirliftConfig()
	out := telemetry{pos: drone.Pos, battery: drone.Battery}
	if drone.Pos == nil {
		return out
	}

	switch {
	case drone.Status == types.DroneBusy && drone.CurrentDelivery != nil:
		delivery := &types.Delivery{}
		found, err := s.kv.GetJSON(ctx, types.DeliveryKey(*drone.CurrentDelivery), delivery)
		if err != nil || !found {
			break
		}
		target := delivery.Destination
		if delivery.Leg != nil && *delivery.Leg == types.LegToOrigin {
			target = delivery.Origin
		}
		next := geo.StepToward(*drone.Pos, target, drone.Speed)
		out.pos = &next
		out.battery = clamp(drone.Battery-geo.HaversineKM(*drone.Pos, next)*cfg.SimBatteryPerKM, 0, 100)
		out.changed = true

	case drone.Status == types.DroneCharging || drone.Status == types.DroneRetiring:
		pad, ok := geo.NearestChargePoint(zones, *drone.Pos)
		if !ok {
			break
		}
		if closeEnough(*drone.Pos, pad) {
			out.atCharge = true
			out.battery = clamp(drone.Battery+cfg.ChargePerTick, 0, 100)
			out.changed = true
			break
		}
		next := geo.StepToward(*drone.Pos, pad, drone.Speed)
		out.pos = &next
		out.battery = clamp(drone.Battery-geo.HaversineKM(*drone.Pos, next)*cfg.SimBatteryPerKM, 0, 100)
		out.changed = true
	}

	// Persist the cleared flag even on otherwise-unchanged ticks.
	if out.atCharge != drone.AtCharge {
		out.changed = true
	}
	return out
}

// runDrone is the per-drone loop: compute a tick, merge-write the
// telemetry fields and enqueue an update event.
func (s *Service) runDrone(id string, tick time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tickDrone(id)
		}
	}
}

func (s *Service) tickDrone(id string) {
	ctx := s.ctx
	drone, _, err := s.getDrone(ctx, id)
	if err != nil || drone == nil {
		return
	}
	if drone.FreezeUntil > nowSeconds() {
		return
	}
	zones := s.zonesConfig(ctx)
	tm := s.step(ctx, drone, zones)

	final := drone
	if tm.changed {
		final = s.mergeWrite(ctx, id, tm)
		if final == nil {
			return
		}
	}
	s.queue.push(types.DroneUpdate{
		Type:            "drone_update",
		DroneID:         id,
		Pos:             final.Pos,
		Battery:         final.Battery,
		Status:          final.Status,
		CurrentDelivery: final.CurrentDelivery,
		AtCharge:        final.AtCharge,
	})
}

// mergeWrite folds the computed telemetry into the latest document,
// overwriting only pos, battery and at_charge so a concurrent control
// flip by the dispatcher is never clobbered. After the retry budget it
// falls back to a plain read so the emitted event is still coherent.
func (s *Service) mergeWrite(ctx context.Context, id string, tm telemetry) *types.Drone {
	for i := 0; i < mergeAttempts; i++ {
		drone, raw, err := s.getDrone(ctx, id)
		if err != nil || drone == nil {
			return nil
		}
		next := *drone
		next.Pos = tm.pos
		next.Battery = tm.battery
		next.AtCharge = tm.atCharge
		ok, _, err := s.kv.CAS(ctx, types.DroneKey(id), raw, next)
		if err != nil {
			return nil
		}
		if ok {
			return &next
		}
	}
	log.WithField("drone", id).Debug("Telemetry merge lost every retry, emitting last read")
	drone, _, err := s.getDrone(ctx, id)
	if err != nil {
		return nil
	}
	return drone
}

func (s *Service) getDrone(ctx context.Context, id string) (*types.Drone, json.RawMessage, error) {
	raw, found, err := s.kv.Get(ctx, types.DroneKey(id))
	if err != nil || !found {
		return nil, nil, err
	}
	d := &types.Drone{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, nil, err
	}
	return d, raw, nil
}

func closeEnough(a, b types.Point) bool {
	return abs(a.Lat-b.Lat) < chargeSnapEps && abs(a.Lon-b.Lon) < chargeSnapEps
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
