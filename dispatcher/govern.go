package dispatcher

import (
	"context"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
)

// governFleet runs the per-tick battery governance: fully charged drones
// come back to service (or leave it, when retiring), and idle drones at
// critical battery go to charge.
func (s *Service) governFleet(ctx context.Context) {
	cfg := params.AirliftConfig()
	for _, id := range s.droneIDs(ctx) {
		drone, _, err := s.getDrone(ctx, id)
		if err != nil || drone == nil {
			continue
		}
		switch {
		case drone.Status == types.DroneCharging && drone.AtCharge && drone.Battery >= cfg.FullAfter:
			if s.transitionDrone(ctx, id, governAttempts, governBackoff,
				func(d *types.Drone) bool {
					return d.Status == types.DroneCharging && d.AtCharge && d.Battery >= cfg.FullAfter
				},
				func(d *types.Drone) { d.Status = types.DroneIdle },
			) {
				log.WithField("drone", id).Info("Drone fully charged, back in service")
			}

		case drone.Status == types.DroneRetiring && drone.AtCharge && drone.Battery >= cfg.FullAfter:
			if s.transitionDrone(ctx, id, governAttempts, governBackoff,
				func(d *types.Drone) bool {
					return d.Status == types.DroneRetiring && d.AtCharge && d.Battery >= cfg.FullAfter
				},
				func(d *types.Drone) { d.Status = types.DroneInactive },
			) {
				log.WithField("drone", id).Info("Retiring drone fully charged, now inactive")
			}

		case drone.Status == types.DroneIdle && drone.Battery <= cfg.CriticalBattery:
			if s.transitionDrone(ctx, id, governAttempts, governBackoff,
				func(d *types.Drone) bool {
					return d.Status == types.DroneIdle && d.Battery <= cfg.CriticalBattery
				},
				func(d *types.Drone) { d.Status = types.DroneCharging },
			) {
				log.WithField("drone", id).WithField("battery", drone.Battery).
					Info("Battery critical, drone sent to charge")
			}
		}
	}
}
