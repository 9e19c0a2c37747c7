package dispatcher

import (
	"context"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
)

var (
	activatedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_drones_activated_total",
		Help: "Number of inactive drones brought into service.",
	})
	retiredCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_drones_retired_total",
		Help: "Number of drones sent to retire.",
	})
)

var weightClasses = []string{types.ClassLight, types.ClassMedium, types.ClassHeavy}

// classTargets distributes the fleet target across weight classes. With
// no backlog the base reserve is split evenly, remainder biased toward
// the lighter classes; otherwise each class gets its backlog share.
func classTargets(cfg *params.Config, backlogByClass map[string]int) map[string]int {
	backlog := 0
	for _, n := range backlogByClass {
		backlog += n
	}
	targets := make(map[string]int, len(weightClasses))
	if backlog == 0 {
		base := cfg.BaseActive / len(weightClasses)
		rem := cfg.BaseActive % len(weightClasses)
		for i, class := range weightClasses {
			targets[class] = base
			if i < rem {
				targets[class]++
			}
		}
		return targets
	}
	total := int(math.Ceil(float64(backlog) * cfg.ScaleRatio))
	if total > cfg.DronePoolMax {
		total = cfg.DronePoolMax
	}
	if total < cfg.BaseActive {
		total = cfg.BaseActive
	}
	for _, class := range weightClasses {
		share := float64(backlogByClass[class]) / float64(backlog)
		targets[class] = int(math.Round(share * float64(total)))
	}
	return targets
}

// autoscale sizes the active fleet to the pending backlog: activating
// inactive drones on deficit and retiring safe ones on surplus. The
// scheduler mutex excludes concurrent scaling decisions in this process;
// every transition still goes through CAS.
func (s *Service) autoscale(ctx context.Context) {
	cfg := params.AirliftConfig()

	backlogByClass := map[string]int{}
	ids := s.deliveryIDs(ctx)
	if len(ids) > cfg.PendingScanLimit {
		ids = ids[:cfg.PendingScanLimit]
	}
	for _, id := range ids {
		delivery, _, err := s.getDelivery(ctx, id)
		if err != nil || delivery == nil || delivery.Status != types.DeliveryPending {
			continue
		}
		backlogByClass[types.WeightClass(delivery.Weight)]++
	}
	targets := classTargets(cfg, backlogByClass)

	byClass := map[string][]*types.Drone{}
	for _, id := range s.droneIDs(ctx) {
		drone, _, err := s.getDrone(ctx, id)
		if err != nil || drone == nil {
			continue
		}
		byClass[drone.Type] = append(byClass[drone.Type], drone)
	}

	s.scaleLock.Lock()
	defer s.scaleLock.Unlock()

	for _, class := range weightClasses {
		var active, inactive, safe []*types.Drone
		for _, drone := range byClass[class] {
			switch drone.Status {
			case types.DroneIdle, types.DroneBusy, types.DroneCharging:
				active = append(active, drone)
			case types.DroneInactive:
				inactive = append(inactive, drone)
			}
			if (drone.Status == types.DroneIdle || drone.Status == types.DroneCharging) &&
				drone.CurrentDelivery == nil {
				safe = append(safe, drone)
			}
		}
		target := targets[class]

		for deficit := target - len(active); deficit > 0 && len(inactive) > 0; deficit-- {
			drone := inactive[0]
			inactive = inactive[1:]
			if s.transitionDrone(ctx, drone.ID, activateAttempts, governBackoff,
				func(d *types.Drone) bool { return d.Status == types.DroneInactive },
				func(d *types.Drone) { d.Status = types.DroneIdle },
			) {
				activatedCount.Inc()
				log.WithField("drone", drone.ID).WithField("class", class).Info("Drone activated")
			}
		}

		for surplus := len(active) - target; surplus > 0 && len(safe) > 0; surplus-- {
			drone := safe[0]
			safe = safe[1:]
			if s.transitionDrone(ctx, drone.ID, activateAttempts, governBackoff,
				func(d *types.Drone) bool {
					return (d.Status == types.DroneIdle || d.Status == types.DroneCharging) &&
						d.CurrentDelivery == nil
				},
				func(d *types.Drone) { d.Status = types.DroneRetiring },
			) {
				retiredCount.Inc()
				log.WithField("drone", drone.ID).WithField("class", class).Info("Drone retiring")
			}
		}
	}
}
