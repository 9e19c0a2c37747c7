package dispatcher

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
)

var casRetryExhaustedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatcher_cas_retries_exhausted_total",
	Help: "Number of drone transitions abandoned after the retry budget.",
}, []string{"transition"})

// Retry budgets for drone control transitions. The busy flip races only
// with telemetry merges, so a short loop absorbs it; the rollback to idle
// is the safety net after a lost assignment race and gets a much longer
// leash.
const (
	busyAttempts     = 15
	busyBackoff      = 10 * time.Millisecond
	idleAttempts     = 40
	idleBackoff      = 25 * time.Millisecond
	governAttempts   = 5
	governBackoff    = 10 * time.Millisecond
	activateAttempts = 3
)

// setDroneBusyIfIdle flips the drone to busy on the given delivery while
// preserving every telemetry field the simulator owns. A feasible pick
// also clears the feasibility-miss bookkeeping.
func (s *Service) setDroneBusyIfIdle(ctx context.Context, droneID, deliveryID string) bool {
	for i := 0; i < busyAttempts; i++ {
		drone, raw, err := s.getDrone(ctx, droneID)
		if err != nil || drone == nil {
			return false
		}
		if drone.Status != types.DroneIdle || drone.CurrentDelivery != nil {
			return false
		}
		next := *drone
		next.Status = types.DroneBusy
		next.CurrentDelivery = types.StrPtr(deliveryID)
		next.FeasMiss = 0
		next.FeasMissSet = []string{}
		ok, _, err := s.kv.CAS(ctx, types.DroneKey(droneID), raw, next)
		if err != nil {
			return false
		}
		if ok {
			return true
		}
		time.Sleep(busyBackoff)
	}
	casRetryExhaustedCount.WithLabelValues("busy").Inc()
	return false
}

// setDroneIdleIfBusy returns the drone to idle, but only while it is
// still busy on the expected delivery. It reports success trivially when
// the drone has already moved off that delivery.
func (s *Service) setDroneIdleIfBusy(ctx context.Context, droneID, expectedDelivery string) bool {
	for i := 0; i < idleAttempts; i++ {
		drone, raw, err := s.getDrone(ctx, droneID)
		if err != nil || drone == nil {
			return false
		}
		if drone.Status != types.DroneBusy || drone.CurrentDelivery == nil || *drone.CurrentDelivery != expectedDelivery {
			return true
		}
		next := *drone
		next.Status = types.DroneIdle
		next.CurrentDelivery = nil
		ok, _, err := s.kv.CAS(ctx, types.DroneKey(droneID), raw, next)
		if err != nil {
			return false
		}
		if ok {
			return true
		}
		time.Sleep(idleBackoff)
	}
	casRetryExhaustedCount.WithLabelValues("idle").Inc()
	log.WithField("drone", droneID).WithField("delivery", expectedDelivery).
		Warn("Could not roll drone back to idle")
	return false
}

// transitionDrone retries a guarded status change, re-reading the
// document and re-checking the guard on every attempt.
func (s *Service) transitionDrone(ctx context.Context, droneID string, attempts int, backoff time.Duration,
	guard func(*types.Drone) bool, mutate func(*types.Drone)) bool {
	for i := 0; i < attempts; i++ {
		drone, raw, err := s.getDrone(ctx, droneID)
		if err != nil || drone == nil {
			return false
		}
		if !guard(drone) {
			return false
		}
		next := *drone
		mutate(&next)
		ok, _, err := s.kv.CAS(ctx, types.DroneKey(droneID), raw, next)
		if err != nil {
			return false
		}
		if ok {
			return true
		}
		time.Sleep(backoff)
	}
	return false
}

// registerFeasMiss counts an infeasible evaluation against the drone,
// once per unique delivery. Crossing the threshold sends the drone to
// charge and clears the bookkeeping. Written with a plain put: this is
// advisory state and last-write-wins is acceptable for it.
func (s *Service) registerFeasMiss(ctx context.Context, drone *types.Drone, deliveryID string) {
	for _, seen := range drone.FeasMissSet {
		if seen == deliveryID {
			return
		}
	}
	next := *drone
	next.FeasMiss = drone.FeasMiss + 1
	next.FeasMissSet = append(append([]string{}, drone.FeasMissSet...), deliveryID)
	if next.FeasMiss >= params.AirliftConfig().EarlyChargeThreshold {
		next.Status = types.DroneCharging
		next.FeasMiss = 0
		next.FeasMissSet = []string{}
		log.WithField("drone", drone.ID).Info("Repeated infeasible missions, sending drone to charge")
	}
	if err := s.kv.Put(ctx, types.DroneKey(drone.ID), next); err != nil {
		log.WithError(err).WithField("drone", drone.ID).Warn("Could not record feasibility miss")
	}
	// Keep the in-memory view current for the rest of this round.
	*drone = next
}

// recordRecheckFailure counts a failed post-lock re-check against the
// drone. Unlike the pick-stage miss this always increments, so a drone
// repeatedly winning picks on stale telemetry cannot stall a delivery
// indefinitely. A critical battery or crossing the threshold sends it
// to charge; the bookkeeping resets only at the threshold.
func (s *Service) recordRecheckFailure(ctx context.Context, drone *types.Drone, deliveryID string) {
	cfg := params.AirliftConfig()
	next := *drone
	next.FeasMiss = drone.FeasMiss + 1
	seen := false
	for _, id := range drone.FeasMissSet {
		if id == deliveryID {
			seen = true
			break
		}
	}
	if !seen {
		next.FeasMissSet = append(append([]string{}, drone.FeasMissSet...), deliveryID)
	}
	if drone.Battery <= cfg.CriticalBattery || next.FeasMiss >= cfg.EarlyChargeThreshold {
		next.Status = types.DroneCharging
		log.WithField("drone", drone.ID).WithField("battery", drone.Battery).
			Info("Drone failed the assignment re-check, sending to charge")
	}
	if next.FeasMiss >= cfg.EarlyChargeThreshold {
		next.FeasMiss = 0
		next.FeasMissSet = []string{}
	}
	if err := s.kv.Put(ctx, types.DroneKey(drone.ID), next); err != nil {
		log.WithError(err).WithField("drone", drone.ID).Warn("Could not record re-check failure")
	}
	*drone = next
}

// pushToCharging sends a battery-critical drone to charge with a plain
// put, mirroring the advisory nature of the transition.
func (s *Service) pushToCharging(ctx context.Context, drone *types.Drone) {
	next := *drone
	next.Status = types.DroneCharging
	if err := s.kv.Put(ctx, types.DroneKey(drone.ID), next); err != nil {
		log.WithError(err).WithField("drone", drone.ID).Warn("Could not push drone to charging")
		return
	}
	log.WithField("drone", drone.ID).WithField("battery", drone.Battery).
		Info("Battery critical, drone sent to charge")
	*drone = next
}
