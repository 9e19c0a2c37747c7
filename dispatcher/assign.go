package dispatcher

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
)

const (
	// EventDeliveryAssigned is published when a delivery gains a drone.
	EventDeliveryAssigned = "delivery_assigned"
	// EventDeliveryCompleted is published when a delivery is delivered.
	EventDeliveryCompleted = "delivery_completed"
)

var (
	assignedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_assignments_total",
		Help: "Number of deliveries successfully assigned to a drone.",
	})
	assignRollbackCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_assignment_rollbacks_total",
		Help: "Number of assignments rolled back after losing the delivery swap.",
	})
)

// assignOne attempts to move the delivery from pending to assigned,
// pairing it with an eligible drone. Both locks are cooperative; the two
// CAS calls are what make the pairing safe under concurrent dispatchers.
func (s *Service) assignOne(ctx context.Context, deliveryID string) bool {
	ttl := params.AirliftConfig().DispatchLockTTL
	lockKey := types.DeliveryKey(deliveryID)
	ok, _, err := s.kv.AcquireLock(ctx, lockKey, ttl)
	if err != nil || !ok {
		return false
	}
	defer func() {
		if err := s.kv.ReleaseLock(ctx, lockKey); err != nil {
			log.WithError(err).WithField("delivery", deliveryID).Debug("Could not release delivery lock")
		}
	}()

	delivery, rawDelivery, err := s.getDelivery(ctx, deliveryID)
	if err != nil || delivery == nil || delivery.Status != types.DeliveryPending {
		return false
	}

	droneID := s.pickDrone(ctx, delivery)
	if droneID == "" {
		log.WithField("delivery", deliveryID).Debug("No eligible drone this round")
		return false
	}

	droneLock := types.DroneKey(droneID)
	ok, _, err = s.kv.AcquireLock(ctx, droneLock, ttl)
	if err != nil || !ok {
		return false
	}
	defer func() {
		if err := s.kv.ReleaseLock(ctx, droneLock); err != nil {
			log.WithError(err).WithField("drone", droneID).Debug("Could not release drone lock")
		}
	}()

	// Re-check against fresh telemetry now that the drone is leased.
	cfg := params.AirliftConfig()
	drone, _, err := s.getDrone(ctx, droneID)
	if err != nil || drone == nil {
		return false
	}
	if drone.Status != types.DroneIdle || drone.CurrentDelivery != nil {
		return false
	}
	feasible := missionFeasible(cfg, s.zonesConfig(ctx), drone, delivery)
	if !feasible || drone.Battery <= cfg.CriticalBattery {
		s.recordRecheckFailure(ctx, drone, deliveryID)
		return false
	}

	if !s.setDroneBusyIfIdle(ctx, droneID, deliveryID) {
		return false
	}

	next := *delivery
	next.Status = types.DeliveryAssigned
	next.DroneID = types.StrPtr(droneID)
	next.Leg = types.StrPtr(types.LegToOrigin)
	ok, _, err = s.kv.CAS(ctx, types.DeliveryKey(deliveryID), rawDelivery, next)
	if err != nil || !ok {
		// Someone else assigned the delivery; undo our side of the pair.
		log.WithField("delivery", deliveryID).WithField("drone", droneID).
			Info("Lost delivery swap, rolling drone back")
		assignRollbackCount.Inc()
		s.setDroneIdleIfBusy(ctx, droneID, deliveryID)
		return false
	}

	assignedCount.Inc()
	log.WithField("delivery", deliveryID).WithField("drone", droneID).Info("Delivery assigned")
	s.publishStatus(ctx, EventDeliveryAssigned, deliveryID, droneID)
	return true
}

// assignPendingRound scans the oldest deliveries and assigns up to the
// per-tick budget.
func (s *Service) assignPendingRound(ctx context.Context) {
	cfg := params.AirliftConfig()
	ids := s.deliveryIDs(ctx)
	if len(ids) > cfg.PendingScanLimit {
		ids = ids[:cfg.PendingScanLimit]
	}
	assigned := 0
	for _, id := range ids {
		if assigned >= cfg.MaxAssignPerTick {
			return
		}
		delivery, _, err := s.getDelivery(ctx, id)
		if err != nil || delivery == nil || delivery.Status != types.DeliveryPending {
			continue
		}
		if s.assignOne(ctx, id) {
			assigned++
		}
	}
}
