package dispatcher

import (
	"context"

	"github.com/airliftlabs/airlift/fleet/types"
)

// reconcileStuckBusy sweeps for drones still busy on a delivery that has
// already completed and forces them back to idle. This covers the window
// where a dispatcher crashed between completing the delivery and
// normalizing its drone.
func (s *Service) reconcileStuckBusy(ctx context.Context) {
	for _, id := range s.droneIDs(ctx) {
		drone, _, err := s.getDrone(ctx, id)
		if err != nil || drone == nil {
			continue
		}
		if drone.Status != types.DroneBusy || drone.CurrentDelivery == nil {
			continue
		}
		delivery, _, err := s.getDelivery(ctx, *drone.CurrentDelivery)
		if err != nil {
			continue
		}
		if delivery == nil || delivery.Status == types.DeliveryDelivered {
			log.WithField("drone", id).WithField("delivery", *drone.CurrentDelivery).
				Warn("Drone stuck busy on a finished delivery, forcing idle")
			s.setDroneIdleIfBusy(ctx, id, *drone.CurrentDelivery)
		}
	}
}

// auditInvariants logs any observed violation of the busy/current pair
// and of the delivery-to-drone binding. The audit only observes; repair
// stays with reconcileStuckBusy and the CAS paths.
func (s *Service) auditInvariants(ctx context.Context) {
	for _, id := range s.droneIDs(ctx) {
		drone, _, err := s.getDrone(ctx, id)
		if err != nil || drone == nil {
			continue
		}
		busy := drone.Status == types.DroneBusy
		if busy != (drone.CurrentDelivery != nil) {
			log.WithField("drone", id).WithField("status", drone.Status).
				Warn("Invariant violation: busy flag and current delivery disagree")
		}
	}
	for _, id := range s.deliveryIDs(ctx) {
		delivery, _, err := s.getDelivery(ctx, id)
		if err != nil || delivery == nil {
			continue
		}
		if delivery.Status != types.DeliveryAssigned && delivery.Status != types.DeliveryInFlight {
			continue
		}
		if delivery.DroneID == nil {
			log.WithField("delivery", id).Warn("Invariant violation: active delivery without a drone")
			continue
		}
		drone, _, err := s.getDrone(ctx, *delivery.DroneID)
		if err != nil || drone == nil {
			continue
		}
		if drone.CurrentDelivery == nil || *drone.CurrentDelivery != id {
			log.WithField("delivery", id).WithField("drone", *delivery.DroneID).
				Warn("Invariant violation: drone is not bound to its active delivery")
		}
	}
}
