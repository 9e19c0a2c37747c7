package dispatcher

import (
	"context"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
)

// advanceDelivery applies at most one forward transition to the delivery
// based on the bound drone's position. Callers hold no locks; every
// transition is a CAS against the document as read, so concurrent
// advancement from the batch sweep and the telemetry path is harmless.
func (s *Service) advanceDelivery(ctx context.Context, deliveryID string) {
	delivery, rawDelivery, err := s.getDelivery(ctx, deliveryID)
	if err != nil || delivery == nil || delivery.DroneID == nil {
		return
	}
	if delivery.Status != types.DeliveryAssigned && delivery.Status != types.DeliveryInFlight {
		return
	}
	drone, _, err := s.getDrone(ctx, *delivery.DroneID)
	if err != nil || drone == nil || drone.Pos == nil {
		return
	}
	eps := params.AirliftConfig().ArriveEpsKM

	switch {
	case delivery.Status == types.DeliveryAssigned:
		next := *delivery
		next.Status = types.DeliveryInFlight
		if ok, _, _ := s.kv.CAS(ctx, types.DeliveryKey(deliveryID), rawDelivery, next); ok {
			log.WithField("delivery", deliveryID).Info("Delivery in flight")
		}

	case delivery.Leg != nil && *delivery.Leg == types.LegToOrigin &&
		geo.HaversineKM(*drone.Pos, delivery.Origin) <= eps:
		next := *delivery
		next.Leg = types.StrPtr(types.LegToDestination)
		if ok, _, _ := s.kv.CAS(ctx, types.DeliveryKey(deliveryID), rawDelivery, next); ok {
			log.WithField("delivery", deliveryID).WithField("drone", drone.ID).
				Info("Parcel picked up, heading to destination")
		}

	case delivery.Leg != nil && *delivery.Leg == types.LegToDestination &&
		geo.HaversineKM(*drone.Pos, delivery.Destination) <= eps:
		next := *delivery
		next.Status = types.DeliveryDelivered
		next.Leg = nil
		ok, _, _ := s.kv.CAS(ctx, types.DeliveryKey(deliveryID), rawDelivery, next)
		if !ok {
			return
		}
		log.WithField("delivery", deliveryID).WithField("drone", drone.ID).Info("Delivery completed")
		s.setDroneIdleIfBusy(ctx, drone.ID, deliveryID)
		s.publishStatus(ctx, EventDeliveryCompleted, deliveryID, drone.ID)
	}
}

// advanceForDrone advances the single delivery bound to the reporting
// drone, the fast path taken on each telemetry event.
func (s *Service) advanceForDrone(ctx context.Context, droneID string) {
	drone, _, err := s.getDrone(ctx, droneID)
	if err != nil || drone == nil || drone.CurrentDelivery == nil {
		return
	}
	s.advanceDelivery(ctx, *drone.CurrentDelivery)
}

// advanceDeliveries sweeps every active delivery once per tick, catching
// any transition the telemetry path missed.
func (s *Service) advanceDeliveries(ctx context.Context) {
	for _, id := range s.deliveryIDs(ctx) {
		s.advanceDelivery(ctx, id)
	}
}
