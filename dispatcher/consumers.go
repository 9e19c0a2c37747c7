package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/airliftlabs/airlift/fleet/types"
)

// handleDeliveryRequest reacts to a freshly created delivery by trying an
// immediate assignment. Replays are harmless: assignOne refuses anything
// not pending.
func (s *Service) handleDeliveryRequest(ctx context.Context, body []byte) error {
	var req types.DeliveryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errors.Wrap(err, "unmarshal delivery request")
	}
	if req.DeliveryID == "" {
		return errors.New("delivery request without id")
	}
	s.assignOne(ctx, req.DeliveryID)
	return nil
}

// handleDroneUpdate advances the delivery bound to the reporting drone.
func (s *Service) handleDroneUpdate(ctx context.Context, body []byte) error {
	var upd types.DroneUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return errors.Wrap(err, "unmarshal drone update")
	}
	if upd.DroneID == "" {
		return errors.New("drone update without id")
	}
	s.advanceForDrone(ctx, upd.DroneID)
	return nil
}
