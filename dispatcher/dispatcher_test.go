package dispatcher

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
	"github.com/airliftlabs/airlift/kvclient"
	"github.com/airliftlabs/airlift/kvnode"
)

// recorderBroker captures published events instead of talking to a
// broker.
type recorderBroker struct {
	lock   sync.Mutex
	events []types.DeliveryStatusEvent
}

func (r *recorderBroker) Connect(_ context.Context) error { return nil }

func (r *recorderBroker) PublishJSON(_ context.Context, _ string, v interface{}) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if evt, ok := v.(types.DeliveryStatusEvent); ok {
		r.events = append(r.events, evt)
	}
	return nil
}

func (r *recorderBroker) Consume(_ context.Context, _ string, _ func(context.Context, []byte) error) {
}

func (r *recorderBroker) recorded() []types.DeliveryStatusEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]types.DeliveryStatusEvent, len(r.events))
	copy(out, r.events)
	return out
}

type harness struct {
	svc    *Service
	kv     *kvclient.Client
	broker *recorderBroker
	ctx    context.Context
}

// newHarness wires a dispatcher against a single real replica, which
// exposes the same surface as the coordinator.
func newHarness(t *testing.T) *harness {
	store, err := kvnode.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	ts := httptest.NewServer(kvnode.NewServer(context.Background(), store, "127.0.0.1:0").Router())
	t.Cleanup(ts.Close)

	kv := kvclient.New(ts.URL)
	broker := &recorderBroker{}
	ctx := context.Background()
	svc := New(ctx, kv, broker)
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})

	zones := geo.BuildZones(2, 2, 41.80, 41.98, 12.37, 12.60)
	require.NoError(t, kv.Put(ctx, types.ZonesConfigKey, zones))
	return &harness{svc: svc, kv: kv, broker: broker, ctx: ctx}
}

func (h *harness) putDrone(t *testing.T, d types.Drone) {
	require.NoError(t, h.kv.Put(h.ctx, types.DroneKey(d.ID), d))
	ids := []string{}
	_, err := h.kv.GetJSON(h.ctx, types.DronesIndexKey, &ids)
	require.NoError(t, err)
	for _, id := range ids {
		if id == d.ID {
			return
		}
	}
	require.NoError(t, h.kv.Put(h.ctx, types.DronesIndexKey, append(ids, d.ID)))
}

func (h *harness) putDelivery(t *testing.T, d types.Delivery) {
	require.NoError(t, h.kv.Put(h.ctx, types.DeliveryKey(d.ID), d))
	ids := []string{}
	_, err := h.kv.GetJSON(h.ctx, types.DeliveriesIndexKey, &ids)
	require.NoError(t, err)
	for _, id := range ids {
		if id == d.ID {
			return
		}
	}
	require.NoError(t, h.kv.Put(h.ctx, types.DeliveriesIndexKey, append(ids, d.ID)))
}

func (h *harness) drone(t *testing.T, id string) *types.Drone {
	d, _, err := h.svc.getDrone(h.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func (h *harness) delivery(t *testing.T, id string) *types.Delivery {
	d, _, err := h.svc.getDelivery(h.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func idleDrone(id string, pos types.Point) types.Drone {
	return types.Drone{
		ID:      id,
		Type:    types.ClassLight,
		Speed:   0.4,
		Status:  types.DroneIdle,
		Battery: 100,
		Pos:     &pos,
	}
}

func pendingDelivery(id string) types.Delivery {
	return types.Delivery{
		ID:          id,
		Origin:      types.Point{Lat: 41.90, Lon: 12.49},
		Destination: types.Point{Lat: 41.92, Lon: 12.51},
		Weight:      1.0,
		Status:      types.DeliveryPending,
		Timestamp:   1000,
	}
}

func TestAssignOneHappyPath(t *testing.T) {
	h := newHarness(t)
	h.putDrone(t, idleDrone("drone-1", types.Point{Lat: 41.89, Lon: 12.48}))
	h.putDelivery(t, pendingDelivery("d1"))

	require.True(t, h.svc.assignOne(h.ctx, "d1"))

	delivery := h.delivery(t, "d1")
	assert.Equal(t, types.DeliveryAssigned, delivery.Status)
	require.NotNil(t, delivery.DroneID)
	assert.Equal(t, "drone-1", *delivery.DroneID)
	require.NotNil(t, delivery.Leg)
	assert.Equal(t, types.LegToOrigin, *delivery.Leg)

	drone := h.drone(t, "drone-1")
	assert.Equal(t, types.DroneBusy, drone.Status)
	require.NotNil(t, drone.CurrentDelivery)
	assert.Equal(t, "d1", *drone.CurrentDelivery)
	// Telemetry survives the control flip.
	assert.Equal(t, 100.0, drone.Battery)
	assert.Equal(t, 0.4, drone.Speed)

	events := h.broker.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, EventDeliveryAssigned, events[0].Type)
	assert.Equal(t, "d1", events[0].DeliveryID)
	assert.Equal(t, "drone-1", events[0].DroneID)

	// Both locks were released on the way out.
	ok, _, err := h.kv.AcquireLock(h.ctx, types.DeliveryKey("d1"), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = h.kv.AcquireLock(h.ctx, types.DroneKey("drone-1"), 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAssignOneIdempotent(t *testing.T) {
	h := newHarness(t)
	h.putDrone(t, idleDrone("drone-1", types.Point{Lat: 41.89, Lon: 12.48}))
	h.putDrone(t, idleDrone("drone-2", types.Point{Lat: 41.89, Lon: 12.48}))
	h.putDelivery(t, pendingDelivery("d1"))

	require.True(t, h.svc.assignOne(h.ctx, "d1"))
	// Replaying the request must not re-assign.
	assert.False(t, h.svc.assignOne(h.ctx, "d1"))
	assert.Len(t, h.broker.recorded(), 1)

	busy := 0
	for _, id := range []string{"drone-1", "drone-2"} {
		if h.drone(t, id).Status == types.DroneBusy {
			busy++
		}
	}
	assert.Equal(t, 1, busy)
}

func TestAssignOneRefusedWhileLocked(t *testing.T) {
	h := newHarness(t)
	h.putDrone(t, idleDrone("drone-1", types.Point{Lat: 41.89, Lon: 12.48}))
	h.putDelivery(t, pendingDelivery("d1"))

	ok, _, err := h.kv.AcquireLock(h.ctx, types.DeliveryKey("d1"), 30)
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, h.svc.assignOne(h.ctx, "d1"))
	assert.Equal(t, types.DeliveryPending, h.delivery(t, "d1").Status)
}

func TestPickDroneFilters(t *testing.T) {
	h := newHarness(t)
	delivery := pendingDelivery("d1")
	h.putDelivery(t, delivery)

	near := types.Point{Lat: 41.89, Lon: 12.48}
	busyDrone := idleDrone("busy", near)
	busyDrone.Status = types.DroneBusy
	busyDrone.CurrentDelivery = types.StrPtr("other")
	h.putDrone(t, busyDrone)

	wrongClass := idleDrone("heavy", near)
	wrongClass.Type = types.ClassHeavy
	h.putDrone(t, wrongClass)

	lowBattery := idleDrone("low", near)
	lowBattery.Battery = 30 // exactly critical
	h.putDrone(t, lowBattery)

	eligible := idleDrone("good", near)
	h.putDrone(t, eligible)

	got := h.svc.pickDrone(h.ctx, &delivery)
	assert.Equal(t, "good", got)

	// Battery exactly at the critical threshold fails the strict
	// comparison and the drone is pushed to charge.
	assert.Equal(t, types.DroneCharging, h.drone(t, "low").Status)
}

func TestPickDroneFeasibilityMiss(t *testing.T) {
	h := newHarness(t)

	d := idleDrone("drone-1", types.Point{Lat: 41.89, Lon: 12.48})
	d.Battery = 35
	h.putDrone(t, d)

	// A mission far outside the drone's energy budget.
	far := pendingDelivery("far-1")
	far.Destination = types.Point{Lat: 43.5, Lon: 14.0}
	far.Weight = 1.0
	h.putDelivery(t, far)

	assert.Equal(t, "", h.svc.pickDrone(h.ctx, &far))
	drone := h.drone(t, "drone-1")
	assert.Equal(t, 1, drone.FeasMiss)
	assert.Equal(t, []string{"far-1"}, drone.FeasMissSet)

	// The same delivery id is only counted once.
	assert.Equal(t, "", h.svc.pickDrone(h.ctx, &far))
	assert.Equal(t, 1, h.drone(t, "drone-1").FeasMiss)

	// Distinct infeasible deliveries accumulate; the fifth sends the
	// drone to charge and clears the bookkeeping.
	for i := 2; i <= 5; i++ {
		next := far
		next.ID = fmt.Sprintf("far-%d", i)
		h.putDelivery(t, next)
		assert.Equal(t, "", h.svc.pickDrone(h.ctx, &next))
	}
	drone = h.drone(t, "drone-1")
	assert.Equal(t, types.DroneCharging, drone.Status)
	assert.Equal(t, 0, drone.FeasMiss)
	assert.Empty(t, drone.FeasMissSet)
}

func TestRecordRecheckFailure(t *testing.T) {
	h := newHarness(t)

	// Critical battery sends the drone to charge immediately, but the
	// miss count below the threshold is kept.
	low := idleDrone("drone-1", types.Point{Lat: 41.89, Lon: 12.48})
	low.Battery = 25
	h.putDrone(t, low)

	drone := h.drone(t, "drone-1")
	h.svc.recordRecheckFailure(h.ctx, drone, "d1")

	stored := h.drone(t, "drone-1")
	assert.Equal(t, types.DroneCharging, stored.Status)
	assert.Equal(t, 1, stored.FeasMiss)
	assert.Equal(t, []string{"d1"}, stored.FeasMissSet)

	// A repeat of the same delivery still counts against the drone; only
	// the set entry is deduplicated.
	h.svc.recordRecheckFailure(h.ctx, stored, "d1")
	stored = h.drone(t, "drone-1")
	assert.Equal(t, 2, stored.FeasMiss)
	assert.Equal(t, []string{"d1"}, stored.FeasMissSet)

	// Crossing the threshold clears the bookkeeping.
	fine := idleDrone("drone-2", types.Point{Lat: 41.89, Lon: 12.48})
	fine.FeasMiss = 4
	fine.FeasMissSet = []string{"a", "b", "c", "d"}
	h.putDrone(t, fine)

	drone = h.drone(t, "drone-2")
	h.svc.recordRecheckFailure(h.ctx, drone, "e")
	stored = h.drone(t, "drone-2")
	assert.Equal(t, types.DroneCharging, stored.Status)
	assert.Equal(t, 0, stored.FeasMiss)
	assert.Empty(t, stored.FeasMissSet)
}

func TestPickDroneRanking(t *testing.T) {
	h := newHarness(t)
	delivery := pendingDelivery("d1")
	h.putDelivery(t, delivery)

	// Same distance bucket, lower battery wins.
	a := idleDrone("high-battery", types.Point{Lat: 41.90, Lon: 12.49})
	a.Battery = 90
	h.putDrone(t, a)
	b := idleDrone("low-battery", types.Point{Lat: 41.90, Lon: 12.49})
	b.Battery = 80
	h.putDrone(t, b)
	assert.Equal(t, "low-battery", h.svc.pickDrone(h.ctx, &delivery))

	// A nearer bucket beats battery.
	c := idleDrone("far-but-fresh", types.Point{Lat: 41.93, Lon: 12.55})
	c.Battery = 50
	h.putDrone(t, c)
	assert.Equal(t, "low-battery", h.svc.pickDrone(h.ctx, &delivery))
}

func TestPickDroneRejectsBeyondPickupRange(t *testing.T) {
	h := newHarness(t)
	delivery := pendingDelivery("d1")
	h.putDelivery(t, delivery)

	// Roughly 28 km away: feasible on energy, past the 20 km pickup cap.
	d := idleDrone("distant", types.Point{Lat: 41.65, Lon: 12.49})
	h.putDrone(t, d)

	assert.Equal(t, "", h.svc.pickDrone(h.ctx, &delivery))
	// Rejected as the ranked winner, not as an energy miss.
	assert.Equal(t, 0, h.drone(t, "distant").FeasMiss)
}

func TestSetDroneIdleIfBusy(t *testing.T) {
	h := newHarness(t)

	d := idleDrone("drone-1", types.Point{Lat: 41.89, Lon: 12.48})
	d.Status = types.DroneBusy
	d.CurrentDelivery = types.StrPtr("d1")
	h.putDrone(t, d)

	// Busy on a different delivery: trivially done, no change.
	require.True(t, h.svc.setDroneIdleIfBusy(h.ctx, "drone-1", "other"))
	assert.Equal(t, types.DroneBusy, h.drone(t, "drone-1").Status)

	// Busy on the expected delivery: rolled back to idle.
	require.True(t, h.svc.setDroneIdleIfBusy(h.ctx, "drone-1", "d1"))
	drone := h.drone(t, "drone-1")
	assert.Equal(t, types.DroneIdle, drone.Status)
	assert.Nil(t, drone.CurrentDelivery)
}

func TestAdvanceDeliveryTransitions(t *testing.T) {
	h := newHarness(t)

	pos := types.Point{Lat: 41.89, Lon: 12.48}
	drone := idleDrone("drone-1", pos)
	drone.Status = types.DroneBusy
	drone.CurrentDelivery = types.StrPtr("d1")
	h.putDrone(t, drone)

	delivery := pendingDelivery("d1")
	delivery.Status = types.DeliveryAssigned
	delivery.DroneID = types.StrPtr("drone-1")
	delivery.Leg = types.StrPtr(types.LegToOrigin)
	h.putDelivery(t, delivery)

	// assigned -> in_flight once the drone reports a position.
	h.svc.advanceDelivery(h.ctx, "d1")
	assert.Equal(t, types.DeliveryInFlight, h.delivery(t, "d1").Status)

	// Arrival at the origin flips the leg.
	drone = *h.drone(t, "drone-1")
	drone.Pos = &types.Point{Lat: 41.90, Lon: 12.49}
	require.NoError(t, h.kv.Put(h.ctx, types.DroneKey("drone-1"), drone))
	h.svc.advanceForDrone(h.ctx, "drone-1")
	got := h.delivery(t, "d1")
	require.NotNil(t, got.Leg)
	assert.Equal(t, types.LegToDestination, *got.Leg)

	// Arrival at the destination completes the delivery and frees the
	// drone.
	drone = *h.drone(t, "drone-1")
	drone.Pos = &types.Point{Lat: 41.92, Lon: 12.51}
	require.NoError(t, h.kv.Put(h.ctx, types.DroneKey("drone-1"), drone))
	h.svc.advanceForDrone(h.ctx, "drone-1")

	got = h.delivery(t, "d1")
	assert.Equal(t, types.DeliveryDelivered, got.Status)
	assert.Nil(t, got.Leg)
	freed := h.drone(t, "drone-1")
	assert.Equal(t, types.DroneIdle, freed.Status)
	assert.Nil(t, freed.CurrentDelivery)

	events := h.broker.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, EventDeliveryCompleted, events[0].Type)

	// A delivered delivery never advances again.
	h.svc.advanceDeliveries(h.ctx)
	assert.Equal(t, types.DeliveryDelivered, h.delivery(t, "d1").Status)
}

func TestGovernFleet(t *testing.T) {
	h := newHarness(t)

	full := idleDrone("charged", types.Point{Lat: 41.85, Lon: 12.43})
	full.Status = types.DroneCharging
	full.AtCharge = true
	full.Battery = 96
	h.putDrone(t, full)

	retiring := idleDrone("leaving", types.Point{Lat: 41.85, Lon: 12.43})
	retiring.Status = types.DroneRetiring
	retiring.AtCharge = true
	retiring.Battery = 100
	h.putDrone(t, retiring)

	lowIdle := idleDrone("tired", types.Point{Lat: 41.85, Lon: 12.43})
	lowIdle.Battery = 20
	h.putDrone(t, lowIdle)

	notFull := idleDrone("half", types.Point{Lat: 41.85, Lon: 12.43})
	notFull.Status = types.DroneCharging
	notFull.AtCharge = true
	notFull.Battery = 80
	h.putDrone(t, notFull)

	h.svc.governFleet(h.ctx)

	assert.Equal(t, types.DroneIdle, h.drone(t, "charged").Status)
	assert.Equal(t, types.DroneInactive, h.drone(t, "leaving").Status)
	assert.Equal(t, types.DroneCharging, h.drone(t, "tired").Status)
	assert.Equal(t, types.DroneCharging, h.drone(t, "half").Status)
}

func TestReconcileStuckBusy(t *testing.T) {
	h := newHarness(t)

	stuck := idleDrone("stuck", types.Point{Lat: 41.85, Lon: 12.43})
	stuck.Status = types.DroneBusy
	stuck.CurrentDelivery = types.StrPtr("done")
	h.putDrone(t, stuck)

	finished := pendingDelivery("done")
	finished.Status = types.DeliveryDelivered
	finished.DroneID = types.StrPtr("stuck")
	h.putDelivery(t, finished)

	h.svc.reconcileStuckBusy(h.ctx)

	drone := h.drone(t, "stuck")
	assert.Equal(t, types.DroneIdle, drone.Status)
	assert.Nil(t, drone.CurrentDelivery)
}

func TestHandleDeliveryRequest(t *testing.T) {
	h := newHarness(t)
	h.putDrone(t, idleDrone("drone-1", types.Point{Lat: 41.89, Lon: 12.48}))
	h.putDelivery(t, pendingDelivery("d1"))

	require.Error(t, h.svc.handleDeliveryRequest(h.ctx, []byte(`not json`)))
	require.Error(t, h.svc.handleDeliveryRequest(h.ctx, []byte(`{}`)))

	body := []byte(`{"delivery_id":"d1","origin":{"lat":41.90,"lon":12.49},"destination":{"lat":41.92,"lon":12.51},"weight":1.0}`)
	require.NoError(t, h.svc.handleDeliveryRequest(h.ctx, body))
	assert.Equal(t, types.DeliveryAssigned, h.delivery(t, "d1").Status)

	// Replay after assignment is a no-op.
	require.NoError(t, h.svc.handleDeliveryRequest(h.ctx, body))
	assert.Len(t, h.broker.recorded(), 1)
}
