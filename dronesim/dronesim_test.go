package dronesim

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
	"github.com/airliftlabs/airlift/kvclient"
	"github.com/airliftlabs/airlift/kvnode"
)

type recorderBroker struct {
	lock   sync.Mutex
	events []types.DroneUpdate
}

func (r *recorderBroker) Connect(_ context.Context) error { return nil }

func (r *recorderBroker) PublishJSON(_ context.Context, _ string, v interface{}) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if evt, ok := v.(types.DroneUpdate); ok {
		r.events = append(r.events, evt)
	}
	return nil
}

type harness struct {
	svc   *Service
	kv    *kvclient.Client
	zones *types.ZonesConfig
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	store, err := kvnode.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	ts := httptest.NewServer(kvnode.NewServer(context.Background(), store, "127.0.0.1:0").Router())
	t.Cleanup(ts.Close)

	kv := kvclient.New(ts.URL)
	ctx := context.Background()
	svc := New(ctx, kv, &recorderBroker{})
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})

	zones := geo.BuildZones(2, 2, 41.80, 41.98, 12.37, 12.60)
	require.NoError(t, kv.Put(ctx, types.ZonesConfigKey, zones))
	return &harness{svc: svc, kv: kv, zones: zones, ctx: ctx}
}

func (h *harness) putDrone(t *testing.T, d types.Drone) {
	require.NoError(t, h.kv.Put(h.ctx, types.DroneKey(d.ID), d))
}

func (h *harness) drone(t *testing.T, id string) *types.Drone {
	d, _, err := h.svc.getDrone(h.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestStepBusyFliesTheActiveLeg(t *testing.T) {
	h := newHarness(t)
	cfg := params.AirliftConfig()

	delivery := types.Delivery{
		ID:          "d1",
		Origin:      types.Point{Lat: 41.90, Lon: 12.49},
		Destination: types.Point{Lat: 41.92, Lon: 12.51},
		Status:      types.DeliveryAssigned,
		Leg:         types.StrPtr(types.LegToOrigin),
	}
	require.NoError(t, h.kv.Put(h.ctx, types.DeliveryKey("d1"), delivery))

	start := types.Point{Lat: 41.85, Lon: 12.45}
	drone := types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneBusy, Battery: 80,
		Pos:             &start,
		CurrentDelivery: types.StrPtr("d1"),
	}

	tm := h.svc.step(h.ctx, &drone, h.zones)
	require.True(t, tm.changed)

	before := geo.HaversineKM(start, delivery.Origin)
	after := geo.HaversineKM(*tm.pos, delivery.Origin)
	assert.Less(t, after, before, "must close on the origin while on the pickup leg")

	moved := geo.HaversineKM(start, *tm.pos)
	assert.InDelta(t, 80-moved*cfg.SimBatteryPerKM, tm.battery, 1e-9)

	// Once the leg flips, the target flips with it.
	delivery.Leg = types.StrPtr(types.LegToDestination)
	require.NoError(t, h.kv.Put(h.ctx, types.DeliveryKey("d1"), delivery))
	tm = h.svc.step(h.ctx, &drone, h.zones)
	assert.Less(t, geo.HaversineKM(*tm.pos, delivery.Destination), geo.HaversineKM(start, delivery.Destination))
}

func TestStepChargingApproachAndRecharge(t *testing.T) {
	h := newHarness(t)
	cfg := params.AirliftConfig()

	pad := h.zones.Zones[0].Charge
	far := types.Point{Lat: pad.Lat + 0.02, Lon: pad.Lon}
	drone := types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneCharging, Battery: 40,
		Pos: &far,
	}

	// Far from the pad: approach, drain, not yet docked.
	tm := h.svc.step(h.ctx, &drone, h.zones)
	require.True(t, tm.changed)
	assert.False(t, tm.atCharge)
	assert.Less(t, tm.battery, 40.0)
	assert.Less(t, geo.HaversineKM(*tm.pos, pad), geo.HaversineKM(far, pad))

	// On the pad: dock and recharge without moving.
	near := types.Point{Lat: pad.Lat + 0.0001, Lon: pad.Lon - 0.0001}
	drone.Pos = &near
	drone.Battery = 40
	tm = h.svc.step(h.ctx, &drone, h.zones)
	require.True(t, tm.changed)
	assert.True(t, tm.atCharge)
	assert.Equal(t, 40+cfg.ChargePerTick, tm.battery)
	assert.Equal(t, near, *tm.pos)

	// Recharge clamps at full.
	drone.Battery = 98
	tm = h.svc.step(h.ctx, &drone, h.zones)
	assert.Equal(t, 100.0, tm.battery)
}

func TestStepClearsDockedFlagOnceAirborne(t *testing.T) {
	h := newHarness(t)

	delivery := types.Delivery{
		ID:          "d1",
		Origin:      types.Point{Lat: 41.90, Lon: 12.49},
		Destination: types.Point{Lat: 41.92, Lon: 12.51},
		Status:      types.DeliveryAssigned,
		Leg:         types.StrPtr(types.LegToOrigin),
	}
	require.NoError(t, h.kv.Put(h.ctx, types.DeliveryKey("d1"), delivery))

	// Fresh off the pad on a delivery: the docked flag must not linger.
	pad := h.zones.Zones[0].Charge
	drone := types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneBusy, Battery: 100,
		Pos:             &pad,
		CurrentDelivery: types.StrPtr("d1"),
		AtCharge:        true,
	}
	tm := h.svc.step(h.ctx, &drone, h.zones)
	require.True(t, tm.changed)
	assert.False(t, tm.atCharge)

	// Still approaching the pad: not docked yet either.
	far := types.Point{Lat: pad.Lat + 0.02, Lon: pad.Lon}
	drone = types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneCharging, Battery: 40,
		Pos:      &far,
		AtCharge: true,
	}
	tm = h.svc.step(h.ctx, &drone, h.zones)
	require.True(t, tm.changed)
	assert.False(t, tm.atCharge)

	// Idle with a stale flag: nothing else moves, but the clear is
	// still flagged for write-back.
	pos := types.Point{Lat: 41.85, Lon: 12.45}
	drone = types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneIdle, Battery: 77,
		Pos:      &pos,
		AtCharge: true,
	}
	tm = h.svc.step(h.ctx, &drone, h.zones)
	require.True(t, tm.changed)
	assert.False(t, tm.atCharge)
	assert.Equal(t, pos, *tm.pos)
	assert.Equal(t, 77.0, tm.battery)
}

func TestStepIdleIsANoop(t *testing.T) {
	h := newHarness(t)

	pos := types.Point{Lat: 41.85, Lon: 12.45}
	drone := types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneIdle, Battery: 77,
		Pos: &pos,
	}
	tm := h.svc.step(h.ctx, &drone, h.zones)
	assert.False(t, tm.changed)
	assert.Equal(t, 77.0, tm.battery)
	assert.Equal(t, pos, *tm.pos)
}

func TestMergeWritePreservesControlFields(t *testing.T) {
	h := newHarness(t)

	pos := types.Point{Lat: 41.85, Lon: 12.45}
	drone := types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneIdle, Battery: 90,
		Pos: &pos,
	}
	h.putDrone(t, drone)

	// The dispatcher flips the control fields between our read and write.
	flipped := drone
	flipped.Status = types.DroneBusy
	flipped.CurrentDelivery = types.StrPtr("d1")
	h.putDrone(t, flipped)

	next := types.Point{Lat: 41.86, Lon: 12.46}
	out := h.svc.mergeWrite(h.ctx, "drone-1", telemetry{pos: &next, battery: 88.5, atCharge: false, changed: true})
	require.NotNil(t, out)

	stored := h.drone(t, "drone-1")
	assert.Equal(t, types.DroneBusy, stored.Status)
	require.NotNil(t, stored.CurrentDelivery)
	assert.Equal(t, "d1", *stored.CurrentDelivery)
	assert.Equal(t, next, *stored.Pos)
	assert.Equal(t, 88.5, stored.Battery)
}

func TestTickDroneSkipsWhileFrozen(t *testing.T) {
	h := newHarness(t)

	pos := types.Point{Lat: 41.85, Lon: 12.45}
	drone := types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneCharging, Battery: 40,
		Pos:         &pos,
		FreezeUntil: nowSeconds() + 60,
	}
	h.putDrone(t, drone)

	h.svc.tickDrone("drone-1")

	assert.Equal(t, 0, h.svc.queue.len(), "frozen drones emit nothing")
	stored := h.drone(t, "drone-1")
	assert.Equal(t, 40.0, stored.Battery)
	assert.Equal(t, pos, *stored.Pos)
}

func TestTickDroneEmitsEvenWithoutMovement(t *testing.T) {
	h := newHarness(t)

	pos := types.Point{Lat: 41.85, Lon: 12.45}
	h.putDrone(t, types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneIdle, Battery: 77,
		Pos: &pos,
	})

	h.svc.tickDrone("drone-1")

	require.Equal(t, 1, h.svc.queue.len())
	evt, ok := h.svc.queue.pop(h.ctx)
	require.True(t, ok)
	assert.Equal(t, "drone_update", evt.Type)
	assert.Equal(t, "drone-1", evt.DroneID)
	assert.Equal(t, 77.0, evt.Battery)
}

func TestEventQueueDropsOldestWhenFull(t *testing.T) {
	q := newEventQueue(3)
	for i := 0; i < 5; i++ {
		q.push(types.DroneUpdate{DroneID: fmt.Sprintf("drone-%d", i)})
	}
	require.Equal(t, 3, q.len())

	ctx := context.Background()
	for _, want := range []string{"drone-2", "drone-3", "drone-4"} {
		evt, ok := q.pop(ctx)
		require.True(t, ok)
		assert.Equal(t, want, evt.DroneID)
	}
}

func TestRegisterPoolCreatesFleet(t *testing.T) {
	h := newHarness(t)
	cfg := params.AirliftConfig()

	ids, err := h.svc.registerPool(h.ctx)
	require.NoError(t, err)
	require.Len(t, ids, cfg.DronePoolMax)

	stored := []string{}
	found, err := h.kv.GetJSON(h.ctx, types.DronesIndexKey, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ids, stored)

	classes := map[string]int{}
	for _, id := range ids {
		d := h.drone(t, id)
		assert.Equal(t, types.DroneInactive, d.Status)
		assert.Equal(t, 100.0, d.Battery)
		require.NotNil(t, d.Pos)
		classes[d.Type]++
	}
	// The round-robin mix covers every class.
	assert.NotZero(t, classes[types.ClassLight])
	assert.NotZero(t, classes[types.ClassMedium])
	assert.NotZero(t, classes[types.ClassHeavy])
}

func TestRegisterPoolPreservesExistingState(t *testing.T) {
	h := newHarness(t)

	pos := types.Point{Lat: 41.85, Lon: 12.45}
	h.putDrone(t, types.Drone{
		ID: "drone-1", Type: types.ClassLight, Speed: 0.4,
		Status: types.DroneBusy, Battery: 42,
		Pos:             &pos,
		CurrentDelivery: types.StrPtr("d1"),
	})

	_, err := h.svc.registerPool(h.ctx)
	require.NoError(t, err)

	d := h.drone(t, "drone-1")
	assert.Equal(t, types.DroneBusy, d.Status)
	assert.Equal(t, 42.0, d.Battery)
	require.NotNil(t, d.CurrentDelivery)
	assert.Equal(t, "d1", *d.CurrentDelivery)
	require.NotNil(t, d.Pos)
	assert.Equal(t, pos, *d.Pos, "a mid-flight drone must not be teleported back to a pad")
}

func TestRegisterPoolSeedsZonesWhenMissing(t *testing.T) {
	store, err := kvnode.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	ts := httptest.NewServer(kvnode.NewServer(context.Background(), store, "127.0.0.1:0").Router())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	svc := New(ctx, kvclient.New(ts.URL), &recorderBroker{})
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})

	_, err = svc.registerPool(ctx)
	require.NoError(t, err)

	cfg := params.AirliftConfig()
	zones := &types.ZonesConfig{}
	found, err := svc.kv.GetJSON(ctx, types.ZonesConfigKey, zones)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, zones.Zones, cfg.GridRows*cfg.GridCols)
}
