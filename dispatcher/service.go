// Package dispatcher implements the control-plane actor pairing pending
// deliveries with drones and driving both state machines forward: the
// assignment algorithm, delivery advancement, charging and retiring
// governance, fleet autoscaling and stuck-state reconciliation. All
// shared state lives in the replicated KV; every transition is a CAS and
// the cooperative locks are an optimization only.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/airliftlabs/airlift/async"
	"github.com/airliftlabs/airlift/bus"
	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/kvclient"
)

var log = logrus.WithField("prefix", "dispatcher")

const zonesCacheKey = "zones"

// Broker is the slice of the message bus the dispatcher needs. bus.Conn
// implements it; tests substitute a recorder.
type Broker interface {
	Connect(ctx context.Context) error
	PublishJSON(ctx context.Context, queue string, v interface{}) error
	Consume(ctx context.Context, queue string, handler func(context.Context, []byte) error)
}

// Service runs the scheduler loop and the two queue consumers.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	kv     *kvclient.Client
	bus    Broker
	zones  *gocache.Cache

	// scaleLock serializes autoscaling decisions within this process.
	// Correctness still rests on CAS; the mutex only trims wasted work.
	scaleLock sync.Mutex
}

// New builds a dispatcher over the given KV coordinator client and
// message bus connection.
func New(ctx context.Context, kv *kvclient.Client, mq Broker) *Service {
	ctx, cancel := context.WithCancel(ctx)
	ttl := time.Duration(params.AirliftConfig().ZoneCacheTTLSec * float64(time.Second))
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		kv:     kv,
		bus:    mq,
		zones:  gocache.New(ttl, 2*ttl),
	}
}

// Start connects the consumers and launches the scheduler tick.
func (s *Service) Start() {
	if err := s.bus.Connect(s.ctx); err != nil {
		log.WithError(err).Error("Could not connect to broker")
		return
	}
	go s.bus.Consume(s.ctx, bus.DeliveryRequestsQueue, s.handleDeliveryRequest)
	go s.bus.Consume(s.ctx, bus.DroneUpdatesQueue, s.handleDroneUpdate)

	tick := time.Duration(params.AirliftConfig().AssignerTickMs) * time.Millisecond
	async.RunEvery(s.ctx, tick, s.runRound)
	log.WithField("tick", tick).Info("Dispatcher started")
}

// Stop cancels every loop owned by the service.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status reports broken when the KV coordinator is unreachable.
func (s *Service) Status() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	return s.kv.Health(s.ctx)
}

// runRound is one scheduler tick. Each stage recovers from its own
// failures so one faulty document never stalls the loop.
func (s *Service) runRound() {
	ctx := s.ctx
	s.autoscale(ctx)
	s.governFleet(ctx)
	s.advanceDeliveries(ctx)
	s.reconcileStuckBusy(ctx)
	s.auditInvariants(ctx)
	s.assignPendingRound(ctx)
}

// zonesConfig returns the spatial partition, cached briefly since it is
// immutable once written.
func (s *Service) zonesConfig(ctx context.Context) *types.ZonesConfig {
	if v, ok := s.zones.Get(zonesCacheKey); ok {
		return v.(*types.ZonesConfig)
	}
	cfg := &types.ZonesConfig{}
	found, err := s.kv.GetJSON(ctx, types.ZonesConfigKey, cfg)
	if err != nil || !found {
		log.WithError(err).Debug("Zones config not available yet")
		return nil
	}
	s.zones.SetDefault(zonesCacheKey, cfg)
	return cfg
}

// getDrone reads a drone document along with the raw bytes used as the
// CAS expectation.
func (s *Service) getDrone(ctx context.Context, id string) (*types.Drone, json.RawMessage, error) {
	raw, found, err := s.kv.Get(ctx, types.DroneKey(id))
	if err != nil || !found {
		return nil, nil, err
	}
	d := &types.Drone{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, nil, errors.Wrapf(err, "unmarshal drone %s", id)
	}
	return d, raw, nil
}

// getDelivery reads a delivery document along with its raw bytes.
func (s *Service) getDelivery(ctx context.Context, id string) (*types.Delivery, json.RawMessage, error) {
	raw, found, err := s.kv.Get(ctx, types.DeliveryKey(id))
	if err != nil || !found {
		return nil, nil, err
	}
	d := &types.Delivery{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, nil, errors.Wrapf(err, "unmarshal delivery %s", id)
	}
	return d, raw, nil
}

// droneIDs reads the fleet index.
func (s *Service) droneIDs(ctx context.Context) []string {
	var ids []string
	if _, err := s.kv.GetJSON(ctx, types.DronesIndexKey, &ids); err != nil {
		log.WithError(err).Debug("Could not read drones index")
	}
	return ids
}

// deliveryIDs reads the creation-ordered delivery index.
func (s *Service) deliveryIDs(ctx context.Context) []string {
	var ids []string
	if _, err := s.kv.GetJSON(ctx, types.DeliveriesIndexKey, &ids); err != nil {
		log.WithError(err).Debug("Could not read deliveries index")
	}
	return ids
}

// publishStatus emits a delivery lifecycle event for observers.
func (s *Service) publishStatus(ctx context.Context, eventType, deliveryID, droneID string) {
	evt := types.DeliveryStatusEvent{Type: eventType, DeliveryID: deliveryID, DroneID: droneID}
	if err := s.bus.PublishJSON(ctx, bus.DeliveryStatusQueue, evt); err != nil {
		log.WithError(err).WithField("delivery", deliveryID).Warn("Could not publish status event")
	}
}
