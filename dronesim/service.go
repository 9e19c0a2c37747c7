// Package dronesim runs the simulated fleet: one loop per drone moving
// it and draining its battery, a bounded telemetry queue and a publisher
// task that owns the broker connection. The simulator only ever writes
// the telemetry fields of a drone document; control fields belong to the
// dispatcher and are preserved through merge-writes.
package dronesim

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/airliftlabs/airlift/bus"
	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/kvclient"
)

var log = logrus.WithField("prefix", "dronesim")

// Broker is the slice of the message bus the simulator needs.
type Broker interface {
	Connect(ctx context.Context) error
	PublishJSON(ctx context.Context, queue string, v interface{}) error
}

// Service owns the per-drone loops and the telemetry publisher.
type Service struct {
	ctx       context.Context
	cancel    context.CancelFunc
	kv        *kvclient.Client
	bus       Broker
	queue     *eventQueue
	wg        sync.WaitGroup
	zonesLock sync.Mutex
	zonesCfg  *types.ZonesConfig
}

// New builds the simulator over the given KV coordinator client and
// message bus connection.
func New(ctx context.Context, kv *kvclient.Client, mq Broker) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		kv:     kv,
		bus:    mq,
		queue:  newEventQueue(params.AirliftConfig().EventQueueMax),
	}
}

// Start registers the pool and launches one loop per drone plus the
// publisher.
func (s *Service) Start() {
	ids, err := s.registerPool(s.ctx)
	if err != nil {
		log.WithError(err).Error("Could not register drone pool")
		return
	}
	if err := s.bus.Connect(s.ctx); err != nil {
		log.WithError(err).Error("Could not connect to broker")
		return
	}

	s.wg.Add(1)
	go s.runPublisher()

	tick := time.Duration(params.AirliftConfig().DroneTickSec * float64(time.Second))
	for _, id := range ids {
		s.wg.Add(1)
		go s.runDrone(id, tick)
	}
	log.WithField("drones", len(ids)).WithField("tick", tick).Info("Simulator started")
}

// Stop cancels every loop and waits for them to drain.
func (s *Service) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Status reports broken when the KV coordinator is unreachable.
func (s *Service) Status() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	return s.kv.Health(s.ctx)
}

// runPublisher drains the telemetry queue onto the drone_updates queue.
// Broker slowness backs up into the bounded queue, never into the drone
// loops.
func (s *Service) runPublisher() {
	defer s.wg.Done()
	for {
		evt, ok := s.queue.pop(s.ctx)
		if !ok {
			return
		}
		if err := s.bus.PublishJSON(s.ctx, bus.DroneUpdatesQueue, evt); err != nil {
			log.WithError(err).WithField("drone", evt.DroneID).Warn("Could not publish telemetry")
		}
	}
}
