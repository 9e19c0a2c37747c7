// Package ordergen drives the system with synthetic order traffic: a
// repeating day-in-miniature of low load, a rush-hour burst, low load
// again and a silent stretch, with Poisson arrivals inside each phase.
package ordergen

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/airliftlabs/airlift/fleet/types"
)

var log = logrus.WithField("prefix", "ordergen")

var (
	ordersSentCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordergen_orders_sent_total",
		Help: "Number of synthetic orders accepted by the API.",
	})
	orderFailuresCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ordergen_order_failures_total",
		Help: "Number of synthetic orders refused or lost.",
	})
)

// phase is one segment of the traffic cycle. rps of zero means silence.
type phase struct {
	name     string
	duration time.Duration
	rps      float64
}

var cycle = []phase{
	{name: "low", duration: 30 * time.Second, rps: 0.5},
	{name: "peak", duration: 10 * time.Second, rps: 2.0},
	{name: "low", duration: 20 * time.Second, rps: 0.5},
	{name: "silent", duration: 60 * time.Second, rps: 0},
}

// Service posts orders against the public API.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	target string
	client *http.Client
	rng    *rand.Rand
	done   chan struct{}
}

// New builds a generator aimed at the given API base URL, typically the
// load balancer.
func New(ctx context.Context, target string) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		target: target,
		client: &http.Client{Timeout: 10 * time.Second},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		done:   make(chan struct{}),
	}
}

// Start launches the traffic loop.
func (s *Service) Start() {
	go s.run()
	log.WithField("target", s.target).Info("Order generator started")
}

// Stop halts the loop.
func (s *Service) Stop() error {
	s.cancel()
	<-s.done
	return nil
}

// Status always reports healthy while the context is live.
func (s *Service) Status() error {
	return s.ctx.Err()
}

func (s *Service) run() {
	defer close(s.done)
	zones := s.waitForZones()
	if zones == nil {
		return
	}
	for {
		for _, p := range cycle {
			log.WithField("phase", p.name).WithField("rps", p.rps).Debug("Entering traffic phase")
			if !s.runPhase(p, zones) {
				return
			}
		}
	}
}

// waitForZones polls the API until the zone grid is served, since order
// placement needs the grid bounds.
func (s *Service) waitForZones() *types.ZonesConfig {
	for {
		zones, err := s.fetchZones()
		if err == nil {
			return zones
		}
		log.WithError(err).Debug("Zones not available yet")
		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *Service) fetchZones() (*types.ZonesConfig, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.target+"/zones", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	zones := &types.ZonesConfig{}
	if err := json.NewDecoder(resp.Body).Decode(zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// runPhase emits orders with exponential inter-arrival gaps until the
// phase ends. The return is false when the service is stopping.
func (s *Service) runPhase(p phase, zones *types.ZonesConfig) bool {
	deadline := time.Now().Add(p.duration)
	if p.rps == 0 {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(p.duration):
			return true
		}
	}
	for {
		wait := s.interArrival(p.rps)
		if time.Now().Add(wait).After(deadline) {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return true
			}
			select {
			case <-s.ctx.Done():
				return false
			case <-time.After(remaining):
				return true
			}
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(wait):
		}
		s.sendOrder(zones)
	}
}

// interArrival draws a Poisson gap for the given rate.
func (s *Service) interArrival(rps float64) time.Duration {
	return time.Duration(s.rng.ExpFloat64() / rps * float64(time.Second))
}

// sendOrder posts one order with random endpoints and weight, keyed so
// a balancer replay cannot double-create it.
func (s *Service) sendOrder(zones *types.ZonesConfig) {
	order := map[string]interface{}{
		"origin":      s.randomPoint(zones),
		"destination": s.randomPoint(zones),
		"weight":      s.randomWeight(),
	}
	payload, err := json.Marshal(order)
	if err != nil {
		orderFailuresCount.Inc()
		return
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.target+"/deliveries", bytes.NewReader(payload))
	if err != nil {
		orderFailuresCount.Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	resp, err := s.client.Do(req)
	if err != nil {
		orderFailuresCount.Inc()
		log.WithError(err).Debug("Could not place order")
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		orderFailuresCount.Inc()
		log.WithField("status", resp.StatusCode).Debug("Order refused")
		return
	}
	ordersSentCount.Inc()
}

// randomPoint picks a uniform point inside a random zone.
func (s *Service) randomPoint(zones *types.ZonesConfig) types.Point {
	z := zones.Zones[s.rng.Intn(len(zones.Zones))]
	return types.Point{
		Lat: z.Bounds.MinLat + s.rng.Float64()*(z.Bounds.MaxLat-z.Bounds.MinLat),
		Lon: z.Bounds.MinLon + s.rng.Float64()*(z.Bounds.MaxLon-z.Bounds.MinLon),
	}
}

// randomWeight draws a parcel weight spanning every drone class.
func (s *Service) randomWeight() float64 {
	return 0.2 + s.rng.Float64()*9.8
}
