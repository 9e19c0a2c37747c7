// Package gateway is the public HTTP ingress: it accepts delivery
// orders, exposes read views over deliveries, drones and zones, and
// hands accepted orders to the dispatcher over the message bus. All
// state lives in the replicated KV; the gateway itself is stateless and
// any number of instances can serve behind the load balancer.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
	"github.com/airliftlabs/airlift/kvclient"
)

var log = logrus.WithField("prefix", "gateway")

const zonesCacheKey = "zones"

// Broker is the slice of the message bus the gateway needs.
type Broker interface {
	Connect(ctx context.Context) error
	PublishJSON(ctx context.Context, queue string, v interface{}) error
}

// Server is the ingress HTTP server.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	kv     *kvclient.Client
	bus    Broker
	zones  *gocache.Cache

	// enrich bounds the concurrency of per-drone reads when building
	// the fleet view.
	enrich chan struct{}

	srv  *http.Server
	addr string
}

// NewServer builds the ingress surface on addr.
func NewServer(ctx context.Context, kv *kvclient.Client, mq Broker, addr string) *Server {
	ctx, cancel := context.WithCancel(ctx)
	cfg := params.AirliftConfig()
	ttl := time.Duration(cfg.ZoneCacheTTLSec * float64(time.Second))
	s := &Server{
		ctx:    ctx,
		cancel: cancel,
		kv:     kv,
		bus:    mq,
		zones:  gocache.New(ttl, 2*ttl),
		enrich: make(chan struct{}, cfg.DroneEnrichWorkers),
		addr:   addr,
	}

	router := mux.NewRouter()
	router.HandleFunc("/deliveries", s.createDelivery).Methods(http.MethodPost)
	router.HandleFunc("/deliveries", s.listDeliveries).Methods(http.MethodGet)
	router.HandleFunc("/deliveries/{id}", s.getDelivery).Methods(http.MethodGet)
	router.HandleFunc("/drones", s.listDrones).Methods(http.MethodGet)
	router.HandleFunc("/drones/{id}", s.getDrone).Methods(http.MethodGet)
	router.HandleFunc("/zones", s.getZones).Methods(http.MethodGet)
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
	}).Handler(router)
	s.srv = &http.Server{Addr: addr, Handler: handler}
	return s
}

// Router returns the handler, used by tests to drive the surface without
// a listener.
func (s *Server) Router() http.Handler {
	return s.srv.Handler
}

// Start connects the broker and begins serving requests.
func (s *Server) Start() {
	if err := s.bus.Connect(s.ctx); err != nil {
		log.WithError(err).Error("Could not connect to broker")
		return
	}
	log.WithField("address", s.addr).Info("Serving ingress API")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("Could not serve HTTP")
	}
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Status reports broken when the KV coordinator is unreachable.
func (s *Server) Status() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	return s.kv.Health(s.ctx)
}

// zonesConfig returns the spatial partition, creating it on first use.
// Creation races between gateway instances resolve through CAS: the
// loser adopts the winner's grid.
func (s *Server) zonesConfig(ctx context.Context) (*types.ZonesConfig, error) {
	if v, ok := s.zones.Get(zonesCacheKey); ok {
		return v.(*types.ZonesConfig), nil
	}
	cfg := &types.ZonesConfig{}
	found, err := s.kv.GetJSON(ctx, types.ZonesConfigKey, cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		p := params.AirliftConfig()
		built := geo.BuildZones(p.GridRows, p.GridCols, p.GridMinLat, p.GridMaxLat, p.GridMinLon, p.GridMaxLon)
		ok, _, err := s.kv.CAS(ctx, types.ZonesConfigKey, nil, built)
		if err != nil {
			return nil, err
		}
		if ok {
			cfg = built
		} else {
			if _, err := s.kv.GetJSON(ctx, types.ZonesConfigKey, cfg); err != nil {
				return nil, err
			}
		}
	}
	s.zones.SetDefault(zonesCacheKey, cfg)
	return cfg, nil
}

func (s *Server) getZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.zonesConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
