package kvnode

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/encoding/jsonutil"
)

// Server exposes the replica over HTTP: the document surface, the lock
// surface and a health probe.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  *Store
	locks  *LockTable
	srv    *http.Server
	addr   string
}

// NewServer builds the HTTP surface for the given store on addr.
func NewServer(ctx context.Context, store *Store, addr string) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		locks:  NewLockTable(),
		addr:   addr,
	}
	router := mux.NewRouter()
	router.HandleFunc("/kv/{key}", s.getDocument).Methods(http.MethodGet)
	router.HandleFunc("/kv/{key}", s.putDocument).Methods(http.MethodPut)
	router.HandleFunc("/kv/cas", s.compareAndSwap).Methods(http.MethodPost)
	router.HandleFunc("/lock/acquire/{key}", s.acquireLock).Methods(http.MethodPost)
	router.HandleFunc("/lock/release/{key}", s.releaseLock).Methods(http.MethodPost)
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Router returns the handler, used by tests to drive the surface without
// a listener.
func (s *Server) Router() http.Handler {
	return s.srv.Handler
}

// Start begins serving requests.
func (s *Server) Start() {
	log.WithField("address", s.addr).Info("Serving KV replica")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("Could not serve HTTP")
	}
}

// Stop shuts the server down, draining in-flight requests briefly.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Status always reports healthy while the context is live.
func (s *Server) Status() error {
	return s.ctx.Err()
}

type casRequest struct {
	Key string          `json:"key"`
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, found, err := s.store.Document(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"value": json.RawMessage(value),
	})
}

func (s *Server) putDocument(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.SaveDocument(key, body.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) compareAndSwap(w http.ResponseWriter, r *http.Request) {
	var req casRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ok, current, err := s.store.CompareAndSwap(req.Key, jsonutil.NormalizeNull(req.Old), jsonutil.NormalizeNull(req.New))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      false,
			"current": rawOrNull(current),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	ttl := params.AirliftConfig().LockTTLSec
	if raw := r.URL.Query().Get("ttl_sec"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl_sec")
			return
		}
		ttl = parsed
	}
	ok, expiresAt := s.locks.Acquire(key, ttl)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         ok,
		"expires_at": expiresAt,
	})
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	s.locks.Release(mux.Vars(r)["key"])
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not encode response")
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func rawOrNull(v []byte) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	return v
}
