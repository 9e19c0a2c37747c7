package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/airliftlabs/airlift/bus"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
)

const (
	indexAppendAttempts = 40
	indexAppendBackoff  = 50 * time.Millisecond

	defaultListLimit = 20
	minListWindow    = 180
)

type createRequest struct {
	Origin      types.Point `json:"origin"`
	Destination types.Point `json:"destination"`
	Weight      float64     `json:"weight"`
}

// createDelivery accepts an order: it anchors the client idempotency
// key, writes the delivery document, appends it to the creation-ordered
// index and notifies the dispatcher.
func (s *Server) createDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Weight <= 0 {
		writeError(w, http.StatusBadRequest, "weight must be positive")
		return
	}

	id := uuid.NewString()
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		winner, fresh, err := s.anchorIdempotency(ctx, key, id)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if !fresh {
			// Replay of an order we already accepted.
			s.respondExisting(ctx, w, winner)
			return
		}
	}

	zones, err := s.zonesConfig(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	delivery := types.Delivery{
		ID:              id,
		Origin:          req.Origin,
		Destination:     req.Destination,
		Weight:          req.Weight,
		Status:          types.DeliveryPending,
		OriginZone:      geo.PointZone(zones, req.Origin),
		DestinationZone: geo.PointZone(zones, req.Destination),
		Timestamp:       float64(time.Now().UnixNano()) / 1e9,
	}
	if err := s.kv.Put(ctx, types.DeliveryKey(id), delivery); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err := s.appendToIndex(ctx, id); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	evt := types.DeliveryRequest{
		DeliveryID:  id,
		Origin:      req.Origin,
		Destination: req.Destination,
		Weight:      req.Weight,
	}
	if err := s.bus.PublishJSON(ctx, bus.DeliveryRequestsQueue, evt); err != nil {
		// The scheduler sweep picks the order up from the index anyway.
		log.WithError(err).WithField("delivery", id).Warn("Could not publish delivery request")
	}
	writeJSON(w, http.StatusCreated, delivery)
}

// anchorIdempotency claims key for id. The second return is false when
// another request got there first, in which case the winner's delivery
// ID is returned instead.
func (s *Server) anchorIdempotency(ctx context.Context, key, id string) (string, bool, error) {
	ok, current, err := s.kv.CAS(ctx, types.IdemKey(key), nil, id)
	if err != nil {
		return "", false, err
	}
	if ok {
		return id, true, nil
	}
	var winner string
	if err := json.Unmarshal(current, &winner); err != nil {
		return "", false, errors.Wrap(err, "decode idempotency anchor")
	}
	return winner, false, nil
}

// respondExisting serves a replayed order with the original document.
// The winner may still be mid-creation; in that window the anchor is
// the only trace, so answer from it.
func (s *Server) respondExisting(ctx context.Context, w http.ResponseWriter, id string) {
	delivery := &types.Delivery{}
	found, err := s.kv.GetJSON(ctx, types.DeliveryKey(id), delivery)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, types.Delivery{ID: id, Status: types.DeliveryPending})
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

// appendToIndex adds id to deliveries_index with a CAS retry loop.
// Concurrent gateways interleave appends; the membership check makes
// the retry idempotent.
func (s *Server) appendToIndex(ctx context.Context, id string) error {
	for i := 0; i < indexAppendAttempts; i++ {
		raw, found, err := s.kv.Get(ctx, types.DeliveriesIndexKey)
		if err != nil {
			return err
		}
		var ids []string
		if found {
			if err := json.Unmarshal(raw, &ids); err != nil {
				return errors.Wrap(err, "decode deliveries index")
			}
		}
		for _, existing := range ids {
			if existing == id {
				return nil
			}
		}
		var old interface{}
		if found {
			old = raw
		}
		ok, _, err := s.kv.CAS(ctx, types.DeliveriesIndexKey, old, append(ids, id))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		time.Sleep(indexAppendBackoff)
	}
	return errors.Errorf("could not append %s to deliveries index", id)
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	delivery := &types.Delivery{}
	found, err := s.kv.GetJSON(r.Context(), types.DeliveryKey(id), delivery)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

// listDeliveries returns the most recent deliveries, newest first. Only
// a bounded tail of the index is read so the handler stays cheap as the
// history grows.
func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	var ids []string
	if _, err := s.kv.GetJSON(ctx, types.DeliveriesIndexKey, &ids); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	window := 6 * limit
	if window < minListWindow {
		window = minListWindow
	}
	if len(ids) > window {
		ids = ids[len(ids)-window:]
	}

	out := make([]types.Delivery, 0, len(ids))
	for _, id := range ids {
		d := types.Delivery{}
		found, err := s.kv.GetJSON(ctx, types.DeliveryKey(id), &d)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if found {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
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
