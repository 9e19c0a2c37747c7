package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
)

// droneView is a drone document enriched with the zone its position
// falls in.
type droneView struct {
	types.Drone
	Zone string `json:"zone"`
}

func (s *Server) enrichDrone(ctx context.Context, id string, zones *types.ZonesConfig) (*droneView, error) {
	d := types.Drone{}
	found, err := s.kv.GetJSON(ctx, types.DroneKey(id), &d)
	if err != nil || !found {
		return nil, err
	}
	view := &droneView{Drone: d}
	if d.Pos != nil {
		view.Zone = geo.PointZone(zones, *d.Pos)
	}
	return view, nil
}

func (s *Server) getDrone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zones, err := s.zonesConfig(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	view, err := s.enrichDrone(ctx, mux.Vars(r)["id"], zones)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// listDrones reads the whole fleet, fanning the per-drone reads out
// under the enrichment semaphore so one big fleet view never floods the
// KV tier.
func (s *Server) listDrones(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zones, err := s.zonesConfig(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	var ids []string
	if _, err := s.kv.GetJSON(ctx, types.DronesIndexKey, &ids); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	views := make([]*droneView, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			s.enrich <- struct{}{}
			defer func() { <-s.enrich }()
			view, err := s.enrichDrone(ctx, id, zones)
			if err != nil {
				log.WithError(err).WithField("drone", id).Debug("Could not read drone")
				return
			}
			views[i] = view
		}(i, id)
	}
	wg.Wait()

	out := make([]droneView, 0, len(views))
	for _, v := range views {
		if v != nil {
			out = append(out, *v)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
