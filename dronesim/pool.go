package dronesim

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/fleet/types"
	"github.com/airliftlabs/airlift/geo"
)

// Class mix of the simulated pool: heavier drones are rarer and slower.
var poolPattern = []struct {
	class string
	speed float64
}{
	{types.ClassLight, 0.40},
	{types.ClassMedium, 0.25},
	{types.ClassHeavy, 0.15},
}

const positionJitter = 0.0004

// zonesConfig returns the spatial partition, cached after the first read
// since it is immutable.
func (s *Service) zonesConfig(ctx context.Context) *types.ZonesConfig {
	s.zonesLock.Lock()
	defer s.zonesLock.Unlock()
	if s.zonesCfg != nil {
		return s.zonesCfg
	}
	cfg := &types.ZonesConfig{}
	found, err := s.kv.GetJSON(ctx, types.ZonesConfigKey, cfg)
	if err != nil || !found {
		return nil
	}
	s.zonesCfg = cfg
	return cfg
}

// registerPool makes sure the configured number of drone documents and
// the fleet index exist. Existing drones keep their state, position
// included; only new drones are parked near a charge pad.
func (s *Service) registerPool(ctx context.Context) ([]string, error) {
	cfg := params.AirliftConfig()

	zones := s.zonesConfig(ctx)
	if zones == nil {
		// First process up: seed the grid so the fleet has charge pads.
		zones = geo.BuildZones(cfg.GridRows, cfg.GridCols, cfg.GridMinLat, cfg.GridMaxLat, cfg.GridMinLon, cfg.GridMaxLon)
		if err := s.kv.Put(ctx, types.ZonesConfigKey, zones); err != nil {
			return nil, errors.Wrap(err, "seed zones config")
		}
		s.zonesLock.Lock()
		s.zonesCfg = zones
		s.zonesLock.Unlock()
	}

	pads := make([]types.Point, len(zones.Zones))
	for i, z := range zones.Zones {
		pads[i] = z.Charge
	}
	rand.Shuffle(len(pads), func(i, j int) { pads[i], pads[j] = pads[j], pads[i] })

	offset := rand.Intn(len(poolPattern))
	ids := make([]string, 0, cfg.DronePoolMax)
	for i := 0; i < cfg.DronePoolMax; i++ {
		id := fmt.Sprintf("drone-%d", i+1)
		ids = append(ids, id)
		kind := poolPattern[(offset+i)%len(poolPattern)]
		pad := pads[i%len(pads)]
		pos := types.Point{
			Lat: pad.Lat + (rand.Float64()*2-1)*positionJitter,
			Lon: pad.Lon + (rand.Float64()*2-1)*positionJitter,
		}

		doc := types.Drone{
			ID:      id,
			Type:    kind.class,
			Speed:   kind.speed,
			Status:  types.DroneInactive,
			Battery: 100,
			Pos:     &pos,
		}
		existing, _, err := s.getDrone(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "read drone %s", id)
		}
		if existing != nil {
			doc.Status = existing.Status
			doc.Battery = existing.Battery
			doc.CurrentDelivery = existing.CurrentDelivery
			doc.FeasMiss = existing.FeasMiss
			doc.FeasMissSet = existing.FeasMissSet
			if existing.Pos != nil {
				doc.Pos = existing.Pos
			}
		}
		if err := s.kv.Put(ctx, types.DroneKey(id), doc); err != nil {
			return nil, errors.Wrapf(err, "register drone %s", id)
		}
	}
	if err := s.kv.Put(ctx, types.DronesIndexKey, ids); err != nil {
		return nil, errors.Wrap(err, "write drones index")
	}
	log.WithField("drones", len(ids)).Info("Drone pool registered")
	return ids, nil
}
