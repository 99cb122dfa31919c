package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/openrace/raceflags/internal/api"
	"github.com/openrace/raceflags/internal/auth"
	"github.com/openrace/raceflags/internal/devices"
	"github.com/openrace/raceflags/internal/discovery"
	"github.com/openrace/raceflags/internal/hub"
	"github.com/openrace/raceflags/internal/mesh"
	"github.com/openrace/raceflags/internal/metrics"
	"github.com/openrace/raceflags/internal/race"
	"github.com/openrace/raceflags/internal/storage"
)

// Services holds every running component of the node.
type Services struct {
	Store     *race.Store
	Hub       *hub.Hub
	Mesh      *mesh.Engine
	Discovery *discovery.Service
	Registry  *devices.Registry
	Durable   *storage.Store
	API       *api.Server
}

// setupServices builds and wires the node: store at the center, commit
// fanout to hub, mesh, and the durable sink, discovery feeding the mesh.
func setupServices(cfg Config) (*Services, error) {
	clock := clockwork.NewRealClock()
	nodeID := uuid.New().String()
	hasher := auth.BcryptHasher{}

	store := race.NewStore(nodeID, cfg.Sectors, hasher, hasher, clock)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	durable, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Boot from the last persisted snapshot, if any. The loaded revision
	// seeds the counter so it keeps strictly increasing across restarts.
	if snap, err := durable.Load(); err == nil {
		store.LoadSnapshot(snap, "")
		log.Info().Uint64("revision", snap.Revision).Msg("restored session from durable store")
	} else if !errors.Is(err, storage.ErrEmpty) {
		log.Warn().Err(err).Msg("durable snapshot unreadable, starting fresh")
	}

	h := hub.New(hub.DefaultConfig(), store.Snapshot)
	m := mesh.New(mesh.DefaultConfig(), store)

	advertise := cfg.AdvertiseHost
	if advertise == "" {
		advertise = discovery.LocalIP()
	}
	disc := discovery.New(discovery.Config{
		Port:          cfg.DiscoveryPort,
		Interval:      cfg.AnnounceInterval,
		EvictAfter:    cfg.PeerEvictAfter,
		SweepInterval: cfg.SweepInterval,
	}, nodeID, advertise, cfg.HTTPPort, clock)
	disc.OnDiscover(func(p discovery.Peer) { m.AddPeer(p.Addr(), p.NodeID) })
	disc.OnEvict(func(p discovery.Peer) { m.RemovePeer(p.Addr(), p.NodeID) })

	registry := devices.New(devices.Config{
		StaleAfter:    cfg.DeviceStaleAfter,
		SweepInterval: cfg.SweepInterval,
	}, store, clock)

	// Commit fanout. Listeners run inside the commit and hand off to
	// buffered queues immediately.
	store.OnCommit(func(snap race.Snapshot, delta race.Delta) {
		metrics.MutationsTotal.WithLabelValues(delta.Kind).Inc()
		h.Publish(hub.Message{
			Type:     delta.Kind,
			Revision: snap.Revision,
			State:    snap.Session.Public(),
			Payload:  delta.Payload,
		})
		metrics.BroadcastsTotal.Inc()
	})
	store.OnCommit(m.HandleCommit)
	store.OnCommit(durable.HandleCommit)
	store.OnCommit(func(race.Snapshot, race.Delta) {
		metrics.Subscribers.Set(float64(h.Count()))
		metrics.PeerLinks.Set(float64(m.LinkCount()))
	})

	return &Services{
		Store:     store,
		Hub:       h,
		Mesh:      m,
		Discovery: disc,
		Registry:  registry,
		Durable:   durable,
		API:       api.New(store, h, m),
	}, nil
}

// Start brings the background components up. A discovery bind failure is
// fatal and returned.
func (s *Services) Start(ctx context.Context) error {
	s.Durable.Start(ctx)
	s.Mesh.Start(ctx)
	s.Registry.Start(ctx)
	if err := s.Discovery.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("node_id", s.Store.NodeID()).Msg("node services started")
	return nil
}

// Stop shuts the components down in dependency order.
func (s *Services) Stop() {
	s.Discovery.Stop()
	s.Registry.Stop()
	s.Mesh.Stop()
	s.Durable.Stop()
}
