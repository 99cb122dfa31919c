// Package devices watches identified display hardware (semaphore and
// per-sector boards) for liveness. Displays re-announce themselves
// periodically; one that goes quiet is flagged stale through the store
// so race control hears about it, but staleness never blocks sector
// mutations.
package devices

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/openrace/raceflags/internal/race"
)

// Config holds the liveness thresholds.
type Config struct {
	StaleAfter    time.Duration // silence before a display is flagged
	SweepInterval time.Duration
}

// DefaultConfig matches the deployed constants: a display must
// re-identify within 15s, checked every 5s.
func DefaultConfig() Config {
	return Config{
		StaleAfter:    15 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Registry runs the periodic staleness sweep over the session's device
// table. Marking a device stale is itself a store mutation, so the
// resulting device_stale event broadcasts and replicates like any other
// change; re-identification clears the flag.
type Registry struct {
	cfg    Config
	store  *race.Store
	clock  clockwork.Clock
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry sweeping the given store.
func New(cfg Config, store *race.Store, clock clockwork.Clock) *Registry {
	return &Registry{cfg: cfg, store: store, clock: clock}
}

// Start launches the sweep loop.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.SweepOnce()
		}
	}
}

// SweepOnce flags every device whose last identify is older than
// StaleAfter. Devices already flagged are skipped, so each outage
// produces exactly one event until the display comes back.
func (r *Registry) SweepOnce() {
	cutoff := r.clock.Now().Add(-r.cfg.StaleAfter)
	snap := r.store.Snapshot()
	for host, d := range snap.Session.Devices {
		if d.Stale || !d.LastSeen.Before(cutoff) {
			continue
		}
		if _, err := r.store.MarkDeviceStale(host); err != nil {
			// The device can vanish between snapshot and mark (race
			// reset on a peer); nothing to report then.
			if !errors.Is(err, race.ErrInvalidMutation) {
				log.Error().Err(err).Str("host", host).Msg("failed to mark device stale")
			}
			continue
		}
		log.Warn().Str("host", host).Str("kind", string(d.Kind)).Msg("display device went stale")
	}
}
