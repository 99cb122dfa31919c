// Package storage is the durable write-behind sink for race snapshots.
// The in-memory store stays authoritative: persistence failures are
// logged and counted, never surfaced to the mutation path.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/openrace/raceflags/internal/metrics"
	"github.com/openrace/raceflags/internal/race"
)

// ErrEmpty is returned by Load when no snapshot has ever been persisted.
var ErrEmpty = errors.New("no stored snapshot")

const schema = `
CREATE TABLE IF NOT EXISTS snapshot (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	node_id TEXT NOT NULL,
	revision INTEGER NOT NULL,
	state TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	payload TEXT,
	ts TEXT NOT NULL
);`

type action struct {
	kind    string
	payload []byte
	ts      string
}

// Store persists snapshots to a sqlite file. Writes happen on a single
// background goroutine; the snapshot queue holds one element and the
// freshest snapshot always wins, so a slow disk coalesces writes instead
// of building a backlog.
type Store struct {
	db     *sql.DB
	snapCh chan race.Snapshot
	actCh  chan action
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens (or creates) the sqlite file and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite allows one writer; keep the pool honest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:     db,
		snapCh: make(chan race.Snapshot, 1),
		actCh:  make(chan action, 256),
	}, nil
}

// Load returns the snapshot persisted by a previous run, or ErrEmpty.
func (s *Store) Load() (race.Snapshot, error) {
	var nodeID, state string
	var revision uint64
	row := s.db.QueryRow(`SELECT node_id, revision, state FROM snapshot WHERE id = 1`)
	if err := row.Scan(&nodeID, &revision, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return race.Snapshot{}, ErrEmpty
		}
		return race.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var session race.Session
	if err := json.Unmarshal([]byte(state), &session); err != nil {
		return race.Snapshot{}, fmt.Errorf("decode stored session: %w", err)
	}
	return race.Snapshot{NodeID: nodeID, Revision: revision, Session: &session}, nil
}

// Start launches the background writer.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.writeLoop(ctx)
}

// Stop drains nothing: pending writes may be lost on shutdown, which is
// acceptable for a write-behind cache of replicated state.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.db.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close sqlite")
	}
}

// HandleCommit enqueues the snapshot and the action-log entry for the
// background writer. Registered as a store commit listener; never
// blocks.
func (s *Store) HandleCommit(snap race.Snapshot, delta race.Delta) {
	// Latest snapshot wins.
	for {
		select {
		case s.snapCh <- snap:
		default:
			select {
			case <-s.snapCh:
			default:
			}
			continue
		}
		break
	}

	payload, err := json.Marshal(delta.Payload)
	if err != nil {
		payload = nil
	}
	select {
	case s.actCh <- action{kind: delta.Kind, payload: payload, ts: time.Now().UTC().Format(time.RFC3339Nano)}:
	default:
		log.Debug().Str("type", delta.Kind).Msg("action log queue full, entry dropped")
	}
}

func (s *Store) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.snapCh:
			s.persist(snap)
		case a := <-s.actCh:
			s.appendAction(a)
		}
	}
}

func (s *Store) persist(snap race.Snapshot) {
	state, err := json.Marshal(snap.Session)
	if err != nil {
		metrics.PersistFailures.Inc()
		log.Error().Err(err).Msg("failed to encode session for persistence")
		return
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshot (id, node_id, revision, state, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_id = excluded.node_id,
			revision = excluded.revision,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		snap.NodeID, snap.Revision, string(state), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		metrics.PersistFailures.Inc()
		log.Error().Err(err).Uint64("revision", snap.Revision).Msg("failed to persist snapshot")
	}
}

func (s *Store) appendAction(a action) {
	if _, err := s.db.Exec(`INSERT INTO actions (type, payload, ts) VALUES (?, ?, ?)`,
		a.kind, string(a.payload), a.ts); err != nil {
		log.Error().Err(err).Str("type", a.kind).Msg("failed to append action log")
	}
}
