// Package mesh keeps the race session replicated across backend nodes.
// For every peer the discovery service reports, it maintains a
// persistent WebSocket link, exchanges full-state snapshots, and applies
// incoming snapshots under a last-writer-wins rule at whole-session
// granularity. Each node stays fully authoritative for itself while
// disconnected; this is eventual, non-strict consistency by design.
package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openrace/raceflags/internal/metrics"
	"github.com/openrace/raceflags/internal/race"
)

// PeerState is the lifecycle phase of one peer table entry.
type PeerState int

const (
	StateDiscovered PeerState = iota
	StateConnecting
	StateSynced
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// message is the peer wire envelope. Two kinds travel the link: a full
// snapshot (`state_update`) and a request for one (`request_state`).
// Field layout matches what older backends emit; unknown fields are
// ignored on decode.
type message struct {
	Type     string        `json:"type,omitempty"`
	Cmd      string        `json:"cmd,omitempty"`
	NodeID   string        `json:"node_id,omitempty"`
	Revision uint64        `json:"revision,omitempty"`
	State    *race.Session `json:"state,omitempty"`
}

// Config holds the sync engine timing knobs.
type Config struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	MaxFails     int // consecutive dial failures before demotion to Discovered
	SendBuffer   int
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  45 * time.Second,
		PingInterval: 15 * time.Second,
		BackoffMin:   time.Second,
		BackoffMax:   30 * time.Second,
		MaxFails:     5,
		SendBuffer:   16,
	}
}

// Engine is the per-node sync engine. Outbound links are driven by the
// peer state machine; inbound links arrive on the /peer_ws endpoint.
// Every live link, whichever side opened it, both pushes local commits
// and applies foreign snapshots.
type Engine struct {
	cfg    Config
	nodeID string
	store  *race.Store
	dialer *websocket.Dialer

	mu    sync.Mutex
	peers map[string]*peerEntry
	links map[*link]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type peerEntry struct {
	addr    string
	nodeID  string
	state   PeerState
	fails   int
	running bool
	cancel  context.CancelFunc
}

type link struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	remoteID string
}

func (l *link) setRemoteID(id string) {
	l.mu.Lock()
	l.remoteID = id
	l.mu.Unlock()
}

func (l *link) getRemoteID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteID
}

// enqueue queues a frame for the writer, latest-wins: when the buffer is
// full the oldest queued snapshot is dropped, never the fresh one.
func (l *link) enqueue(data []byte) {
	for {
		select {
		case l.send <- data:
			return
		default:
			select {
			case <-l.send:
			default:
			}
		}
	}
}

// New creates a sync engine bound to the store's node identity.
func New(cfg Config, store *race.Store) *Engine {
	return &Engine{
		cfg:    cfg,
		nodeID: store.NodeID(),
		store:  store,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		peers:  make(map[string]*peerEntry),
		links:  make(map[*link]struct{}),
	}
}

// Start arms the engine. Links spawned afterwards live under this
// context.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop tears down every link and waits for the loops to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for l := range e.links {
		l.conn.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
	log.Info().Msg("mesh stopped")
}

// AddPeer reacts to a discovery announce. Idempotent: a peer already
// connecting or synced is left alone; a demoted (Discovered) peer gets a
// fresh connect loop, so each new announce re-arms retries.
func (e *Engine) AddPeer(addr, nodeID string) {
	e.mu.Lock()
	pe, ok := e.peers[addr]
	if !ok {
		pe = &peerEntry{addr: addr, nodeID: nodeID, state: StateDiscovered}
		e.peers[addr] = pe
	}
	pe.nodeID = nodeID
	if pe.running {
		e.mu.Unlock()
		return
	}
	pe.running = true
	pe.fails = 0
	ctx, cancel := context.WithCancel(e.ctx)
	pe.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.connectLoop(ctx, pe)
}

// RemovePeer reacts to a discovery eviction: the connect loop is
// cancelled and any link to that node, inbound included, is closed
// immediately.
func (e *Engine) RemovePeer(addr, nodeID string) {
	e.mu.Lock()
	pe, ok := e.peers[addr]
	if ok {
		delete(e.peers, addr)
		if pe.cancel != nil {
			pe.cancel()
		}
	}
	var victims []*link
	for l := range e.links {
		if nodeID != "" && l.getRemoteID() == nodeID {
			victims = append(victims, l)
		}
	}
	e.mu.Unlock()

	for _, l := range victims {
		l.conn.Close()
	}
	if ok {
		log.Info().Str("peer", addr).Msg("peer removed from mesh")
	}
}

// PeerStates returns addr -> state for diagnostics.
func (e *Engine) PeerStates() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.peers))
	for addr, pe := range e.peers {
		out[addr] = pe.state.String()
	}
	return out
}

// LinkCount returns the number of live links, both directions.
func (e *Engine) LinkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}

// HandleCommit pushes the snapshot behind every accepted local mutation
// to all live links. Registered as a store commit listener; must not
// block, so frames go through the links' buffered queues. Snapshots that
// arrived from a peer are not echoed back to it.
func (e *Engine) HandleCommit(snap race.Snapshot, delta race.Delta) {
	data, err := json.Marshal(message{
		Type:     "state_update",
		NodeID:   snap.NodeID,
		Revision: snap.Revision,
		State:    snap.Session,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot for peers")
		return
	}

	e.mu.Lock()
	targets := make([]*link, 0, len(e.links))
	for l := range e.links {
		if delta.Origin != "" && l.getRemoteID() == delta.Origin {
			continue
		}
		targets = append(targets, l)
	}
	e.mu.Unlock()

	for _, l := range targets {
		l.enqueue(data)
	}
}

// ServePeerWS accepts an inbound sync link from another backend.
func (e *Engine) ServePeerWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade peer connection")
		return
	}
	log.Info().Str("remote", r.RemoteAddr).Msg("inbound peer link")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLink(e.ctx, conn)
	}()
}

func (e *Engine) connectLoop(ctx context.Context, pe *peerEntry) {
	defer e.wg.Done()
	backoff := e.cfg.BackoffMin

	for {
		e.setState(pe, StateConnecting)

		conn, _, err := e.dialer.DialContext(ctx, "ws://"+pe.addr+"/peer_ws", nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pe.fails++
			if pe.fails >= e.cfg.MaxFails {
				// Demote; the next announce re-arms the loop.
				e.mu.Lock()
				pe.state = StateDiscovered
				pe.running = false
				e.mu.Unlock()
				log.Warn().Str("peer", pe.addr).Int("fails", pe.fails).
					Msg("peer demoted after repeated connect failures")
				return
			}
			log.Debug().Err(err).Str("peer", pe.addr).Dur("backoff", backoff).
				Msg("peer dial failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.cfg.BackoffMax {
				backoff = e.cfg.BackoffMax
			}
			continue
		}

		pe.fails = 0
		backoff = e.cfg.BackoffMin
		e.setState(pe, StateSynced)
		log.Info().Str("peer", pe.addr).Msg("peer link established")

		e.runLink(ctx, conn)

		if ctx.Err() != nil {
			return
		}
		e.setState(pe, StateDisconnected)
		log.Warn().Str("peer", pe.addr).Msg("peer link lost, reconnecting")
	}
}

func (e *Engine) setState(pe *peerEntry, st PeerState) {
	e.mu.Lock()
	pe.state = st
	e.mu.Unlock()
}

// runLink drives one established link until it dies: it performs the
// initial snapshot exchange, pumps outbound frames, and applies inbound
// ones. Used identically by both the dialing and the accepting side.
func (e *Engine) runLink(ctx context.Context, conn *websocket.Conn) {
	l := &link{conn: conn, send: make(chan []byte, e.cfg.SendBuffer)}

	e.mu.Lock()
	e.links[l] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.links, l)
		e.mu.Unlock()
		conn.Close()
	}()

	// Initial exchange: offer our snapshot and ask for theirs. The other
	// side does the same, so both converge in one round.
	snap := e.store.Snapshot()
	if init, err := json.Marshal(message{
		Type: "state_update", NodeID: snap.NodeID, Revision: snap.Revision, State: snap.Session,
	}); err == nil {
		l.enqueue(init)
	}
	if req, err := json.Marshal(message{Cmd: "request_state"}); err == nil {
		l.enqueue(req)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(e.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case data := <-l.send:
				conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		e.handleFrame(l, data)
		conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
	}

	conn.Close()
	<-writerDone
}

// handleFrame dispatches one inbound peer frame.
func (e *Engine) handleFrame(l *link, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch {
	case msg.Cmd == "request_state":
		snap := e.store.Snapshot()
		if reply, err := json.Marshal(message{
			Type: "state_update", NodeID: snap.NodeID, Revision: snap.Revision, State: snap.Session,
		}); err == nil {
			l.enqueue(reply)
		}

	case msg.Type == "state_update" && msg.State != nil:
		if msg.NodeID != "" {
			l.setRemoteID(msg.NodeID)
		}
		applied, _ := e.store.ReconcileSnapshot(race.Snapshot{
			NodeID:   msg.NodeID,
			Revision: msg.Revision,
			Session:  msg.State,
		})
		if applied {
			metrics.SnapshotsOverwritten.Inc()
			log.Info().
				Str("peer", msg.NodeID).
				Uint64("revision", msg.Revision).
				Msg("applied peer snapshot")
		}
	}
}
