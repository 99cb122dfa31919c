// Package hub fans accepted race-state mutations out to every connected
// real-time subscriber: race-control consoles, pit boxes, marshal
// stations, and display kiosks.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openrace/raceflags/internal/race"
)

// Role tags a subscriber by what kind of client it is. Purely
// informational: every role receives every message.
type Role string

const (
	RoleRaceControl Role = "race_control"
	RolePit         Role = "pit"
	RoleMarshal     Role = "marshal"
	RoleDisplay     Role = "display"
	RoleObserver    Role = "observer"
)

func parseRole(s string) Role {
	switch Role(s) {
	case RoleRaceControl, RolePit, RoleMarshal, RoleDisplay:
		return Role(s)
	}
	return RoleObserver
}

// Message is the envelope pushed to subscribers. State carries the full
// public session; Payload carries the mutation-specific detail.
type Message struct {
	Type     string        `json:"type"`
	Revision uint64        `json:"revision,omitempty"`
	State    *race.Session `json:"state,omitempty"`
	Payload  any           `json:"payload,omitempty"`
}

// Config holds WebSocket tuning for subscriber connections.
type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConfig returns the connection tuning used in production.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     256,
	}
}

// SnapshotFunc supplies the current snapshot for the state_init greeting.
type SnapshotFunc func() race.Snapshot

// Hub maintains the live subscriber set. Publish never blocks: each
// subscriber has its own buffered send channel and a connection that
// cannot drain it is dropped rather than allowed to stall the mutation
// pipeline or its neighbours.
type Hub struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	config   Config
	upgrader websocket.Upgrader
	snapshot SnapshotFunc
}

type subscriber struct {
	id   string
	role Role
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	once sync.Once
}

// New creates a hub. snapshot is called on every subscribe to greet the
// client with the current full state.
func New(config Config, snapshot SnapshotFunc) *Hub {
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		snapshot: snapshot,
	}
}

// ServeWS upgrades an HTTP request to a subscriber connection. The role
// comes from the ?role= query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade subscriber connection")
		return
	}
	sub := &subscriber{
		id:   uuid.New().String(),
		role: parseRole(r.URL.Query().Get("role")),
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		hub:  h,
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	total := len(h.subs)
	h.mu.Unlock()

	log.Info().
		Str("conn_id", sub.id).
		Str("role", string(sub.role)).
		Int("subscribers", total).
		Msg("subscriber connected")

	// Greet with the current full state so the client converges without
	// waiting for the next mutation.
	snap := h.snapshot()
	sub.enqueue(Message{Type: "state_init", Revision: snap.Revision, State: snap.Session.Public()})

	go sub.writePump()
	go sub.readPump()
}

// Publish sends msg to every live subscriber, best effort.
func (h *Hub) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal broadcast message")
		return
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.send <- data:
		default:
			log.Warn().
				Str("conn_id", sub.id).
				Str("role", string(sub.role)).
				Msg("subscriber send buffer full, dropping connection")
			sub.close()
		}
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *subscriber) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal message")
		return
	}
	select {
	case s.send <- data:
	default:
		s.close()
	}
}

// close removes the subscriber exactly once and closes the socket. The
// send channel stays open; the writePump exits via the closed socket.
func (s *subscriber) close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		s.conn.Close()
		log.Info().
			Str("conn_id", s.id).
			Str("role", string(s.role)).
			Msg("subscriber disconnected")
	})
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(s.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *subscriber) readPump() {
	defer s.close()

	s.conn.SetReadLimit(s.hub.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", s.id).Msg("subscriber read error")
			}
			return
		}
		s.handleClientMessage(data)
		s.conn.SetReadDeadline(time.Now().Add(s.hub.config.ReadTimeout))
	}
}

// handleClientMessage answers the ping keepalive clients send; anything
// else is ignored.
func (s *subscriber) handleClientMessage(data []byte) {
	var cmd struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return
	}
	if cmd.Cmd == "ping" {
		s.enqueue(Message{Type: "pong", Payload: map[string]string{
			"ts": time.Now().UTC().Format(time.RFC3339Nano),
		}})
	}
}
