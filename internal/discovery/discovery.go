// Package discovery announces this node on the local network over UDP
// broadcast and tracks announcements from other backends in a peer
// table. It feeds the mesh with connection targets; it never touches
// race state itself.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const announceType = "backend_announce"

// Announce is the discovery wire message. Unknown fields in received
// datagrams are ignored so old and new nodes can coexist.
type Announce struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// Peer is one live entry in the peer table.
type Peer struct {
	NodeID   string
	Host     string
	Port     int
	LastSeen time.Time
}

// Addr returns the peer's host:port key.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Config holds the discovery timing knobs.
type Config struct {
	Port          int           // well-known broadcast port
	Interval      time.Duration // announce period
	EvictAfter    time.Duration // silence before a peer is dropped
	SweepInterval time.Duration // eviction check period
}

// DefaultConfig matches the deployed constants: announce every 2s on
// port 9999, evict after 10s of silence.
func DefaultConfig() Config {
	return Config{
		Port:          9999,
		Interval:      2 * time.Second,
		EvictAfter:    10 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Service runs the announcer, the listener, and the peer table sweep.
type Service struct {
	cfg    Config
	nodeID string
	host   string // advertised reachable host
	port   int    // advertised service port
	clock  clockwork.Clock

	onDiscover func(Peer)
	onEvict    func(Peer)

	mu    sync.Mutex
	peers map[string]*Peer

	listen *net.UDPConn
	out    *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a discovery service advertising host:port as this node's
// sync endpoint.
func New(cfg Config, nodeID, host string, port int, clock clockwork.Clock) *Service {
	return &Service{
		cfg:    cfg,
		nodeID: nodeID,
		host:   host,
		port:   port,
		clock:  clock,
		peers:  make(map[string]*Peer),
	}
}

// OnDiscover registers the callback fired for every backend announce
// (including refreshes of known peers). Must be set before Start.
func (s *Service) OnDiscover(fn func(Peer)) { s.onDiscover = fn }

// OnEvict registers the callback fired when a silent peer is dropped.
// Must be set before Start.
func (s *Service) OnEvict(fn func(Peer)) { s.onEvict = fn }

// Start binds the discovery port and launches the announce, listen, and
// sweep loops. Failure to bind is fatal to startup and returned here.
func (s *Service) Start(ctx context.Context) error {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port}
	listen, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("bind discovery port %d: %w", s.cfg.Port, err)
	}
	out, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.Port})
	if err != nil {
		listen.Close()
		return fmt.Errorf("open discovery broadcast socket: %w", err)
	}
	s.listen = listen
	s.out = out

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(3)
	go s.announceLoop(ctx)
	go s.readLoop(ctx)
	go s.sweepLoop(ctx)

	log.Info().
		Int("port", s.cfg.Port).
		Str("advertise", net.JoinHostPort(s.host, strconv.Itoa(s.port))).
		Msg("discovery started")
	return nil
}

// Stop shuts the loops down and closes the sockets.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listen != nil {
		s.listen.Close()
	}
	if s.out != nil {
		s.out.Close()
	}
	s.wg.Wait()
	log.Info().Msg("discovery stopped")
}

// Peers returns a copy of the current peer table.
func (s *Service) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()
	msg, err := json.Marshal(Announce{Type: announceType, NodeID: s.nodeID, Host: s.host, Port: s.port})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal announce")
		return
	}

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Announce immediately so fresh nodes are found within one interval.
	s.sendAnnounce(msg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sendAnnounce(msg)
		}
	}
}

func (s *Service) sendAnnounce(msg []byte) {
	if _, err := s.out.Write(msg); err != nil {
		// Transient on interface flaps; the next tick retries.
		log.Debug().Err(err).Msg("discovery announce failed")
	}
}

func (s *Service) readLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, _, err := s.listen.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Debug().Err(err).Msg("discovery read failed")
			continue
		}
		s.handleDatagram(buf[:n])
	}
}

// handleDatagram parses one announce. Junk and foreign message types are
// dropped silently; our own announces are ignored.
func (s *Service) handleDatagram(data []byte) {
	var ann Announce
	if err := json.Unmarshal(data, &ann); err != nil {
		return
	}
	if ann.Type != announceType || ann.Host == "" || ann.Port == 0 {
		return
	}
	if ann.NodeID == s.nodeID {
		return
	}

	peer := Peer{NodeID: ann.NodeID, Host: ann.Host, Port: ann.Port, LastSeen: s.clock.Now()}

	s.mu.Lock()
	existing, known := s.peers[peer.Addr()]
	if known {
		existing.LastSeen = peer.LastSeen
		existing.NodeID = peer.NodeID
	} else {
		p := peer
		s.peers[peer.Addr()] = &p
	}
	s.mu.Unlock()

	if !known {
		log.Info().Str("peer", peer.Addr()).Str("peer_node", peer.NodeID).Msg("peer discovered")
	}
	if s.onDiscover != nil {
		s.onDiscover(peer)
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sweepOnce()
		}
	}
}

// sweepOnce evicts peers that have not announced within EvictAfter.
func (s *Service) sweepOnce() {
	cutoff := s.clock.Now().Add(-s.cfg.EvictAfter)

	s.mu.Lock()
	var evicted []Peer
	for addr, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			evicted = append(evicted, *p)
			delete(s.peers, addr)
		}
	}
	s.mu.Unlock()

	for _, p := range evicted {
		log.Info().Str("peer", p.Addr()).Msg("peer evicted after silence")
		if s.onEvict != nil {
			s.onEvict(p)
		}
	}
}

// LocalIP guesses the LAN-reachable address of this host the same way
// the consoles do: by asking the kernel which source address routes to
// the outside.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
