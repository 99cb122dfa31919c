package race

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// PasswordHasher hashes pit-box passwords for storage.
type PasswordHasher interface {
	Hash(plain string) (string, error)
}

// PasswordVerifier checks a plaintext password against a stored hash.
type PasswordVerifier interface {
	Verify(plain, hash string) bool
}

// CommitListener observes every accepted mutation, local or replicated.
// Listeners run synchronously inside the commit and must not block; slow
// work belongs behind a buffered channel (the hub and the persister both
// do this).
type CommitListener func(snap Snapshot, delta Delta)

// Store owns the authoritative session and its revision counter. Every
// mutation, whether from the local API or from a peer snapshot, passes
// through the store's single mutex, so an accepted apply is atomic with
// respect to all other mutation sources.
type Store struct {
	mu        sync.Mutex
	nodeID    string
	clock     clockwork.Clock
	hasher    PasswordHasher
	verifier  PasswordVerifier
	session   *Session
	revision  uint64
	listeners []CommitListener
}

// NewStore creates a store with a fresh session covering the given
// sector ids. The node id is the deterministic tie-break key for
// equal-revision conflicts.
func NewStore(nodeID string, sectorIDs []int, hasher PasswordHasher, verifier PasswordVerifier, clock clockwork.Clock) *Store {
	s := &Store{
		nodeID:   nodeID,
		clock:    clock,
		hasher:   hasher,
		verifier: verifier,
		session:  NewSession(sectorIDs),
	}
	return s
}

// OnCommit registers a listener. Must be called before the node starts
// serving; the listener slice is not guarded after that.
func (s *Store) OnCommit(l CommitListener) {
	s.listeners = append(s.listeners, l)
}

// NodeID returns the identity used for conflict tie-breaking.
func (s *Store) NodeID() string { return s.nodeID }

// Snapshot returns the current revision and a deep copy of the session.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{NodeID: s.nodeID, Revision: s.revision, Session: s.session.Clone()}
}

// commit bumps the revision, stamps the session, and notifies listeners
// exactly once. Callers hold the lock and have already mutated the
// session.
func (s *Store) commit(delta Delta) Snapshot {
	s.revision++
	s.session.UpdatedAt = s.clock.Now().UTC().Format(time.RFC3339Nano)
	snap := s.snapshotLocked()
	for _, l := range s.listeners {
		l(snap, delta)
	}
	return snap
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

// SetGlobalFlag sets the race-wide flag.
func (s *Store) SetGlobalFlag(flag Flag) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !flag.Valid() {
		return Snapshot{}, fmt.Errorf("%w: flag %q", ErrInvalidMutation, flag)
	}
	s.session.GlobalFlag = flag
	return s.commit(Delta{Kind: "flag_change", Payload: map[string]any{"flag": flag}}), nil
}

// SetSectorFlag sets one sector's flag and marshal-intervention marker.
func (s *Store) SetSectorFlag(sectorID int, flag Flag, marshalIntervene bool) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !flag.Valid() {
		return Snapshot{}, fmt.Errorf("%w: flag %q", ErrInvalidMutation, flag)
	}
	sec, ok := s.session.Sectors[sectorID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: id %d", ErrUnknownSector, sectorID)
	}
	sec.Flag = flag
	sec.MarshalIntervene = marshalIntervene
	return s.commit(Delta{Kind: "sector_update", Payload: map[string]any{
		"sector_id": sectorID, "flag": flag, "marshal_intervene": marshalIntervene,
	}}), nil
}

// SetSafetyCar sets the safety car state. InThisLap is only meaningful
// while the car is out.
func (s *Store) SetSafetyCar(active, inThisLap bool) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !active {
		inThisLap = false
	}
	s.session.SafetyCar = SafetyCar{Active: active, InThisLap: inThisLap}
	return s.commit(Delta{Kind: "safety_car", Payload: s.session.SafetyCar}), nil
}

// RegisterPilot adds a competitor. Registration closes once the race is
// running.
func (s *Store) RegisterPilot(firstName, lastName, number string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if number == "" {
		return Snapshot{}, fmt.Errorf("%w: empty race number", ErrInvalidMutation)
	}
	if s.session.RaceStatus == StatusRunning {
		return Snapshot{}, ErrRaceStarted
	}
	if _, exists := s.session.Pilots[number]; exists {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateNumber, number)
	}
	s.session.Pilots[number] = &Pilot{
		FirstName:    firstName,
		LastName:     lastName,
		Number:       number,
		RegisteredAt: s.now(),
	}
	return s.commit(Delta{Kind: "register_pilot", Payload: map[string]any{"number": number}}), nil
}

// AssignBlueFlag sets or clears the blue flag for a pilot. The flag is
// only meaningful while the race runs, but race control may pre-arm it,
// so the mutation is accepted in any status.
func (s *Store) AssignBlueFlag(number string, assign bool) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.session.Pilots[number]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: number %s", ErrUnknownPilot, number)
	}
	p.BlueFlag = assign
	return s.commit(Delta{Kind: "blue_assign", Payload: map[string]any{"number": number, "assign": assign}}), nil
}

// CreatePitBox creates or re-keys a pit box. The plaintext password is
// hashed before it touches the session.
func (s *Store) CreatePitBox(boxID, password string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if boxID == "" || password == "" {
		return Snapshot{}, fmt.Errorf("%w: box id and password required", ErrInvalidMutation)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash pit box password: %w", err)
	}
	box, exists := s.session.PitBoxes[boxID]
	if !exists {
		box = &PitBox{}
		s.session.PitBoxes[boxID] = box
	}
	box.PasswordHash = hash
	box.LastSeen = s.now()
	return s.commit(Delta{Kind: "pitbox_create", Payload: map[string]any{"box_id": boxID}}), nil
}

// PitBoxSend records a directed command for a pit box. The supplied
// password must verify against the stored hash; on mismatch nothing
// changes.
func (s *Store) PitBoxSend(boxID, password, action, note string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.session.PitBoxes[boxID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownPitBox, boxID)
	}
	if !s.verifier.Verify(password, box.PasswordHash) {
		return Snapshot{}, ErrAuthFailed
	}
	box.LastAction = action
	box.LastNote = note
	box.LastSeen = s.now()
	return s.commit(Delta{Kind: "pit_action", Payload: map[string]any{
		"box_id": boxID, "action": action, "note": note, "ts": box.LastSeen,
	}}), nil
}

// PenaltyInput is the caller-facing shape of a new penalty.
type PenaltyInput struct {
	TargetNumber  string
	Type          PenaltyType
	AmountSeconds int
	Reason        string
	WhoHit        string
	ContactPerson string
	Comment       string
}

// AddPenalty appends a sanction. AmountSeconds is required and positive
// for time penalties and must be absent otherwise.
func (s *Store) AddPenalty(in PenaltyInput) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.TargetNumber == "" {
		return Snapshot{}, fmt.Errorf("%w: target number required", ErrInvalidMutation)
	}
	if !in.Type.Valid() {
		return Snapshot{}, fmt.Errorf("%w: penalty type %q", ErrInvalidMutation, in.Type)
	}
	if in.Type == PenaltyTime && in.AmountSeconds <= 0 {
		return Snapshot{}, fmt.Errorf("%w: time penalty needs positive amount_seconds", ErrInvalidMutation)
	}
	if in.Type != PenaltyTime && in.AmountSeconds != 0 {
		return Snapshot{}, fmt.Errorf("%w: amount_seconds only valid for time penalties", ErrInvalidMutation)
	}
	p := Penalty{
		ID:            s.session.NextPenaltyID,
		TargetNumber:  in.TargetNumber,
		Type:          in.Type,
		AmountSeconds: in.AmountSeconds,
		Reason:        in.Reason,
		WhoHit:        in.WhoHit,
		ContactPerson: in.ContactPerson,
		Comment:       in.Comment,
		CreatedAt:     s.now(),
	}
	s.session.NextPenaltyID++
	s.session.Penalties = append(s.session.Penalties, p)
	return s.commit(Delta{Kind: "penalty_add", Payload: p}), nil
}

// EventInput is the caller-facing shape of a new event.
type EventInput struct {
	Type     EventType
	SectorID *int
	Number   string
	Details  string
}

// AddEvent appends an incident record. Sector-scoped events must name an
// existing sector; the event type itself is open.
func (s *Store) AddEvent(in EventInput) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.addEventLocked(in)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) addEventLocked(in EventInput) (Snapshot, error) {
	if in.Type == "" {
		return Snapshot{}, fmt.Errorf("%w: event type required", ErrInvalidMutation)
	}
	if in.SectorID != nil {
		if _, ok := s.session.Sectors[*in.SectorID]; !ok {
			return Snapshot{}, fmt.Errorf("%w: id %d", ErrUnknownSector, *in.SectorID)
		}
	}
	e := Event{
		ID:        s.session.NextEventID,
		Type:      in.Type,
		SectorID:  in.SectorID,
		Number:    in.Number,
		Details:   in.Details,
		CreatedAt: s.now(),
	}
	s.session.NextEventID++
	s.session.Events = append(s.session.Events, e)
	return s.commit(Delta{Kind: "event", Payload: e}), nil
}

// IdentifyDevice upserts a display device and refreshes its liveness.
func (s *Store) IdentifyDevice(host string, kind DeviceKind, sectorID *int) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if host == "" {
		return Snapshot{}, fmt.Errorf("%w: device host required", ErrInvalidMutation)
	}
	if !kind.Valid() {
		return Snapshot{}, fmt.Errorf("%w: device kind %q", ErrInvalidMutation, kind)
	}
	if kind == DeviceSector {
		if sectorID == nil {
			return Snapshot{}, fmt.Errorf("%w: sector device needs sector_id", ErrInvalidMutation)
		}
		if _, ok := s.session.Sectors[*sectorID]; !ok {
			return Snapshot{}, fmt.Errorf("%w: id %d", ErrUnknownSector, *sectorID)
		}
	} else {
		sectorID = nil
	}
	s.session.Devices[host] = &Device{
		Kind:     kind,
		SectorID: sectorID,
		LastSeen: s.clock.Now().UTC(),
	}
	return s.commit(Delta{Kind: "identify_device", Payload: map[string]any{
		"host": host, "kind": kind, "sector_id": sectorID,
	}}), nil
}

// MarkDeviceStale flags a device that stopped re-announcing and records
// a device_stale event so race control sees the health change. Called by
// the registry sweep; a device already marked is left alone.
func (s *Store) MarkDeviceStale(host string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.session.Devices[host]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: unknown device %s", ErrInvalidMutation, host)
	}
	if d.Stale {
		return s.snapshotLocked(), nil
	}
	d.Stale = true
	return s.addEventLocked(EventInput{
		Type:     EventDeviceStale,
		SectorID: d.SectorID,
		Details:  host,
	})
}

// StartRace moves the session to running.
func (s *Store) StartRace() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.RaceStatus = StatusRunning
	return s.commit(Delta{Kind: "race_start"}), nil
}

// StopRace moves the session to stopped. Flags and records stay in
// place for post-race review until the next reset.
func (s *Store) StopRace() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.RaceStatus = StatusStopped
	return s.commit(Delta{Kind: "race_stop"}), nil
}

// ResetRace replaces the session with a fresh one over the same sector
// layout. Pit boxes and devices survive; pilots, penalties, events, and
// all flag state are cleared. The revision keeps counting up.
func (s *Store) ResetRace() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sectorIDs := make([]int, 0, len(s.session.Sectors))
	for id := range s.session.Sectors {
		sectorIDs = append(sectorIDs, id)
	}
	fresh := NewSession(sectorIDs)
	fresh.PitBoxes = s.session.PitBoxes
	fresh.Devices = s.session.Devices
	s.session = fresh
	return s.commit(Delta{Kind: "reset"}), nil
}

// LoadSnapshot replaces the session wholesale. Used only at controlled
// replace points: the boot-time durable load and peer reconciliation.
// The revision never moves backward.
func (s *Store) LoadSnapshot(snap Snapshot, origin string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(snap, origin)
}

func (s *Store) loadLocked(snap Snapshot, origin string) Snapshot {
	s.session = snap.Session.Clone()
	if snap.Revision > s.revision {
		s.revision = snap.Revision
	}
	out := s.snapshotLocked()
	for _, l := range s.listeners {
		l(out, Delta{Kind: "state_update", Origin: origin})
	}
	return out
}

// ReconcileSnapshot applies a peer snapshot under the last-writer-wins
// rule: strictly higher revision wins; on a tie the lexicographically
// smaller node id wins. Equal snapshots are ignored. Returns whether the
// local session was overwritten. Losing local data here is the accepted
// consistency trade-off, so an overwrite is logged loudly rather than
// treated as an error.
func (s *Store) ReconcileSnapshot(snap Snapshot) (bool, Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case snap.Revision < s.revision:
		return false, s.snapshotLocked()
	case snap.Revision == s.revision:
		if snap.NodeID >= s.nodeID || s.sessionsEqualLocked(snap.Session) {
			return false, s.snapshotLocked()
		}
	}
	log.Warn().
		Str("peer", snap.NodeID).
		Uint64("local_revision", s.revision).
		Uint64("peer_revision", snap.Revision).
		Msg("local state overwritten by peer snapshot")
	return true, s.loadLocked(snap, snap.NodeID)
}

// sessionsEqualLocked compares sessions by their canonical JSON. Only
// consulted on the equal-revision path, which is rare.
func (s *Store) sessionsEqualLocked(other *Session) bool {
	a, err1 := json.Marshal(s.session)
	b, err2 := json.Marshal(other)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(a) == string(b)
}
