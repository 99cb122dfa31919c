package race

import (
	"time"
)

// Flag is a race-control signal state, global or per-sector.
type Flag string

const (
	FlagNone           Flag = "none"
	FlagYellow         Flag = "yellow"
	FlagRed            Flag = "red"
	FlagBlue           Flag = "blue"
	FlagBlackChequered Flag = "black-checkered"
)

// Valid reports whether f is one of the known flag states.
func (f Flag) Valid() bool {
	switch f {
	case FlagNone, FlagYellow, FlagRed, FlagBlue, FlagBlackChequered:
		return true
	}
	return false
}

// RaceStatus is the lifecycle state of the session.
type RaceStatus string

const (
	StatusIdle    RaceStatus = "idle"
	StatusRunning RaceStatus = "running"
	StatusStopped RaceStatus = "stopped"
)

// PenaltyType classifies a sanction recorded against a pilot.
type PenaltyType string

const (
	PenaltyTime         PenaltyType = "time"
	PenaltyDriveThrough PenaltyType = "drive_through"
	PenaltyStopGo       PenaltyType = "stop_go"
)

// Valid reports whether t is a known penalty type.
func (t PenaltyType) Valid() bool {
	switch t {
	case PenaltyTime, PenaltyDriveThrough, PenaltyStopGo:
		return true
	}
	return false
}

// EventType is an open string enum: the constants below are the known
// kinds, but race control may record any free-form incident type.
type EventType string

const (
	EventOutWindowOpen  EventType = "out_window_open"
	EventOutWindowClose EventType = "out_window_close"
	EventOpenInThisLap  EventType = "open_in_this_lap"
	EventDeviceStale    EventType = "device_stale"
)

// Known reports whether t is one of the predeclared event kinds. Unknown
// kinds are still accepted and carried as custom events.
func (t EventType) Known() bool {
	switch t {
	case EventOutWindowOpen, EventOutWindowClose, EventOpenInThisLap, EventDeviceStale:
		return true
	}
	return false
}

// DeviceKind distinguishes the two display hardware roles.
type DeviceKind string

const (
	DeviceSemaphore DeviceKind = "semaphore"
	DeviceSector    DeviceKind = "sector"
)

// Valid reports whether k is a known device kind.
func (k DeviceKind) Valid() bool {
	return k == DeviceSemaphore || k == DeviceSector
}

// SafetyCar is the race-wide intervention state.
type SafetyCar struct {
	Active    bool `json:"active"`
	InThisLap bool `json:"in_this_lap"`
}

// Sector is the flag state of one numbered track segment.
type Sector struct {
	Flag             Flag `json:"flag"`
	MarshalIntervene bool `json:"marshal_intervene"`
}

// Pilot is a registered competitor, keyed by race number.
type Pilot struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Number       string `json:"number"`
	BlueFlag     bool   `json:"blue_flag"`
	RegisteredAt string `json:"registered_at"`
}

// PitBox is a password-protected endpoint for one team's pit location.
// The stored hash replicates with the session so pit auth keeps working
// after a failover; it is redacted from client-facing views.
type PitBox struct {
	PasswordHash string `json:"password_hash,omitempty"`
	LastAction   string `json:"last_action,omitempty"`
	LastNote     string `json:"last_note,omitempty"`
	LastSeen     string `json:"last_seen,omitempty"`
}

// Penalty is a recorded sanction. AmountSeconds is set only for time
// penalties.
type Penalty struct {
	ID            int64       `json:"id"`
	TargetNumber  string      `json:"target_number"`
	Type          PenaltyType `json:"type"`
	AmountSeconds int         `json:"amount_seconds,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	WhoHit        string      `json:"who_hit,omitempty"`
	ContactPerson string      `json:"contact_person,omitempty"`
	Comment       string      `json:"comment,omitempty"`
	CreatedAt     string      `json:"created_at"`
}

// Event is a timestamped incident or mechanical notice, optionally
// scoped to a sector or a pilot.
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"event_type"`
	SectorID  *int      `json:"sector_id,omitempty"`
	Number    string    `json:"number,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt string    `json:"created_at"`
}

// Device is an identified display, keyed by host identifier. SectorID is
// set only for sector displays.
type Device struct {
	Kind     DeviceKind `json:"kind"`
	SectorID *int       `json:"sector_id,omitempty"`
	LastSeen time.Time  `json:"last_seen"`
	Stale    bool       `json:"stale,omitempty"`
}

// Session is the root race-control aggregate. One instance per node,
// owned by the Store; everything outside the Store sees clones.
type Session struct {
	RaceStatus RaceStatus          `json:"race_status"`
	GlobalFlag Flag                `json:"flag"`
	SafetyCar  SafetyCar           `json:"safety_car"`
	Sectors    map[int]*Sector     `json:"sectors"`
	Pilots     map[string]*Pilot   `json:"pilots"`
	PitBoxes   map[string]*PitBox  `json:"pitboxes"`
	Penalties  []Penalty           `json:"penalties"`
	Events     []Event             `json:"events"`
	Devices    map[string]*Device  `json:"devices"`
	UpdatedAt  string              `json:"updated_at"`

	// Counters replicate with the session so ids stay monotonic across
	// a peer overwrite.
	NextPenaltyID int64 `json:"next_penalty_id"`
	NextEventID   int64 `json:"next_event_id"`
}

// NewSession returns a fresh idle session with the given sector ids.
func NewSession(sectorIDs []int) *Session {
	s := &Session{
		RaceStatus:    StatusIdle,
		GlobalFlag:    FlagNone,
		Sectors:       make(map[int]*Sector, len(sectorIDs)),
		Pilots:        make(map[string]*Pilot),
		PitBoxes:      make(map[string]*PitBox),
		Penalties:     []Penalty{},
		Events:        []Event{},
		Devices:       make(map[string]*Device),
		NextPenaltyID: 1,
		NextEventID:   1,
	}
	for _, id := range sectorIDs {
		s.Sectors[id] = &Sector{Flag: FlagNone}
	}
	return s
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := &Session{
		RaceStatus:    s.RaceStatus,
		GlobalFlag:    s.GlobalFlag,
		SafetyCar:     s.SafetyCar,
		Sectors:       make(map[int]*Sector, len(s.Sectors)),
		Pilots:        make(map[string]*Pilot, len(s.Pilots)),
		PitBoxes:      make(map[string]*PitBox, len(s.PitBoxes)),
		Penalties:     make([]Penalty, len(s.Penalties)),
		Events:        make([]Event, len(s.Events)),
		Devices:       make(map[string]*Device, len(s.Devices)),
		UpdatedAt:     s.UpdatedAt,
		NextPenaltyID: s.NextPenaltyID,
		NextEventID:   s.NextEventID,
	}
	for id, sec := range s.Sectors {
		v := *sec
		c.Sectors[id] = &v
	}
	for num, p := range s.Pilots {
		v := *p
		c.Pilots[num] = &v
	}
	for id, b := range s.PitBoxes {
		v := *b
		c.PitBoxes[id] = &v
	}
	copy(c.Penalties, s.Penalties)
	copy(c.Events, s.Events)
	for i := range c.Events {
		if s.Events[i].SectorID != nil {
			id := *s.Events[i].SectorID
			c.Events[i].SectorID = &id
		}
	}
	for host, d := range s.Devices {
		v := *d
		if d.SectorID != nil {
			id := *d.SectorID
			v.SectorID = &id
		}
		c.Devices[host] = &v
	}
	return c
}

// Public returns a clone safe to hand to clients: pit-box password
// hashes are redacted.
func (s *Session) Public() *Session {
	c := s.Clone()
	for _, b := range c.PitBoxes {
		b.PasswordHash = ""
	}
	return c
}

// Snapshot is the full serialized session plus its revision, tagged with
// the id of the node that produced it. It is the unit of peer sync and
// of durable persistence.
type Snapshot struct {
	NodeID   string   `json:"node_id"`
	Revision uint64   `json:"revision"`
	Session  *Session `json:"session"`
}

// Delta names the mutation that produced a commit, for broadcast fanout.
// Origin is empty for local mutations and carries the sending node's id
// when the commit came from a peer snapshot.
type Delta struct {
	Kind    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Origin  string `json:"-"`
}
