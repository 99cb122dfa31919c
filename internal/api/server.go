// Package api is the HTTP boundary of the node: the race-control REST
// surface, the subscriber WebSocket, and the peer sync endpoint. It does
// parameter parsing and error mapping only; every rule lives in the
// store.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/openrace/raceflags/internal/hub"
	"github.com/openrace/raceflags/internal/mesh"
	"github.com/openrace/raceflags/internal/metrics"
	"github.com/openrace/raceflags/internal/race"
)

// Server wires the HTTP routes to the node's components.
type Server struct {
	store *race.Store
	hub   *hub.Hub
	mesh  *mesh.Engine
}

// New creates the API server.
func New(store *race.Store, h *hub.Hub, m *mesh.Engine) *Server {
	return &Server{store: store, hub: h, mesh: m}
}

// Handler returns the full route tree wrapped with permissive CORS;
// consoles are browser pages served from elsewhere on the LAN.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/register_pilot", s.handleRegisterPilot)
	mux.HandleFunc("POST /api/set_flag", s.handleSetFlag)
	mux.HandleFunc("POST /api/start_race", s.handleStartRace)
	mux.HandleFunc("POST /api/stop_race", s.handleStopRace)
	mux.HandleFunc("POST /api/reset_race", s.handleResetRace)
	mux.HandleFunc("POST /api/safety_car/set", s.handleSafetyCar)
	mux.HandleFunc("POST /api/sector/set_flag", s.handleSectorFlag)
	mux.HandleFunc("POST /api/pilot/assign_blue", s.handleAssignBlue)
	mux.HandleFunc("POST /api/pitbox/create", s.handlePitBoxCreate)
	mux.HandleFunc("POST /api/pitbox/send", s.handlePitBoxSend)
	mux.HandleFunc("POST /api/penalty/add", s.handlePenaltyAdd)
	mux.HandleFunc("POST /api/event", s.handleEvent)
	mux.HandleFunc("POST /api/identify_device", s.handleIdentifyDevice)

	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.HandleFunc("/peer_ws", s.mesh.ServePeerWS)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

type stateResponse struct {
	OK       bool          `json:"ok"`
	Revision uint64        `json:"revision"`
	State    *race.Session `json:"state"`
}

func respondSnapshot(w http.ResponseWriter, snap race.Snapshot) {
	respondJSON(w, http.StatusOK, stateResponse{OK: true, Revision: snap.Revision, State: snap.Session.Public()})
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

// respondErr maps the store's error taxonomy onto status codes: auth
// failures are 403, invalid mutations 400, anything else 500.
func respondErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, race.ErrAuthFailed):
		code = http.StatusForbidden
	case errors.Is(err, race.ErrInvalidMutation):
		code = http.StatusBadRequest
	}
	respondJSON(w, code, map[string]any{"ok": false, "detail": err.Error()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondSnapshot(w, s.store.Snapshot())
}

func (s *Server) handleRegisterPilot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.RegisterPilot(r.FormValue("firstName"), r.FormValue("lastName"), r.FormValue("number"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.SetGlobalFlag(race.Flag(r.FormValue("flag")))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleStartRace(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.StartRace()
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleStopRace(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.StopRace()
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleResetRace(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.ResetRace()
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleSafetyCar(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.SetSafetyCar(formBool(r, "active"), formBool(r, "in_this_lap"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleSectorFlag(w http.ResponseWriter, r *http.Request) {
	sectorID, err := strconv.Atoi(r.FormValue("sector_id"))
	if err != nil {
		respondErr(w, fmt.Errorf("%w: sector_id must be an integer", race.ErrInvalidMutation))
		return
	}
	snap, err := s.store.SetSectorFlag(sectorID, race.Flag(r.FormValue("flag")), formBool(r, "marshal_intervene"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleAssignBlue(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.AssignBlueFlag(r.FormValue("number"), formBool(r, "assign"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handlePitBoxCreate(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.CreatePitBox(r.FormValue("box_id"), r.FormValue("password"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handlePitBoxSend(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.PitBoxSend(
		r.FormValue("box_id"),
		r.FormValue("password"),
		r.FormValue("action"),
		r.FormValue("note"),
	)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handlePenaltyAdd(w http.ResponseWriter, r *http.Request) {
	amount := 0
	if v := r.FormValue("amount_seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondErr(w, fmt.Errorf("%w: amount_seconds must be an integer", race.ErrInvalidMutation))
			return
		}
		amount = n
	}
	snap, err := s.store.AddPenalty(race.PenaltyInput{
		TargetNumber:  r.FormValue("target_number"),
		Type:          race.PenaltyType(r.FormValue("penalty_type")),
		AmountSeconds: amount,
		Reason:        r.FormValue("reason"),
		WhoHit:        r.FormValue("who_hit"),
		ContactPerson: r.FormValue("contact_person"),
		Comment:       r.FormValue("comment"),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var sectorID *int
	if v := r.FormValue("sector_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondErr(w, fmt.Errorf("%w: sector_id must be an integer", race.ErrInvalidMutation))
			return
		}
		sectorID = &n
	}
	snap, err := s.store.AddEvent(race.EventInput{
		Type:     race.EventType(r.FormValue("event_type")),
		SectorID: sectorID,
		Number:   r.FormValue("number"),
		Details:  r.FormValue("details"),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleIdentifyDevice(w http.ResponseWriter, r *http.Request) {
	var sectorID *int
	if v := r.FormValue("sector_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondErr(w, fmt.Errorf("%w: sector_id must be an integer", race.ErrInvalidMutation))
			return
		}
		sectorID = &n
	}
	snap, err := s.store.IdentifyDevice(r.FormValue("host"), race.DeviceKind(r.FormValue("kind")), sectorID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondSnapshot(w, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"node_id":     s.store.NodeID(),
		"subscribers": s.hub.Count(),
		"peer_links":  s.mesh.LinkCount(),
		"peers":       s.mesh.PeerStates(),
	})
}

// handleIndex serves a minimal operator page: the current state as JSON.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	state, err := json.MarshalIndent(snap.Session.Public(), "", "  ")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h3>Race Backend (revision %d)</h3><pre>%s</pre></body></html>", snap.Revision, state)
}

// formBool parses the 0/1 flags the consoles post.
func formBool(r *http.Request, key string) bool {
	switch r.FormValue(key) {
	case "1", "true", "on":
		return true
	}
	return false
}
