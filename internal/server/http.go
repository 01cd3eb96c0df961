package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/models"
)

// createSessionRequest is the REST body for POST /api/{kind}/sessions.
type createSessionRequest struct {
	CreatorID    uuid.UUID            `json:"creator_id"`
	Participants []uuid.UUID          `json:"participants"`
	Config       models.SessionConfig `json:"config"`
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	eng, _, ok := s.engineFor(r.PathValue("kind"))
	if !ok {
		http.Error(w, "unknown activity kind", http.StatusNotFound)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	session, err := eng.CreateSession(r.Context(), req.CreatorID, req.Participants, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// sessionResponse is the durable record plus the ledger-derived totals.
type sessionResponse struct {
	Session *models.Session `json:"session"`
	Totals  map[string]int  `json:"totals"`
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		http.Error(w, "malformed session id", http.StatusBadRequest)
		return
	}
	session, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	totals, err := s.sessions.SessionTotals(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := sessionResponse{Session: session, Totals: make(map[string]int, len(totals))}
	for userID, total := range totals {
		resp.Totals[userID.String()] = total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleGetState(w http.ResponseWriter, r *http.Request) {
	eng, _, ok := s.engineFor(r.PathValue("kind"))
	if !ok {
		http.Error(w, "unknown activity kind", http.StatusNotFound)
		return
	}
	sessionID, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		http.Error(w, "malformed session id", http.StatusBadRequest)
		return
	}
	snap, err := eng.StateSnapshot(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response encoding failed")
	}
}

// writeError maps the domain error taxonomy to HTTP statuses while
// keeping the stable code in the body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code, detail := "internal_error", ""

	var domainErr *activityerr.Error
	if errors.As(err, &domainErr) {
		code, detail = domainErr.Code, domainErr.Detail
		switch {
		case errors.Is(err, activityerr.ErrSessionNotFound),
			errors.Is(err, activityerr.ErrSessionStateMissing):
			status = http.StatusNotFound
		case errors.Is(err, activityerr.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, activityerr.ErrStateConflict),
			errors.Is(err, activityerr.ErrRoleTaken),
			errors.Is(err, activityerr.ErrSessionEnded):
			status = http.StatusConflict
		default:
			status = http.StatusBadRequest
		}
	} else {
		log.Error().Err(err).Msg("request failed")
	}

	writeJSON(w, status, map[string]string{"code": code, "detail": detail})
}
