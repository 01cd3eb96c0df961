// Package server exposes the activities service over HTTP and WebSocket:
// session CRUD and snapshots over REST, live play over the socket hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/engine"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/models"
)

// Actions is what the server needs from an activity engine. All engines
// satisfy it; operations a game does not support come back as
// unsupported_operation.
type Actions interface {
	CreateSession(ctx context.Context, creatorID uuid.UUID, participants []uuid.UUID, config models.SessionConfig) (*models.Session, error)
	Join(ctx context.Context, sessionID, userID uuid.UUID) error
	Leave(ctx context.Context, sessionID, userID uuid.UUID) error
	Ready(ctx context.Context, sessionID, userID uuid.UUID) error
	Unready(ctx context.Context, sessionID, userID uuid.UUID) error
	Submit(ctx context.Context, sessionID, userID uuid.UUID, payload json.RawMessage) error
	ClaimRole(ctx context.Context, sessionID, userID uuid.UUID, role string) error
	ScoreLine(ctx context.Context, sessionID, userID uuid.UUID, lineIndex, score int) error
	Restart(ctx context.Context, sessionID, userID uuid.UUID) (*models.Session, error)
	StateSnapshot(ctx context.Context, sessionID uuid.UUID) (*engine.Snapshot, error)
}

// SessionReader is the slice of the durable store the REST surface reads.
type SessionReader interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	SessionTotals(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error)
}

// Service routes transport traffic to the per-kind engines.
type Service struct {
	hub      *gateway.Hub
	engines  map[models.ActivityKind]Actions
	sessions SessionReader
}

// New creates the transport service.
func New(hub *gateway.Hub, engines map[models.ActivityKind]Actions, sessions SessionReader) *Service {
	return &Service{hub: hub, engines: engines, sessions: sessions}
}

// RegisterRoutes attaches every endpoint to mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{kind}/{session_id}", s.handleWebSocket)
	mux.HandleFunc("POST /api/{kind}/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/{kind}/sessions/{session_id}", s.handleGetSession)
	mux.HandleFunc("GET /api/{kind}/sessions/{session_id}/state", s.handleGetState)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Service) engineFor(kind string) (Actions, models.ActivityKind, bool) {
	k := models.ActivityKind(kind)
	eng, ok := s.engines[k]
	return eng, k, ok
}

// handleWebSocket upgrades a client onto the session hub and routes its
// inbound messages to the engine.
func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
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
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "missing or malformed user_id", http.StatusBadRequest)
		return
	}

	_, err = s.hub.Upgrade(w, r, userID, sessionID,
		func(msg gateway.Inbound) {
			s.handleMessage(eng, msg)
		},
		func(conn *gateway.Conn) {
			// A dropped socket is a leave: presence follows connectivity.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := eng.Leave(ctx, conn.SessionID, conn.UserID); err != nil &&
				!errors.Is(err, activityerr.ErrSessionEnded) &&
				!errors.Is(err, activityerr.ErrSessionNotFound) {
				log.Debug().Err(err).
					Str("session_id", conn.SessionID.String()).
					Str("user_id", conn.UserID.String()).
					Msg("leave on disconnect failed")
			}
		})
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// handleMessage dispatches one inbound socket message.
func (s *Service) handleMessage(eng Actions, msg gateway.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionID, userID := msg.Conn.SessionID, msg.Conn.UserID
	var err error
	switch msg.Type {
	case "join":
		err = eng.Join(ctx, sessionID, userID)
	case "leave":
		err = eng.Leave(ctx, sessionID, userID)
	case "ready":
		err = eng.Ready(ctx, sessionID, userID)
	case "unready":
		err = eng.Unready(ctx, sessionID, userID)
	case "submit":
		err = eng.Submit(ctx, sessionID, userID, msg.Payload)
	case "claim_role":
		var req struct {
			Role string `json:"role"`
		}
		if err = json.Unmarshal(msg.Payload, &req); err == nil {
			err = eng.ClaimRole(ctx, sessionID, userID, req.Role)
		}
	case "score_line":
		var req struct {
			LineIndex int `json:"line_index"`
			Score     int `json:"score"`
		}
		if err = json.Unmarshal(msg.Payload, &req); err == nil {
			err = eng.ScoreLine(ctx, sessionID, userID, req.LineIndex, req.Score)
		}
	case "restart":
		_, err = eng.Restart(ctx, sessionID, userID)
	default:
		err = activityerr.ErrUnsupportedOperation.With("unknown message type %q", msg.Type)
	}

	if err != nil {
		s.sendError(msg.Conn, msg.Type, err)
	}
}

// sendError reports a failed operation back on the same connection.
func (s *Service) sendError(conn *gateway.Conn, op string, err error) {
	code, detail := "internal_error", ""
	var domainErr *activityerr.Error
	if errors.As(err, &domainErr) {
		code, detail = domainErr.Code, domainErr.Detail
	}
	frame, marshalErr := json.Marshal(map[string]string{
		"type":   "error",
		"op":     op,
		"code":   code,
		"detail": detail,
	})
	if marshalErr != nil {
		return
	}
	conn.Send(frame)
	log.Debug().
		Str("op", op).
		Str("code", code).
		Str("session_id", conn.SessionID.String()).
		Msg("operation rejected")
}
