package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusconnect/activities/internal/activityerr"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", activityerr.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{"state missing", activityerr.ErrSessionStateMissing, http.StatusNotFound, "session_state_missing"},
		{"rate limited", activityerr.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"conflict", activityerr.ErrStateConflict, http.StatusConflict, "state_conflict"},
		{"role taken", activityerr.ErrRoleTaken, http.StatusConflict, "role_taken"},
		{"ended", activityerr.ErrSessionEnded, http.StatusConflict, "session_ended"},
		{"domain default", activityerr.ErrNotYourTurn, http.StatusBadRequest, "not_your_turn"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}

func TestWriteErrorKeepsDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, activityerr.ErrInvalidMove.With("unknown move %q", "lizard"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_move", body["code"])
	assert.Equal(t, `unknown move "lizard"`, body["detail"])
}
