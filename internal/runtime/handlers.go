package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/orchestrator"
	"github.com/szaher/council/internal/store"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var params orchestrator.CreateParams
	if err := decodeJSON(w, r, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	sess, err := s.orc.CreateSession(r.Context(), params)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var filter store.ListFilter
	if state := r.URL.Query().Get("state"); state != "" {
		st := council.SessionState(state)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown state "+strconv.Quote(state))
			return
		}
		filter.State = st
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	sessions, err := s.orc.ListSessions(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.orc.GetRounds(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rounds": rounds,
		"count":  len(rounds),
	})
}

func (s *Server) handleExecuteRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.orc.ExecuteRound(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// autoRequest is the body for auto and resume. Rounds omitted or zero
// means the session's remaining budget.
type autoRequest struct {
	Rounds int `json:"rounds"`
}

func (s *Server) handleStartAuto(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rounds, err := s.segmentRounds(w, r, id)
	if err != nil {
		return
	}
	sess, err := s.orc.StartAuto(r.Context(), id, rounds)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orc.PauseAuto(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rounds, err := s.segmentRounds(w, r, id)
	if err != nil {
		return
	}
	sess, err := s.orc.ResumeAuto(r.Context(), id, rounds)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// segmentRounds reads the optional auto/resume body and defaults the
// segment budget to the session's remaining rounds. A session with no
// budget left gets 1 so the state machine reports the real conflict.
// A write to w has already happened when err is non-nil.
func (s *Server) segmentRounds(w http.ResponseWriter, r *http.Request, id string) (int, error) {
	var req autoRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return 0, err
	}
	if req.Rounds > 0 {
		return req.Rounds, nil
	}
	sess, err := s.orc.GetSession(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return 0, err
	}
	if remaining := sess.RoundsRemaining(); remaining > 0 {
		return remaining, nil
	}
	return 1, nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orc.StopSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type buttInRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleButtIn(w http.ResponseWriter, r *http.Request) {
	var req buttInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	sess, err := s.orc.SubmitButtIn(r.Context(), r.PathValue("id"), req.Message)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// writeEngineError maps engine error types onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		validation *council.ValidationError
		notFound   *council.NotFoundError
		state      *council.InvalidStateError
		concurrent *council.ConcurrentExecutionError
		persist    *council.PersistenceError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &state):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.As(err, &concurrent):
		writeError(w, http.StatusConflict, "concurrent_execution", err.Error())
	case errors.As(err, &persist):
		writeError(w, http.StatusInternalServerError, "persistence_failure", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
