package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"parapr/internal/session"
)

type sendRequest struct {
	Text string `json:"text"`
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Classifier string `json:"classifier"`
	Sessions   int    `json:"sessions"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeSessionError maps manager errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrUnknownStage),
		errors.Is(err, session.ErrInvalidMode),
		errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrStageRevert):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Classifier: s.classifier,
		Sessions:   s.sessionMgr.Len(),
	})
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	worktrees, err := s.sessionMgr.Worktrees(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, worktrees)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records := s.sessionMgr.List()
	byTicket := make(map[string]session.Record, len(records))
	for _, rec := range records {
		byTicket[rec.ID] = rec
	}
	writeJSON(w, http.StatusOK, byTicket)
}

func (s *Server) handleStartSessions(w http.ResponseWriter, r *http.Request) {
	var tickets []string
	if err := json.NewDecoder(r.Body).Decode(&tickets); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON array of tickets")
		return
	}
	writeJSON(w, http.StatusOK, s.sessionMgr.Start(r.Context(), tickets))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ticket := chi.URLParam(r, "ticket")
	writeJSON(w, http.StatusOK, s.sessionMgr.Start(r.Context(), []string{ticket}))
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	result, err := s.sessionMgr.StartAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKillAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.KillAll(r.Context()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessionMgr.Get(chi.URLParam(r, "ticket"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	lines := s.outputLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = n
	}
	output := s.sessionMgr.Output(chi.URLParam(r, "ticket"), lines)
	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.sessionMgr.Send(r.Context(), chi.URLParam(r, "ticket"), req.Text); err != nil {
		writeJSON(w, http.StatusBadGateway, okResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.sessionMgr.Interrupt(r.Context(), chi.URLParam(r, "ticket")); err != nil {
		writeJSON(w, http.StatusBadGateway, okResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	done, err := strconv.ParseBool(q.Get("done"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "done must be true or false")
		return
	}
	rec, err := s.sessionMgr.MarkStage(chi.URLParam(r, "ticket"), q.Get("stage"), done)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := s.sessionMgr.SetInfo(chi.URLParam(r, "ticket"), q.Get("title"), q.Get("description"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessionMgr.SetMode(chi.URLParam(r, "ticket"), r.URL.Query().Get("mode"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := s.sessionMgr.SetState(chi.URLParam(r, "ticket"), q.Get("state"), q.Get("message"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
