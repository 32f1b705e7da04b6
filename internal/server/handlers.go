package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/supervisor"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Build requests ---

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req protocol.BuildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.BuildResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Session() == "" {
		writeJSON(w, http.StatusBadRequest, protocol.BuildResponse{Error: "sessionId is required"})
		return
	}

	err := s.sup.Submit(supervisor.Submission{
		SessionID: req.Session(),
		Code:      req.Code,
		Language:  req.Language,
	})
	if err != nil {
		writeJSON(w, submitStatus(err), protocol.BuildResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.BuildResponse{Success: true})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrMissingCode), errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrRunAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- Run history ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}

	opts := storage.RunListOptions{
		SessionID: r.URL.Query().Get("session"),
	}
	if outcome := r.URL.Query().Get("outcome"); outcome != "" {
		opts.Outcome = storage.Outcome(outcome)
		if !opts.Outcome.Valid() {
			writeError(w, http.StatusBadRequest, "unknown outcome: "+outcome)
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Misc ---

type languageInfo struct {
	Name   string `json:"name"`
	Image  string `json:"image"`
	Source string `json:"source"`
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	out := make([]languageInfo, 0, len(s.languages))
	for _, name := range s.languages.Names() {
		lang := s.languages[name]
		out = append(out, languageInfo{Name: name, Image: lang.Image, Source: lang.Source})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reg := s.sup.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": reg.SessionCount(),
		"runs":     reg.RunCount(),
	})
}
