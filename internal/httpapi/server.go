package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/conversation"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/reconcile"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/registry"
)

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	MaxBodyBytes int64
}

// Server routes HTTP requests to the coordinator, the registry and the shards.
type Server struct {
	coord    *reconcile.Coordinator
	registry *registry.Registry
	shards   *conversation.Namespace
	cfg      ServerConfig
	schemas  schemas
	hub      *hub
	logger   zerolog.Logger

	unsubscribe func()
}

// NewServer wires a server and subscribes it to the coordinator's events.
func NewServer(coord *reconcile.Coordinator, reg *registry.Registry, shards *conversation.Namespace, cfg ServerConfig, logger zerolog.Logger) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "httpapi").Logger()
	s := &Server{
		coord:    coord,
		registry: reg,
		shards:   shards,
		cfg:      cfg,
		schemas:  compiled,
		hub:      newHub(logger),
		logger:   logger,
	}
	s.unsubscribe = coord.Subscribe(s.hub.publish)
	return s, nil
}

// Close disconnects event subscribers and detaches from the coordinator.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	for i, p := range parts {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid path")
			return
		}
		parts[i] = unescaped
	}

	switch {
	case len(parts) == 2 && parts[1] == "sync":
		if !allow(w, r, http.MethodPost) {
			return
		}
		s.handleSync(w, r)
	case len(parts) == 2 && parts[1] == "events":
		if !allow(w, r, http.MethodGet) {
			return
		}
		s.handleEvents(w, r)
	case len(parts) == 2 && parts[1] == "settings":
		if !allow(w, r, http.MethodGet) {
			return
		}
		s.handleSettings(w, r)
	case len(parts) == 2 && parts[1] == "sessions":
		switch r.Method {
		case http.MethodGet:
			s.handleListSessions(w, r)
		case http.MethodDelete:
			s.handleClearSessions(w, r)
		default:
			allow(w, r, http.MethodGet, http.MethodDelete)
		}
	case len(parts) == 3 && parts[1] == "sessions":
		if !allow(w, r, http.MethodDelete) {
			return
		}
		s.handleRemoveSession(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "sessions" && parts[3] == "title":
		if !allow(w, r, http.MethodPut) {
			return
		}
		s.handleRenameSession(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "chat" && parts[3] == "import":
		if !allow(w, r, http.MethodPost) {
			return
		}
		s.handleImport(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "chat" && parts[3] == "messages":
		if !allow(w, r, http.MethodGet) {
			return
		}
		s.handleMessages(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := s.schemas.validate(syncRequestSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req struct {
		Queue []json.RawMessage `json:"queue"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	// Entries with a sound envelope but an invalid payload go to the
	// coordinator, which reports them as per-item errors.
	records := make([]model.MutationRecord, 0, len(req.Queue))
	for _, raw := range req.Queue {
		rec, err := model.DecodeMutation(raw)
		if err != nil && !model.IsInvalidMutation(err) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		records = append(records, rec)
	}

	res := s.coord.Reconcile(r.Context(), records)
	if res.Replayed {
		w.Header().Set("X-Sync-Replayed", "true")
	}
	// Per-item failures are part of the result, not an HTTP error.
	writeJSON(w, http.StatusOK, res.SyncResponse)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.registry.ListSessions(r.Context())
	if err != nil {
		s.internalError(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	removed, err := s.registry.ClearAllSessions(r.Context())
	if err != nil {
		s.internalError(w, "clear sessions", err)
		return
	}
	s.logger.Info().Int("removed", removed).Msg("sessions cleared")
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request, id string) {
	found, err := s.registry.RemoveSession(r.Context(), id)
	if err != nil {
		s.internalError(w, "remove session", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("session %s not found", id))
		return
	}
	if err := s.shards.Purge(r.Context(), id); err != nil {
		s.internalError(w, "purge conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	found, err := s.registry.UpdateSessionTitle(r.Context(), id, req.Title)
	switch {
	case model.IsInvalidMutation(err):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		s.internalError(w, "rename session", err)
		return
	case !found:
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := s.schemas.validate(importRequestSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req model.ImportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.shards.Get(id).Import(r.Context(), req.Messages)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", id).Msg("import failed")
		status := http.StatusInternalServerError
		if model.IsInvalidMutation(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, model.ImportResponse{Success: false, Error: err.Error()})
		return
	}
	s.logger.Debug().Str("conversation", id).Int("imported", res.Imported).Int("skipped", res.Skipped).Msg("import")
	writeJSON(w, http.StatusOK, model.ImportResponse{Success: true})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, id string) {
	msgs, err := s.shards.Get(id).Messages(r.Context())
	if err != nil {
		s.internalError(w, "read messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	stored, ok, err := s.registry.Settings(r.Context())
	if err != nil {
		s.internalError(w, "read settings", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no settings have been synced")
		return
	}
	writeJSON(w, http.StatusOK, stored.Settings)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal", op+" failed")
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, model.ErrorResponse{Code: code, Message: message})
}
