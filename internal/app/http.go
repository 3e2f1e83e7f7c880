package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"cosession/api/internal/broadcast"
	"cosession/api/internal/collab"
	"cosession/api/internal/presence"
	"cosession/api/internal/realtime"
)

// ParticipantHeader names the acting participant on every session call.
// Host-only operations re-check it against the stored session.
const ParticipantHeader = "X-Participant-ID"

// CleanupScheduler queues a background cleanup for one session.
type CleanupScheduler interface {
	EnqueueCleanup(ctx context.Context, sessionID string) error
}

type HTTPServer struct {
	service    *collab.Service
	tracker    *presence.Tracker
	realtime   *realtime.Handler
	redis      *redis.Client
	cleanup    CleanupScheduler
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

type Option func(*HTTPServer)

// WithRedis adds Redis to the readiness checks.
func WithRedis(client *redis.Client) Option {
	return func(s *HTTPServer) { s.redis = client }
}

// WithCleanupScheduler hands cleanup requests to a background queue instead
// of running them inline.
func WithCleanupScheduler(scheduler CleanupScheduler) Option {
	return func(s *HTTPServer) { s.cleanup = scheduler }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *HTTPServer) { s.maxBody = n }
}

func NewHTTPServer(service *collab.Service, tracker *presence.Tracker, rt *realtime.Handler, corsOrigin string, logger *slog.Logger, opts ...Option) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{
		service:    service,
		tracker:    tracker,
		realtime:   rt,
		corsOrigin: corsOrigin,
		maxBody:    collab.DefaultMaxContentBytes + 64<<10,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	sessions := api.PathPrefix("/sessions/{id}").Subrouter()
	sessions.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)
	sessions.HandleFunc("/leave", s.handleLeave).Methods(http.MethodPost)
	sessions.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	sessions.HandleFunc("/content", s.handlePersistContent).Methods(http.MethodPut)
	sessions.HandleFunc("/permission/request", s.handleRequestPermission).Methods(http.MethodPost)
	sessions.HandleFunc("/permission/respond", s.handleRespondPermission).Methods(http.MethodPost)
	sessions.HandleFunc("/permission", s.handleSetPermission).Methods(http.MethodPut)
	sessions.HandleFunc("/lock", s.handleAcquireLock).Methods(http.MethodPost)
	sessions.HandleFunc("/lock", s.handleReleaseLock).Methods(http.MethodDelete)
	sessions.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	sessions.HandleFunc("/ws", s.handleSubscribe).Methods(http.MethodGet)
	sessions.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statusCode := http.StatusOK
	checks := map[string]any{}
	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	check("database", s.service.Ping)
	if s.redis != nil {
		check("redis", func(ctx context.Context) error { return s.redis.Ping(ctx).Err() })
	}

	status := "ready"
	if statusCode != http.StatusOK {
		status = "not_ready"
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     statusCode == http.StatusOK,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body collab.CreateSessionInput
	if !s.decode(w, r, &body) {
		return
	}
	snapshot, err := s.service.CreateSession(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body collab.JoinInput
	if !s.decode(w, r, &body) {
		return
	}
	participant, err := s.service.JoinSession(r.Context(), sessionID(r), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

func (s *HTTPServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.service.LeaveSession(r.Context(), sessionID(r), actor(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.service.GetState(r.Context(), sessionID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handlePersistContent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.PersistContent(r.Context(), sessionID(r), actor(r), body.Content)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	participant, err := s.service.RequestEditPermission(r.Context(), sessionID(r), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

func (s *HTTPServer) handleRespondPermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetID string `json:"targetId"`
		Approved bool   `json:"approved"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	participant, err := s.service.RespondToPermissionRequest(r.Context(), sessionID(r), actor(r), body.TargetID, body.Approved)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

func (s *HTTPServer) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetID string `json:"targetId"`
		Enabled  bool   `json:"enabled"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	participant, err := s.service.SetEditPermission(r.Context(), sessionID(r), actor(r), body.TargetID, body.Enabled)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

func (s *HTTPServer) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.AcquireLock(r.Context(), sessionID(r), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.ReleaseLock(r.Context(), sessionID(r), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, err := s.service.GetState(r.Context(), sessionID(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	records, err := s.tracker.Snapshot(r.Context(), sessionID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": records})
}

// handleSubscribe upgrades to a WebSocket. Browsers cannot set headers on
// the upgrade request, so the participant comes from the query string.
func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participantId")
	if participantID == "" {
		participantID = actor(r)
	}
	categories, err := parseCategories(r.URL.Query().Get("categories"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]string{"field": "categories"})
		return
	}
	participant, err := s.service.GetParticipant(r.Context(), sessionID(r), participantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.realtime.Serve(w, r, participant, categories)
}

// handleCleanup is best-effort and always answers 202.
func (s *HTTPServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if s.cleanup != nil {
		if err := s.cleanup.EnqueueCleanup(r.Context(), id); err != nil {
			s.logger.Warn("enqueue cleanup", "session_id", id, "error", err)
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}
	reset := s.service.CleanupExpired(r.Context(), id)
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": false, "reset": reset})
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	var domainErr *collab.DomainError
	if errors.As(err, &domainErr) {
		if cooldown, ok := domainErr.Details.(collab.CooldownDetails); ok {
			w.Header().Set("Retry-After", strconv.Itoa(cooldown.RemainingSeconds))
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack records 101 only once the connection is actually taken over. An
// upgrade the upgrader rejects goes through WriteHeader and keeps its 4xx.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Participant-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func sessionID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ParticipantHeader))
}

func parseCategories(raw string) ([]broadcast.Category, error) {
	if raw == "" {
		return nil, nil
	}
	var categories []broadcast.Category
	for _, part := range strings.Split(raw, ",") {
		category, err := broadcast.ParseCategory(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		categories = append(categories, category)
	}
	return categories, nil
}
