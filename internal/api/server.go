// Package api implements the HTTP surface: webhook intake, event CRUD
// and state transitions, context checking, chat, backup management and
// the websocket upgrade for the browser extension.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Akshat74747/argus/internal/aicache"
	"github.com/Akshat74747/argus/internal/buildinfo"
	"github.com/Akshat74747/argus/internal/contextmatch"
	"github.com/Akshat74747/argus/internal/ingest"
	"github.com/Akshat74747/argus/internal/llm"
	"github.com/Akshat74747/argus/internal/push"
	"github.com/Akshat74747/argus/internal/sched"
	"github.com/Akshat74747/argus/internal/store"
	"github.com/Akshat74747/argus/internal/tier"
)

// Request deadlines per endpoint class.
const (
	webhookDeadline      = 45 * time.Second
	chatDeadline         = 30 * time.Second
	contextCheckDeadline = 15 * time.Second

	// importBodyLimit bounds backup uploads.
	importBodyLimit = 50 << 20
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps carries the services the server fronts.
type Deps struct {
	Store     *store.Store
	Pipeline  *ingest.Service
	Matcher   *contextmatch.Matcher
	Scheduler *sched.Scheduler
	Tiers     *tier.Orchestrator
	Cache     *aicache.Cache
	Assist    *llm.Assist
	Hub       *push.Hub
	Logger    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	dataDir string

	store     *store.Store
	pipeline  *ingest.Service
	matcher   *contextmatch.Matcher
	scheduler *sched.Scheduler
	tiers     *tier.Orchestrator
	cache     *aicache.Cache
	assist    *llm.Assist
	hub       *push.Hub
	logger    *slog.Logger

	server *http.Server

	// now is swappable for tests.
	now func() time.Time
}

// NewServer creates the API server. dataDir locates the backup
// directory for the restore endpoints.
func NewServer(address string, port int, dataDir string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		dataDir:   dataDir,
		store:     deps.Store,
		pipeline:  deps.Pipeline,
		matcher:   deps.Matcher,
		scheduler: deps.Scheduler,
		tiers:     deps.Tiers,
		cache:     deps.Cache,
		assist:    deps.Assist,
		hub:       deps.Hub,
		logger:    logger,
		now:       time.Now,
	}
}

// Handler builds the route table. Exposed separately from Start so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Ingestion and analysis
	mux.HandleFunc("POST /api/webhook/", s.handleWebhook)
	mux.HandleFunc("POST /api/webhook", s.handleWebhook)
	mux.HandleFunc("POST /api/context-check", s.handleContextCheck)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/form-check", s.handleFormCheck)

	// Events
	mux.HandleFunc("GET /api/events", s.handleEventList)
	mux.HandleFunc("GET /api/events/day/{ts}", s.handleEventsForDay)
	mux.HandleFunc("GET /api/events/status/{status}", s.handleEventsByStatus)
	mux.HandleFunc("GET /api/events/{id}", s.handleEventGet)
	mux.HandleFunc("PATCH /api/events/{id}", s.handleEventPatch)
	mux.HandleFunc("DELETE /api/events/{id}", s.handleEventDelete)
	mux.HandleFunc("GET /api/events/{id}/triggers", s.handleEventTriggers)
	mux.HandleFunc("POST /api/events/{id}/{op}", s.handleEventOp)

	// Introspection
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ai-status", s.handleAIStatus)
	mux.HandleFunc("GET /api/contacts", s.handleContacts)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	// Push
	mux.HandleFunc("POST /api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("GET /ws", s.hub.HandleUpgrade)

	// Backups
	mux.HandleFunc("GET /api/backup/export", s.handleBackupExport)
	mux.HandleFunc("GET /api/backup/list", s.handleBackupList)
	mux.HandleFunc("POST /api/backup/import", s.handleBackupImport)
	mux.HandleFunc("POST /api/backup/restore/{filename}", s.handleBackupRestore)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: the websocket endpoint holds its connection open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.New().String()[:8]
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, s.logger)
}

// eventID extracts the {id} path value.
func (s *Server) eventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid event id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Stats(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.tiers.Status()
	writeJSON(w, map[string]any{
		"status":        "ok",
		"aiTier":        status["tier"],
		"pushConnected": s.hub.Connected(),
		"scheduler": map[string]any{
			"retryQueueSize":      s.scheduler.RetryQueueSize(),
			"failedReminderCount": s.scheduler.FailedReminderCount(),
		},
		"matchCache": s.matcher.CacheStats(),
	}, s.logger)
}

func (s *Server) handleAIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"tier":  s.tiers.Status(),
		"cache": s.cache.Stats(),
	}, s.logger)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	contacts := s.store.ListContacts(limit)
	writeJSON(w, map[string]any{"contacts": contacts, "count": len(contacts)}, s.logger)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string          `json:"endpoint"`
		Keys     json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		s.errorResponse(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	id := s.store.SavePushSubscription(req.Endpoint, string(req.Keys))
	if id < 0 {
		s.errorResponse(w, http.StatusInternalServerError, "subscription not saved")
		return
	}
	writeJSON(w, map[string]any{"id": id, "saved": true}, s.logger)
}
