package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-ranking/docs"
	"github.com/tributary-ai/provider-ranking/internal/broadcast"
	"github.com/tributary-ai/provider-ranking/internal/middleware"
	"github.com/tributary-ai/provider-ranking/internal/ranking"
	"github.com/tributary-ai/provider-ranking/internal/security"
	"github.com/tributary-ai/provider-ranking/internal/telemetry"
	"github.com/tributary-ai/provider-ranking/internal/types"
)

const (
	defaultHistoryLimit = 10
	maxBatchSize        = 1000
)

// Server represents the HTTP server
type Server struct {
	engine     *ranking.Engine
	telemetry  *telemetry.Metrics
	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig
	security   *middleware.SecurityMiddleware
	validator  *middleware.ValidationMiddleware
	handler    http.Handler
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
	Validation     *middleware.ValidationConfig         `yaml:"validation"`
	WebSocket      broadcast.WSConfig                   `yaml:"websocket"`
}

// NewServer creates a new server instance. metrics may be nil, in which
// case /metrics is not served.
func NewServer(engine *ranking.Engine, metrics *telemetry.Metrics, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	securityConfig := config.Security
	if securityConfig == nil {
		securityConfig = &middleware.SecurityMiddlewareConfig{}
	}

	validator, err := middleware.NewValidationMiddleware(config.Validation, docs.OpenAPIYAML, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}

	s := &Server{
		engine:    engine,
		telemetry: metrics,
		logger:    logger,
		config:    config,
		security:  middleware.NewSecurityMiddleware(securityConfig, logger),
		validator: validator,
	}
	s.handler = s.setupRoutes()
	return s, nil
}

// Handler returns the fully wired HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting provider ranking server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping provider ranking server")
	s.security.Stop()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes. Mutating routes pass the
// security chain before validation; reads and the stream are open.
func (s *Server) setupRoutes() http.Handler {
	r := mux.NewRouter()

	read := func(h http.HandlerFunc) http.Handler {
		return s.validator.Middleware(h)
	}
	write := func(h http.HandlerFunc) http.Handler {
		return s.security.Handler()(s.validator.Middleware(h))
	}

	api := r.PathPrefix("/v1").Subrouter()

	api.Handle("/providers", read(s.handleListProviders)).Methods(http.MethodGet)
	api.Handle("/providers", write(s.handleRegisterProvider)).Methods(http.MethodPost)
	api.Handle("/providers/{provider_id}", read(s.handleGetProvider)).Methods(http.MethodGet)
	api.Handle("/providers/{provider_id}/status", write(s.handleUpdateStatus)).Methods(http.MethodPut)
	api.Handle("/providers/{provider_id}/outcomes", write(s.handleRecordOutcomes)).Methods(http.MethodPost)
	api.Handle("/providers/{provider_id}/metrics", read(s.handleProviderMetrics)).Methods(http.MethodGet)

	api.Handle("/rankings", read(s.handleRankings)).Methods(http.MethodGet)
	api.Handle("/rankings/history", read(s.handleRankingHistory)).Methods(http.MethodGet)
	api.Handle("/rankings/recompute", write(s.handleRecompute)).Methods(http.MethodPost)
	api.Handle("/analytics", read(s.handleAnalytics)).Methods(http.MethodGet)

	api.Handle("/subscribers/{subscriber_id}", write(s.handleUnsubscribe)).Methods(http.MethodDelete)
	api.Handle("/stream", broadcast.NewWSHandler(s.engine.Hub(), s.initialMessage, s.config.WebSocket, s.logger)).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	if s.telemetry != nil {
		r.Handle("/metrics", s.telemetry.Handler()).Methods(http.MethodGet)
	}
	s.setupSwaggerRoutes(r)

	// CORS wraps the router so preflight requests never reach method matching
	return s.security.CORSMiddleware()(s.loggingMiddleware(r))
}

func (s *Server) initialMessage() broadcast.Message {
	return broadcast.SnapshotMessage(broadcast.MessageSnapshot, s.engine.GetCurrentRankings(), time.Now().UTC())
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Debug("HTTP request")
	})
}

// Handlers

type registerRequest struct {
	ProviderID string `json:"provider_id"`
	Status     string `json:"status,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type outcomesResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.engine.Providers(),
	})
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON in request body")
		return
	}

	var status types.ProviderStatus
	if req.Status != "" {
		parsed, err := types.ParseStatus(req.Status)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		status = parsed
	}

	created, err := s.engine.RegisterProvider(req.ProviderID, status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	info, err := s.engine.Provider(req.ProviderID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	s.writeJSON(w, code, info)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["provider_id"]

	info, err := s.engine.Provider(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	changes, err := s.engine.StatusHistory(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":       info,
		"status_history": changes,
	})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["provider_id"]

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON in request body")
		return
	}

	status, err := types.ParseStatus(req.Status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	// The recompute and broadcast must finish even if the caller goes away
	change, err := s.engine.UpdateProviderStatus(context.WithoutCancel(r.Context()), id, status, req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleRecordOutcomes(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["provider_id"]

	batch, err := decodeOutcomes(r.Body)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	now := time.Now()
	resp := outcomesResponse{}
	var firstErr error
	for i := range batch {
		if err := s.engine.RecordOutcome(id, batch[i].ToRecord(now)); err != nil {
			// An unknown or invalid provider applies to the whole batch
			if errors.Is(err, types.ErrProviderNotFound) || errors.Is(err, types.ErrInvalidProviderID) {
				s.writeEngineError(w, err)
				return
			}
			if firstErr == nil {
				firstErr = err
			}
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("outcome %d: %v", i, err))
			continue
		}
		resp.Accepted++
	}

	if resp.Accepted == 0 && firstErr != nil {
		s.writeEngineError(w, firstErr)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// decodeOutcomes accepts either one outcome object or an array of them
func decodeOutcomes(body io.Reader) ([]types.OutcomeRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, errors.New("invalid JSON in request body")
	}

	var batch []types.OutcomeRequest
	if isJSONArray(raw) {
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, errors.New("invalid outcome batch")
		}
	} else {
		var single types.OutcomeRequest
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, errors.New("invalid outcome")
		}
		batch = append(batch, single)
	}

	if len(batch) == 0 {
		return nil, errors.New("outcome batch is empty")
	}
	if len(batch) > maxBatchSize {
		return nil, fmt.Errorf("outcome batch exceeds %d records", maxBatchSize)
	}
	return batch, nil
}

func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func (s *Server) handleProviderMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.GetProviderMetrics(mux.Vars(r)["provider_id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetCurrentRankings())
}

func (s *Server) handleRankingHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		limit = n
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": s.engine.History(limit),
	})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Recompute(context.WithoutCancel(r.Context()))
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Analytics())
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.engine.Unsubscribe(mux.Vars(r)["subscriber_id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.GetCurrentRankings()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"timestamp":        time.Now().Unix(),
		"snapshot_version": snap.Version,
		"ranked_providers": len(snap.Rankings),
		"providers":        len(s.engine.Providers()),
		"subscribers":      s.engine.Hub().Count(),
	})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrProviderNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "not_found_error", err.Error())
	case errors.Is(err, types.ErrMalformedRecord),
		errors.Is(err, types.ErrInvalidStatus),
		errors.Is(err, types.ErrInvalidProviderID):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		s.logger.WithError(err).Error("Unhandled engine error")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errType, message string) {
	security.WriteError(w, statusCode, errType, message)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade reach the underlying connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}
