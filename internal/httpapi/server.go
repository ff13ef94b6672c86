package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/boardsync/internal/boardsync"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerUnitOfWork    = "X-Unit-Of-Work"
	headerTimestamp     = "X-Boardsync-Timestamp"
	headerSignature     = "X-Boardsync-Signature"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	// StreamBuffer is the number of pending events a websocket subscriber
	// may hold before it is disconnected.
	StreamBuffer int
	StreamWriteTimeout time.Duration
	// Gatherer backs /metrics. Nil uses the default prometheus registry.
	Gatherer prometheus.Gatherer
	Logger   log.FieldLogger
}

type Server struct {
	engine             *boardsync.Engine
	cfg                ServerConfig
	logger             log.FieldLogger
	rateLimiter        *rateLimiter
	hub                *streamHub
	metrics            http.Handler
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

// rateLimiter keeps one token bucket per board and subject. A bucket holds
// max tokens and refills fully over window.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]*rateEntry
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewServer(engine *boardsync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *boardsync.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]*rateEntry{},
		}
	}
	s := &Server{
		engine:             engine,
		cfg:                cfg,
		logger:             logger.WithField("component", "httpapi"),
		rateLimiter:        limiter,
		hub:                newStreamHub(cfg.StreamBuffer),
		metrics:            promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		internalReplaySeen: map[string]time.Time{},
	}
	engine.Store().AddListener(s.hub)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/internal/notifications" && r.Method == http.MethodPost:
		s.handleNotification(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var boardID, requiredScope, route string
	switch {
	case parts[1] == "boards" && len(parts) == 3 && r.Method == http.MethodGet:
		boardID, requiredScope, route = parts[2], scopeBoardsRead, "board"
	case parts[1] == "boards" && len(parts) == 4 && parts[3] == "changes" && r.Method == http.MethodGet:
		boardID, requiredScope, route = parts[2], scopeBoardsRead, "changes"
	case parts[1] == "boards" && len(parts) == 4 && parts[3] == "stream" && r.Method == http.MethodGet:
		boardID, requiredScope, route = parts[2], scopeBoardsRead, "stream"
	case parts[1] == "admin" && len(parts) == 3 && parts[2] == "boards" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "admin_boards"
	case parts[1] == "admin" && len(parts) == 3 && parts[2] == "correlation" && r.Method == http.MethodGet:
		requiredScope, route = scopeAdminRead, "admin_correlation"
	case parts[1] == "admin" && len(parts) == 5 && parts[2] == "boards" && parts[4] == "rebuild" && r.Method == http.MethodPost:
		boardID, requiredScope, route = parts[3], scopeAdminRebuild, "admin_rebuild"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if route != "admin_boards" && route != "admin_correlation" && strings.TrimSpace(boardID) == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, boardID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := boardID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds() / float64(s.rateLimiter.max)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "board":
		s.handleBoard(w, r, boardID, correlationID)
	case "changes":
		s.handleChanges(w, r, boardID, correlationID)
	case "stream":
		s.handleStream(w, r, boardID, correlationID)
	case "admin_boards":
		writeJSON(w, http.StatusOK, map[string]any{"boards": s.engine.Store().Boards()})
	case "admin_correlation":
		writeJSON(w, http.StatusOK, map[string]int{"activeSlots": s.engine.ActiveSlots()})
	case "admin_rebuild":
		s.handleRebuild(w, r, boardID, correlationID)
	}
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	ctx := r.Context()
	if unit := strings.TrimSpace(r.Header.Get(headerUnitOfWork)); unit != "" {
		ctx = boardsync.WithUnitOfWork(ctx, unit)
	}
	result, err := s.engine.Ingest(ctx, body)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"id":         result.ID,
		"unitOfWork": result.UnitOfWork,
		"type":       result.Type,
		"actions":    result.Actions,
		"ignored":    result.Ignored,
	})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	backlog, err := parseOptionalBool(r.URL.Query().Get("backlog"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid backlog parameter", correlationID)
		return
	}
	snap, err := s.engine.GetBoard(r.Context(), boardID, backlog)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	query := r.URL.Query()
	backlog, err := parseOptionalBool(query.Get("backlog"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid backlog parameter", correlationID)
		return
	}
	since, err := parseVersion(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "since must be a non-negative version", correlationID)
		return
	}
	delta, err := s.engine.GetDelta(r.Context(), boardID, since, backlog)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	version, err := s.engine.Rebuild(r.Context(), boardID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	s.logger.WithFields(log.Fields{
		"board":          boardID,
		"version":        version,
		"correlation_id": correlationID,
	}).Info("board rebuilt on request")
	writeJSON(w, http.StatusOK, map[string]any{"boardId": boardID, "version": version})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, boardsync.ErrInvalidInput), errors.Is(err, boardsync.ErrNoUnitOfWork):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, boardsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, boardsync.ErrConflictingAnchors):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, boardsync.ErrMixedProjects), errors.Is(err, boardsync.ErrUnknownProject):
		writeError(w, http.StatusUnprocessableEntity, "unprocessable", err.Error(), correlationID)
	case errors.Is(err, boardsync.ErrSourceUnavailable), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, boardsync.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.WithError(err).WithField("correlation_id", correlationID).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerCorrelationID))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.entries {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.entries, k)
		}
	}
	entry, ok := r.entries[key]
	if !ok {
		every := rate.Every(r.window / time.Duration(r.max))
		entry = &rateEntry{limiter: rate.NewLimiter(every, r.max)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseVersion(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("missing version")
	}
	return strconv.ParseUint(raw, 10, 64)
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}
