package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/incidentdedup/internal/db"
	"horse.fit/incidentdedup/internal/globaltime"
	"horse.fit/incidentdedup/internal/metrics"
	"horse.fit/incidentdedup/internal/pipeline"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
	maxListOffset    = 1_000_000
)

type Options struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
	// OperatorTokenHash is the bcrypt hash guarding write endpoints. Empty
	// disables them.
	OperatorTokenHash string
}

// Store is the read side the API serves from.
type Store interface {
	Ping(ctx context.Context) error
	QueryDedupStats(ctx context.Context) (*db.DedupStats, error)
	ListCanonicalEvents(ctx context.Context, opts db.CanonicalListOptions) ([]db.CanonicalSummary, error)
	GetCanonicalDetail(ctx context.Context, canonicalID string) (*db.CanonicalDetail, error)
	ListDedupRuns(ctx context.Context, limit int) ([]db.RunSummary, error)
}

// Merger performs operator merges.
type Merger interface {
	ManualMerge(ctx context.Context, req pipeline.ManualMergeRequest) (pipeline.ManualMergeResult, error)
}

type Server struct {
	store   Store
	merger  Merger
	metrics *metrics.Manager
	logger  zerolog.Logger
	opts    Options
}

func NewServer(store Store, merger Merger, m *metrics.Manager, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		store:   store,
		merger:  merger,
		metrics: m,
		logger:  logger,
		opts: Options{
			Host:               host,
			Port:               port,
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			ShutdownTimeout:    shutdownTimeout,
			CORSAllowedOrigins: opts.CORSAllowedOrigins,
			OperatorTokenHash:  strings.TrimSpace(opts.OperatorTokenHash),
		},
	}
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	origins := s.opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", echo.HeaderAuthorization, operatorHeader},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			s.metrics.ObserveHTTP(v.Method, route, v.Status, v.Latency)

			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/canonical-events", s.handleCanonicalEvents)
	api.GET("/canonical-events/:canonical_id", s.handleCanonicalDetail)
	api.GET("/runs", s.handleRuns)
	api.POST("/canonical-events/merge", s.handleManualMerge, s.requireOperator())

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().
		Str("addr", addr).
		Bool("writes_enabled", s.opts.OperatorTokenHash != "").
		Msg("incidentdedup api started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("incidentdedup api stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if strings.HasPrefix(c.Request().URL.Path, "/api/") {
		if status >= 500 {
			_ = internalError(c, "Internal server error")
			return
		}
		_ = fail(c, status, message, nil)
		return
	}

	_ = c.String(status, message)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("health check failed")
		return serverError(c, http.StatusServiceUnavailable, "Database unavailable")
	}
	return success(c, map[string]any{
		"service": "incidentdedup",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.QueryDedupStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleCanonicalEvents(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), db.DefaultListLimit, 1, db.MaxListLimit)
	if err != nil {
		return failValidation(c, "limit", err.Error())
	}
	offset, err := parsePositiveInt(c.QueryParam("offset"), 0, 0, maxListOffset)
	if err != nil {
		return failValidation(c, "offset", err.Error())
	}

	opts := db.NormalizeListOptions(db.CanonicalListOptions{
		Status:    c.QueryParam("status"),
		EventType: c.QueryParam("event_type"),
		Query:     c.QueryParam("q"),
		Limit:     limit,
		Offset:    offset,
	})
	if opts.Status != "" && opts.Status != "active" && opts.Status != "superseded" {
		return failValidation(c, "status", "must be active or superseded")
	}

	items, err := s.store.ListCanonicalEvents(c.Request().Context(), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("list canonical events failed")
		return internalError(c, "Failed to load canonical events")
	}

	return success(c, map[string]any{
		"items": items,
		"pagination": map[string]any{
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
		"filters": map[string]any{
			"status":     opts.Status,
			"event_type": opts.EventType,
			"q":          opts.Query,
		},
	})
}

func (s *Server) handleCanonicalDetail(c echo.Context) error {
	canonicalID := strings.TrimSpace(c.Param("canonical_id"))
	if !isUUID(canonicalID) {
		return failValidation(c, "canonical_id", "must be a UUID")
	}

	detail, err := s.store.GetCanonicalDetail(c.Request().Context(), canonicalID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return failNotFound(c, "Canonical event")
		}
		s.logger.Error().Err(err).Str("canonical_id", canonicalID).Msg("load canonical detail failed")
		return internalError(c, "Failed to load canonical event")
	}
	return success(c, detail)
}

func (s *Server) handleRuns(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultRunsLimit, 1, maxRunsLimit)
	if err != nil {
		return failValidation(c, "limit", err.Error())
	}

	runs, err := s.store.ListDedupRuns(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list dedup runs failed")
		return internalError(c, "Failed to load runs")
	}
	return success(c, map[string]any{
		"items": runs,
		"limit": limit,
	})
}

type manualMergeRequest struct {
	CanonicalIDs []string `json:"canonical_ids"`
	Reason       string   `json:"reason"`
}

func (s *Server) handleManualMerge(c echo.Context) error {
	if s.merger == nil {
		return internalError(c, "Manual merge is not configured")
	}

	var req manualMergeRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, "body", "must be a JSON object")
	}
	if len(req.CanonicalIDs) < 2 {
		return failValidation(c, "canonical_ids", "at least two ids are required")
	}
	for _, id := range req.CanonicalIDs {
		if !isUUID(strings.TrimSpace(id)) {
			return failValidation(c, "canonical_ids", "must contain UUIDs")
		}
	}

	operator, _ := operatorFromContext(c)
	result, err := s.merger.ManualMerge(c.Request().Context(), pipeline.ManualMergeRequest{
		CanonicalIDs: req.CanonicalIDs,
		Reason:       req.Reason,
		Operator:     operator,
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInvalidInput):
			return failValidation(c, "canonical_ids", err.Error())
		case errors.Is(err, db.ErrNotFound):
			return failNotFound(c, "Canonical event")
		case errors.Is(err, pipeline.ErrConflict):
			return failConflict(c, "Canonical events cannot be merged", err)
		}
		s.logger.Error().Err(err).Strs("canonical_ids", req.CanonicalIDs).Msg("manual merge failed")
		return internalError(c, "Failed to merge canonical events")
	}

	return created(c, result)
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}
