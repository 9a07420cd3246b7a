package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"healthsense/api"
	"healthsense/cache"
	"healthsense/identity"
	"healthsense/models"
	"healthsense/poller"
	"healthsense/services"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	defaultRange    = "24h"
)

// RecordSource is the synchronizer as seen by the HTTP layer.
type RecordSource interface {
	State() poller.State
	Refresh(ctx context.Context) error
}

type ProfileSource interface {
	Profile(ctx context.Context) (*models.Profile, error)
	Timezones(ctx context.Context) ([]string, error)
}

type DeviceLister interface {
	Devices() []models.DeviceHealth
}

// Session reports the signed-in user, nil once signed out.
type Session interface {
	CurrentUser() *identity.User
}

type StatsProvider interface {
	Stats() cache.Stats
}

// InsightsEntry is a cached insights result tagged with the record version
// it was computed from.
type InsightsEntry struct {
	Version  uint64             `json:"version"`
	Insights *services.Insights `json:"insights"`
}

// Deps are the collaborators behind the routes. Only Records is required.
// The profile, device and WebSocket routes answer 404 when their dependency
// is unset.
type Deps struct {
	UserID     string
	Locale     string
	Thresholds services.Thresholds

	Records  RecordSource
	Profile  ProfileSource
	Devices  DeviceLister
	Insights cache.Store[InsightsEntry]
	Caches   []StatsProvider
	Session  Session
	Hub      *Hub
}

type Server struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
	router chi.Router
	srv    *http.Server
}

func New(deps Deps, logger *zap.Logger) *Server {
	if deps.Locale == "" {
		deps.Locale = api.LocaleEnglish
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.deps.Hub != nil {
		r.Get("/ws", s.deps.Hub.ServeWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(requestTimeout))

		r.Get("/records", s.handleRecords)
		r.Get("/records/export.xlsx", s.handleExport)
		r.Get("/insights", s.handleInsights)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/cache/stats", s.handleCacheStats)
		if s.deps.Profile != nil {
			r.Get("/profile", s.handleProfile)
			r.Get("/timezones", s.handleTimezones)
		}
		if s.deps.Devices != nil {
			r.Get("/devices", s.handleDevices)
		}
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Records.State()
	status := "ok"
	switch {
	case s.deps.Session != nil && s.deps.Session.CurrentUser() == nil:
		status = "signed_out"
	case st.ErrorMessage != "":
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   st.Version,
		"records":   len(st.Records),
		"updatedAt": st.UpdatedAt,
		"error":     st.ErrorMessage,
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Records.State()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(st.Records) {
			st.Records = st.Records[:limit]
		}
	}
	if st.Records == nil {
		st.Records = []models.HealthRecord{}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Records.State()
	loc := s.location(r.Context())
	ins := services.ComputeInsights(st.Records, services.DefaultInsightsWindow, s.now(), s.deps.Thresholds)

	filename := fmt.Sprintf("healthsense-%s.xlsx", s.now().In(loc).Format("20060102-1504"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := services.ExportXLSX(w, st.Records, ins, loc); err != nil {
		s.logger.Error("Failed to export records", zap.Error(err))
	}
}

// location is the profile timezone, or UTC when it is unknown.
func (s *Server) location(ctx context.Context) *time.Location {
	if s.deps.Profile == nil {
		return time.UTC
	}
	p, err := s.deps.Profile.Profile(ctx)
	if err != nil || p == nil || p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		s.logger.Debug("Unknown profile timezone", zap.String("timezone", p.Timezone))
		return time.UTC
	}
	return loc
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("range")
	if name == "" {
		name = defaultRange
	}
	window, err := parseRange(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st := s.deps.Records.State()
	key := cache.InsightsKey(s.deps.UserID, name)
	if s.deps.Insights != nil {
		if e, ok := s.deps.Insights.Get(key); ok && e.Version == st.Version {
			s.writeInsights(w, e.Insights)
			return
		}
	}

	ins := services.ComputeInsights(st.Records, window, s.now(), s.deps.Thresholds)
	if ins != nil {
		ins.Window = name
	}
	if s.deps.Insights != nil {
		s.deps.Insights.Set(key, InsightsEntry{Version: st.Version, Insights: ins}, cache.APITTL)
	}
	s.writeInsights(w, ins)
}

func (s *Server) writeInsights(w http.ResponseWriter, ins *services.Insights) {
	if ins == nil {
		writeError(w, http.StatusNotFound, "no records in range")
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

// parseRange accepts a Go duration, a day count such as "7d", or bare hours.
func parseRange(raw string) (time.Duration, error) {
	var d time.Duration
	switch {
	case strings.HasSuffix(raw, "d"):
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid range %q", raw)
		}
		d = time.Duration(days) * 24 * time.Hour
	default:
		if hours, err := strconv.Atoi(raw); err == nil {
			d = time.Duration(hours) * time.Hour
			break
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid range %q", raw)
		}
		d = parsed
	}
	if d <= 0 {
		return 0, fmt.Errorf("range must be positive")
	}
	return d, nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Records.Refresh(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.deps.Records.State())
	case errors.Is(err, poller.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, poller.ErrNotRunning), errors.Is(err, poller.ErrStale):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, api.DisplayMessage(err, s.deps.Locale))
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Profile.Profile(r.Context())
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTimezones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.deps.Profile.Timezones(r.Context())
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.deps.Devices.Devices()
	if devices == nil {
		devices = []models.DeviceHealth{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]cache.Stats, 0, len(s.deps.Caches))
	for _, c := range s.deps.Caches {
		stats = append(stats, c.Stats())
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeUpstreamError maps an API failure to the upstream status when it is
// a client error, and to 502 otherwise.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if code := api.StatusCode(err); code >= 400 && code < 500 {
		status = code
	}
	writeError(w, status, api.DisplayMessage(err, s.deps.Locale))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())))
		})
	}
}
