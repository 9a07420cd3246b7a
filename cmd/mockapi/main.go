package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"healthsense/api"
	"healthsense/log"
	"healthsense/models"
)

var (
	addr          = flag.String("addr", ":8090", "Listen address")
	userID        = flag.String("user", "mock-user", "User ID stamped on generated records")
	deviceID      = flag.String("device", "WATCH-MOCK-001", "Device ID for generated records")
	interval      = flag.Duration("interval", 5*time.Second, "Time between generated records")
	anomaly       = flag.Float64("anomaly", 0.1, "Probability of an anomalous record (0.0-1.0)")
	backfill      = flag.Int("backfill", 50, "Records generated at startup, spaced by -interval")
	rateLimitEach = flag.Int("rate-limit-every", 0, "Answer every Nth records request with 429 (0 disables)")
	authFailEach  = flag.Int("unauthorized-every", 0, "Answer every Nth records request with 401 (0 disables)")
)

var timezones = []string{"UTC", "Asia/Ho_Chi_Minh", "Asia/Bangkok", "Europe/London", "America/New_York"}

// mockAPI serves the HealthSense REST endpoints from generated records.
type mockAPI struct {
	log           *RecordLog
	userID        string
	rateLimitEach int
	authFailEach  int
	requests      atomic.Int64
	logger        *zap.Logger
}

func (m *mockAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(m.requireBearer)

	r.Get(api.RecordsPath, m.handleRecords)
	r.Get(api.CheckAuthPath, m.handleCheckAuth)
	r.Get(api.ProfilePath, m.handleProfile)
	r.Get(api.TimezonesPath, m.handleTimezones)
	return r
}

func (m *mockAPI) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			m.logger.Debug("Rejected request without bearer token", zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Missing bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *mockAPI) handleRecords(w http.ResponseWriter, r *http.Request) {
	n := int(m.requests.Add(1))
	if m.authFailEach > 0 && n%m.authFailEach == 0 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token expired"})
		return
	}
	if m.rateLimitEach > 0 && n%m.rateLimitEach == 0 {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "Rate limit exceeded"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "limit must be a non-negative integer"})
			return
		}
		limit = v
	}
	writeJSON(w, http.StatusOK, m.log.Latest(limit))
}

func (m *mockAPI) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.AuthCheck{Authenticated: true, UID: m.userID})
}

func (m *mockAPI) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"profile": models.Profile{
			YearOfBirth: 1990,
			Sex:         "female",
			Height:      165,
			Weight:      58,
			Timezone:    "Asia/Ho_Chi_Minh",
		},
	})
}

func (m *mockAPI) handleTimezones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"timezones": timezones})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func main() {
	flag.Parse()

	logger, _ := log.New("debug", "console")
	defer logger.Sync()

	logger.Info("Mock HealthSense API started",
		zap.String("addr", *addr),
		zap.String("user_id", *userID),
		zap.String("device_id", *deviceID),
		zap.Duration("interval", *interval),
		zap.Float64("anomaly_probability", *anomaly))
	logger.Info("Press Ctrl+C to stop gracefully")

	gen := NewVitalsGenerator(*userID, *deviceID, *anomaly, time.Now().UnixNano())
	records := NewRecordLog(0)

	start := time.Now().Add(-time.Duration(*backfill) * *interval)
	for i := 0; i < *backfill; i++ {
		raw, _ := gen.Generate(start.Add(time.Duration(i) * *interval))
		records.Append(raw)
	}

	m := &mockAPI{
		log:           records,
		userID:        *userID,
		rateLimitEach: *rateLimitEach,
		authFailEach:  *authFailEach,
		logger:        logger,
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           m.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping mock API")
		cancel()
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()

	generated, anomalies := 0, 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Shutdown(shutdownCtx)
			cancelShutdown()
			logger.Info("Shutdown complete",
				zap.Int("records_generated", generated),
				zap.Int("anomalies_generated", anomalies),
				zap.Duration("uptime", time.Since(startTime)))
			return

		case now := <-ticker.C:
			raw, isAnomaly := gen.Generate(now)
			records.Append(raw)
			generated++
			if isAnomaly {
				anomalies++
			}
			logger.Debug("Generated record",
				zap.String("id", raw.ID),
				zap.Bool("is_anomaly", isAnomaly))

		case <-statsTicker.C:
			logger.Info("Statistics",
				zap.Int("records_generated", generated),
				zap.Int("anomalies", anomalies),
				zap.Int64("records_requests", m.requests.Load()),
				zap.Duration("uptime", time.Since(startTime)))
		}
	}
}
