// Package dashboard serves a read-only JSON view of the broker session and the order journal.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/shortput_closer/internal/broker"
	"github.com/eddiefleurent/shortput_closer/internal/storage"
)

// SessionSource exposes session state. *broker.Session implements it.
type SessionSource interface {
	Snapshot() broker.Snapshot
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	session   SessionSource
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

// SessionView is the /api/session payload.
type SessionView struct {
	broker.Snapshot
	MarketStatus string    `json:"market_status"`
	LastUpdate   time.Time `json:"last_update"`
}

// Statistics counts journal entries by outcome.
type Statistics struct {
	TotalEntries int            `json:"total_entries"`
	Runs         int            `json:"runs"`
	ByStatus     map[string]int `json:"by_status"`
	LastRunID    string         `json:"last_run_id,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
}

func NewServer(cfg Config, storage storage.Interface, session SessionSource, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   storage,
		session:   session,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.logMiddleware)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/session", s.handleGetSession)
	s.router.Get("/api/orders", s.handleGetOrders)
	s.router.Get("/api/runs/{runID}", s.handleGetRun)
	s.router.Get("/api/stats", s.handleGetStats)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Dashboard request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any, what string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Errorf("Failed to encode %s", what)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	if s.session != nil {
		health["session"] = s.session.Snapshot().State
	}
	s.writeJSON(w, health, "health response")
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		http.Error(w, "No session", http.StatusServiceUnavailable)
		return
	}

	marketStatus := "Closed"
	if isMarketOpen(time.Now()) {
		marketStatus = "Open"
	}
	s.writeJSON(w, SessionView{
		Snapshot:     s.session.Snapshot(),
		MarketStatus: marketStatus,
		LastUpdate:   time.Now().UTC(),
	}, "session")
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	var (
		entries []storage.Entry
		err     error
	)
	if runID := r.URL.Query().Get("run"); runID != "" {
		entries, err = s.storage.EntriesForRun(runID)
	} else {
		entries, err = s.storage.Entries()
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to read journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	s.writeJSON(w, entries, "orders")
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	entries, err := s.storage.EntriesForRun(runID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, entries, "run")
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.calculateStatistics()
	if err != nil {
		s.logger.WithError(err).Error("Failed to calculate statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats, "statistics")
}

func (s *Server) calculateStatistics() (*Statistics, error) {
	entries, err := s.storage.Entries()
	if err != nil {
		return nil, err
	}

	stats := &Statistics{ByStatus: make(map[string]int)}
	runs := make(map[string]struct{})
	for _, e := range entries {
		stats.TotalEntries++
		stats.ByStatus[string(e.Status)]++
		runs[e.RunID] = struct{}{}
	}
	stats.Runs = len(runs)

	if n := len(entries); n > 0 {
		last := entries[n-1]
		stats.LastRunID = last.RunID
		stats.LastEntry = &last.Time
	}
	return stats, nil
}

// isMarketOpen reports regular US equity trading hours, ignoring holidays.
func isMarketOpen(now time.Time) bool {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	nyTime := now.In(loc)

	if nyTime.Weekday() == time.Saturday || nyTime.Weekday() == time.Sunday {
		return false
	}

	totalMinutes := nyTime.Hour()*60 + nyTime.Minute()
	marketOpen := 9*60 + 30
	marketClose := 16 * 60

	return totalMinutes >= marketOpen && totalMinutes < marketClose
}
