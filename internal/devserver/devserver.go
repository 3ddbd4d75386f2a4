// Package devserver is a self-contained stand-in for the course platform's
// chat API: REST endpoints, a websocket event feed per conversation, dev
// session tokens, and a local upload sink. State lives in memory; restart and
// it is gone. It exists so the client is runnable end to end without the
// platform.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"classchat/internal/domain"
	"classchat/internal/metrics"
)

const (
	defaultAddr      = "127.0.0.1:8080"
	defaultUploadMax = 50 * 1024 * 1024

	// Write budget per identity: steady trickle with room for a burst of
	// quick messages.
	defaultRatePerSec = 5
	defaultRateBurst  = 10

	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Config carries the dev server settings. Zero values get usable defaults;
// only Secret has no default and must be set.
type Config struct {
	Addr       string
	Secret     string
	UploadDir  string
	UploadMax  int64
	RatePerSec float64
	RateBurst  int
	Logger     *slog.Logger
}

// Server serves the chat API against an in-memory store.
type Server struct {
	addr       string
	secret     string
	uploadDir  string
	uploadMax  int64
	ratePerSec rate.Limit
	rateBurst  int
	logger     *slog.Logger

	store *memStore
	hub   *eventHub

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	httpServer *http.Server
}

// New builds a dev server. The upload directory is created if missing.
func New(cfg Config) (*Server, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	uploadMax := cfg.UploadMax
	if uploadMax <= 0 {
		uploadMax = defaultUploadMax
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = defaultRatePerSec
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}

	uploadDir := cfg.UploadDir
	if uploadDir == "" {
		dir, err := os.MkdirTemp("", "classchat-uploads-")
		if err != nil {
			return nil, err
		}
		uploadDir = dir
	} else if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, err
	}

	s := &Server{
		addr:       addr,
		secret:     cfg.Secret,
		uploadDir:  uploadDir,
		uploadMax:  uploadMax,
		ratePerSec: rate.Limit(perSec),
		rateBurst:  burst,
		logger:     logger,
		store:      newMemStore(),
		hub:        newEventHub(logger),
		limiters:   make(map[string]*rate.Limiter),
	}
	s.store.Seed(domain.ConversationInfo{ID: "general", Title: "General discussion"})
	return s, nil
}

// Handler returns the full route tree, exported so tests can drive the
// server through httptest.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/v1/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Collector.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/uploads/").Handler(
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.uploadDir)))).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.auth, s.throttleWrites)
	api.HandleFunc("/conversations/{id}", s.handleConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleCreateMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/typing", s.handleTyping).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}/reactions", s.handleToggleReaction).Methods(http.MethodPost)
	api.HandleFunc("/uploads", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/admin/conversations/{id}/mute", s.handleMute).Methods(http.MethodPost)

	return r
}

// Start runs the server until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.logger.Info("dev server starting", "addr", s.addr, "uploads", s.uploadDir)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- middleware ---

// observe records request latency for everything except long-lived websocket
// upgrades, which would drown the histogram.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.RequestLatency.Observe(time.Since(start).Seconds())
	})
}

// throttleWrites applies the per-identity rate limit to POSTs. Reads and the
// event feed are never throttled.
func (s *Server) throttleWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			ident := identityFrom(r)
			if !s.limiter(ident.UserID).Allow() {
				metrics.RateLimitedTotal.Inc()
				s.logger.Warn("write throttled", "user", ident.UserID, "path", r.URL.Path)
				writeError(w, http.StatusTooManyRequests, domain.KindRateLimited, "too many requests, slow down")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(userID string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(s.ratePerSec, s.rateBurst)
		s.limiters[userID] = lim
	}
	return lim
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, &domain.APIError{Kind: kind, Message: message})
}
