// Package server wires configuration, storage and the guard into an HTTP
// server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fcaptcha/scrapeguard/internal/challenge"
	"github.com/fcaptcha/scrapeguard/internal/config"
	"github.com/fcaptcha/scrapeguard/internal/decision"
	"github.com/fcaptcha/scrapeguard/internal/guard"
	"github.com/fcaptcha/scrapeguard/internal/kv"
	"github.com/fcaptcha/scrapeguard/internal/logging"
	"github.com/fcaptcha/scrapeguard/internal/metrics"
	"github.com/fcaptcha/scrapeguard/internal/profile"
	"github.com/fcaptcha/scrapeguard/internal/scoring"
	"github.com/fcaptcha/scrapeguard/internal/signals"
)

// Server owns the store, the guard and the HTTP listener.
type Server struct {
	cfg     config.Config
	store   kv.Store
	guard   *guard.Guard
	metrics *metrics.Metrics
	handler http.Handler
	logger  *slog.Logger
}

// New opens the configured store and builds the server.
func New(cfg config.Config) (*Server, error) {
	store, err := kv.Open(cfg.Server.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s, err := NewWithStore(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// NewWithStore builds the server on an existing store. The server takes
// ownership of store.
func NewWithStore(cfg config.Config, store kv.Store) (*Server, error) {
	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		m = metrics.New()
	}

	profiles := profile.NewStore(store, profile.Options{
		Window:  cfg.Detection.WindowSize,
		TTL:     cfg.Detection.ProfileTTL,
		Timeout: cfg.Server.StoreTimeout,
		Logger:  logging.WithComponent("profile"),
		Metrics: m,
	})
	challenges := challenge.NewService(store, profiles, challenge.Options{
		TTL:            cfg.Challenge.TTL,
		Timeout:        cfg.Server.StoreTimeout,
		CaptchaLength:  cfg.Challenge.CaptchaLength,
		HoneypotFields: cfg.Challenge.HoneypotFields,
		Logger:         logging.WithComponent("challenge"),
		Metrics:        m,
	})
	g := guard.New(profiles, challenges, guard.Options{
		Thresholds: thresholds(cfg.Thresholds),
		Weights:    weights(cfg.Weights),
		Engine: &decision.Engine{
			SuspiciousThreshold: cfg.Detection.SuspiciousThreshold,
			BanThreshold:        cfg.Detection.BanThreshold,
			BaseBan:             cfg.Detection.BaseBanDuration,
		},
		ExcludedPaths:   cfg.Access.ExcludedPaths,
		Whitelist:       cfg.Access.Whitelist,
		HighValuePaths:  cfg.Access.HighValuePaths,
		DisclosureDelay: cfg.Access.DisclosureDelay,
		IssueRate:       cfg.Challenge.IssueRate,
		IssueBurst:      cfg.Challenge.IssueBurst,

		HeaderSignals:     cfg.Detection.HeaderSignals,
		DatacenterSignals: cfg.Detection.DatacenterSignals,
		TrustProxy:        cfg.Server.TrustProxy,

		Logger:  logging.WithComponent("guard"),
		Metrics: m,
	})

	upstream, err := upstreamHandler(cfg.Server.UpstreamURL)
	if err != nil {
		g.Close()
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		guard:   g,
		metrics: m,
		logger:  logging.WithComponent("server"),
	}
	s.handler = s.routes(upstream)
	return s, nil
}

func (s *Server) routes(upstream http.Handler) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if s.cfg.Server.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for the challenge widget
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", guard.HeaderScripting},
		ExposedHeaders:   []string{"X-Request-Id", guard.HeaderChallenge, guard.HeaderScore, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Routes
	r.Get("/health", s.healthHandler)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	s.guard.Routes(r)

	r.With(s.guard.Middleware).Handle("/*", upstream)
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("scrapeguard listening",
			"addr", s.cfg.Server.Addr,
			"store", storeKind(s.cfg.Server.RedisURL),
			"upstream", s.cfg.Server.UpstreamURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases the guard and the store.
func (s *Server) Close() error {
	s.guard.Close()
	return s.store.Close()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: store unavailable", logging.Err(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "store": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func upstreamHandler(raw string) (http.Handler, error) {
	if raw == "" {
		return demoHandler(), nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", raw)
	}
	return httputil.NewSingleHostReverseProxy(u), nil
}

func storeKind(redisURL string) string {
	if redisURL == "" {
		return "memory"
	}
	return "redis"
}

func thresholds(c config.ThresholdsConfig) signals.Thresholds {
	return signals.Thresholds{
		FastMean:         c.FastMean,
		ModerateMean:     c.ModerateMean,
		SlowMean:         c.SlowMean,
		RegularStdDev:    c.RegularStdDev,
		LowStdDev:        c.LowStdDev,
		EntropyThreshold: c.EntropyThreshold,
	}
}

func weights(c config.WeightsConfig) scoring.Weights {
	return scoring.Weights{
		Top:        c.Top,
		Second:     c.Second,
		Rest:       c.Rest,
		PairTop:    c.PairTop,
		PairSecond: c.PairSecond,
		Default:    c.Default,
		History:    c.History,
	}
}
