package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"price-alerts/internal/alerting"
	"price-alerts/internal/fetcher"
	"price-alerts/internal/marketdata"
	"price-alerts/internal/notify"
	"price-alerts/internal/storage"
)

// PriceService answers price and market reads.
type PriceService interface {
	Quote(ctx context.Context, coinID, currency string) (marketdata.Quote, error)
	Market(ctx context.Context, coinID, currency string) (marketdata.Result[fetcher.MarketData], error)
}

// Evaluator runs one alert evaluation pass.
type Evaluator interface {
	Evaluate(ctx context.Context) (alerting.Summary, error)
}

// DeliveryTracker ingests provider webhooks and answers status queries.
type DeliveryTracker interface {
	Supports(provider string) bool
	Verify(provider string, header http.Header, body []byte) error
	HandleWebhook(ctx context.Context, provider string, body []byte) (notify.WebhookResult, error)
	Status(ctx context.Context, trackingID string) (storage.EmailDeliveryRecord, error)
	Recipient(ctx context.Context, email string, limit int) ([]storage.EmailDeliveryRecord, error)
	Stats(ctx context.Context, period time.Duration) (storage.DeliveryStats, error)
}

// BrowserFeed hands queued browser notifications to the polling client.
type BrowserFeed interface {
	Drain(userID string) []notify.Notification
}

// Options configure the HTTP listener.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	// CronSecret guards the evaluation trigger. Empty disables the check.
	CronSecret string
}

// Deps are the services behind the routes. Nil services disable their routes.
type Deps struct {
	Prices    PriceService
	Evaluator Evaluator
	Tracker   DeliveryTracker
	Browser   BrowserFeed
}

// Server is the HTTP API of the watcher.
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
	deps   Deps
	logger zerolog.Logger
}

// New builds the router and listener.
func New(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		if s.deps.Prices != nil {
			r.Get("/prices/{coinID}", s.handlePrice)
			r.Get("/market/{coinID}", s.handleMarket)
		}
		if s.deps.Evaluator != nil {
			r.With(s.requireCronSecret).Post("/alerts/evaluate", s.handleEvaluate)
		}
		if s.deps.Tracker != nil {
			r.Post("/webhooks/email/{provider}", s.handleEmailWebhook)
			r.Get("/email-status", s.handleEmailStatus)
			r.Get("/email-status/stats", s.handleEmailStats)
		}
		if s.deps.Browser != nil {
			r.Get("/notifications/browser", s.handleBrowserNotifications)
		}
	})
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("shutting down HTTP server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
