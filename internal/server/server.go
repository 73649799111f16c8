package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"cardpay/internal/config"
	"cardpay/internal/export"
	"cardpay/internal/hmacauth"
	"cardpay/internal/logger"
	"cardpay/internal/payment"
)

// Downloads redeems download tokens for the exported artifact.
type Downloads interface {
	Open(ctx context.Context, token payment.DownloadToken) (export.Artifact, error)
}

// Deps are the components the API exposes. Metrics, Downloads and BreakerState may be nil.
type Deps struct {
	Workflow     *payment.Workflow
	Fiat         *payment.FiatWorkflow
	Cache        *payment.InfoCache
	Journal      payment.Journal
	Wallet       payment.Wallet
	Downloads    Downloads
	Metrics      http.Handler
	BreakerState func() string
}

type Server struct {
	deps       Deps
	hmac       *hmacauth.Verifier
	log        zerolog.Logger
	httpServer *http.Server

	walletHealthFn  func(context.Context) error
	journalHealthFn func(context.Context) error
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps: deps,
		log:  log,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Server.HMACSecret,
		MaxSkew: cfg.Server.HMACClockSkew.Duration,
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			log := logger.FromContext(r.Context(), s.log)
			log.Warn().Err(err).Msg("server.signature_rejected")
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		},
	}

	if checker, ok := deps.Wallet.(interface{ Ping(context.Context) error }); ok {
		s.walletHealthFn = checker.Ping
	}
	if checker, ok := deps.Journal.(interface{ Ping(context.Context) error }); ok {
		s.journalHealthFn = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.routes(cfg),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration,
	}
	return s
}

func (s *Server) routes(cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.Server.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", logger.HeaderRequestID, hmacauth.HeaderSignature, hmacauth.HeaderTimestamp},
			ExposedHeaders: []string{logger.HeaderRequestID},
			MaxAge:         300,
		}).Handler)
	}
	r.Use(logger.Middleware(s.log))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	mutating := []func(http.Handler) http.Handler{s.hmac.Middleware}
	if limit := cfg.Server.RateLimitPerMinute; limit > 0 {
		mutating = append([]func(http.Handler) http.Handler{ipLimiter(limit, time.Minute)}, mutating...)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		if s.deps.Metrics != nil {
			r.Handle("/metrics", s.deps.Metrics)
		}
		r.Get("/download/{token}", s.handleDownload)

		r.Route("/payment", func(r chi.Router) {
			r.Get("/info", s.handlePaymentInfo)
			r.Get("/state", s.handlePaymentState)
			r.Get("/pending", s.handlePending)
			r.Group(func(r chi.Router) {
				r.Use(mutating...)
				r.Post("/start", s.handleStart)
				r.Post("/confirm", s.handleConfirm)
				r.Post("/cancel", s.handleCancel)
				r.Post("/resume", s.handleResume)
			})
		})

		r.Route("/fiat", func(r chi.Router) {
			r.Get("/state", s.handleFiatState)
			r.With(mutating...).Post("/submit", s.handleFiatSubmit)
		})
	})
	return r
}

func ipLimiter(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests, try again later")
		}),
	)
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving HTTP. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("address", s.httpServer.Addr).Msg("server.listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
