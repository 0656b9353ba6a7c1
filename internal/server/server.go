package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"enerx-readmodel/internal/analytics"
	"enerx-readmodel/internal/config"
	"enerx-readmodel/internal/dispatcher"
	"enerx-readmodel/internal/history"
	"enerx-readmodel/internal/model"
	"enerx-readmodel/internal/repository"
	"enerx-readmodel/internal/wallet"
)

const shutdownTimeout = 10 * time.Second

// ReadModel is the query side served over HTTP.
type ReadModel interface {
	Listings(ctx context.Context, refresh bool) (repository.ListingScan, error)
	Listing(ctx context.Context, id uint64) (model.Listing, error)
	SellerListings(ctx context.Context, seller common.Address) (repository.ListingScan, error)
	Profile(ctx context.Context, addr common.Address) (model.UserProfile, error)
	History(ctx context.Context, addr common.Address) (history.History, error)
	Analytics(ctx context.Context) (analytics.Report, error)
	Platform(ctx context.Context) (model.PlatformState, error)
	Account() *wallet.Account
}

// Mutator submits contract writes.
type Mutator interface {
	Dispatch(ctx context.Context, method string, raw []string) (*dispatcher.Mutation, error)
}

// Server represents the HTTP server
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     config.ServerConfig
	rm      ReadModel
	mutator Mutator
}

// New creates the HTTP server. A nil mutator, or writes disabled in cfg,
// leaves POST /api/mutations unregistered.
func New(cfg config.ServerConfig, rm ReadModel, mutator Mutator, logger zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    logger.With().Str("component", "server").Logger(),
		cfg:    cfg,
		rm:     rm,
	}
	if cfg.EnableWrites {
		s.mutator = mutator
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
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
	if s.cfg.WriteTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.WriteTimeout))
	}

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/listings", func(r chi.Router) {
			r.Get("/", s.handleListings)
			r.Get("/{id}", s.handleListing)
		})
		r.Get("/sellers/{address}/listings", s.handleSellerListings)
		r.Get("/profiles/{address}", s.handleProfile)
		r.Route("/history/{address}", func(r chi.Router) {
			r.Get("/", s.handleHistory)
			r.Get("/csv", s.handleHistoryCSV)
		})
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/platform", s.handlePlatform)
		r.Route("/account", func(r chi.Router) {
			r.Get("/", s.handleGetAccount)
			r.Put("/", s.handlePutAccount)
		})
		if s.mutator != nil {
			r.Post("/mutations", s.handleMutation)
		}
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("Starting HTTP server")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.log.Info().Msg("Shutting down HTTP server")
		return s.server.Shutdown(shutdownCtx)
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
