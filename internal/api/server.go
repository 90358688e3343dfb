// File: internal/api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/otpgate/internal/config"
)

// Metrics observes requests and serves the exposition endpoint. *observability.Metrics implements it.
type Metrics interface {
	RequestObserver
	Handler() http.Handler
}

// Deps are the collaborators the router serves.
type Deps struct {
	Sessions Sessions
	Browser  Browser
	// Metrics is optional. When set it observes requests and is served on /metrics.
	Metrics Metrics
}

// NewRouter builds the chi router with the full middleware stack.
func NewRouter(cfg config.ServerConfig, deps Deps, logger *zap.Logger) http.Handler {
	logger = logger.Named("api")
	h := NewHandlers(logger, deps.Sessions, deps.Browser)

	var limiter *rate.Limiter
	if cfg.OTPRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OTPRateLimit), cfg.OTPRateBurst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  zap.NewStdLog(logger.Named("http")),
		NoColor: true,
	}))
	r.Use(recoverJSON(logger))
	r.Use(corsMiddleware)

	var obs RequestObserver
	if deps.Metrics != nil {
		obs = deps.Metrics
	}
	r.Use(observeRequests(obs))

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(limiter, logger))
		r.Post("/create-session", h.HandleCreateSession)
		r.Post("/request-otp", h.HandleCreateSession)
	})
	r.Post("/verify-otp", h.HandleVerifyOTP)
	r.Get("/get-session", h.HandleGetSession)
	r.Get("/sessions", h.HandleListSessions)
	r.Post("/close-session", h.HandleCloseSession)
	r.Get("/health", h.HandleHealth)
	r.Post("/cleanup", h.HandleCleanup)
	r.Post("/close", h.HandleCloseAll)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.respondWithError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
	})
	return r
}

// Server wraps http.Server with context-driven graceful shutdown.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer creates a server for handler on cfg.ListenAddr.
func NewServer(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.Named("api_server"),
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			ErrorLog:     zap.NewStdLog(logger.Named("http_server")),
		},
	}
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down within the shutdown timeout.
// ln is wrapped to accept at most cfg.MaxConnections connections at once when set.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	base := context.WithoutCancel(ctx)
	s.httpServer.BaseContext = func(net.Listener) context.Context { return base }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening.", zap.String("address", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server.")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	s.logger.Info("HTTP server stopped.")
	return nil
}
