// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/api"
	"github.com/xkilldash9x/otpgate/internal/browser"
	"github.com/xkilldash9x/otpgate/internal/config"
	"github.com/xkilldash9x/otpgate/internal/observability"
	"github.com/xkilldash9x/otpgate/internal/otpflow"
	"github.com/xkilldash9x/otpgate/internal/session"
	"github.com/xkilldash9x/otpgate/internal/store"
)

const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	var listenAddr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OTP session HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, observability.GetLogger())
		},
	}

	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides server.listen_addr)")
	return serveCmd
}

// serveComponents holds the initialized services of a running server.
type serveComponents struct {
	Browser  *browser.Manager
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Recorder *store.Recorder
	DBPool   *pgxpool.Pool
	Server   *api.Server
}

// runServe starts the janitor and the HTTP server and blocks until ctx ends.
func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	components, err := initializeServeComponents(ctx, cfg, logger)
	if err != nil {
		if components != nil {
			components.Shutdown()
		}
		return fmt.Errorf("failed to initialize server components: %w", err)
	}
	defer components.Shutdown()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		components.Sessions.Run(janitorCtx)
	}()
	defer func() {
		stopJanitor()
		<-janitorDone
	}()

	logger.Info("otpgate serving.",
		zap.String("version", Version),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("target_url", cfg.OTP.TargetURL),
		zap.Bool("audit", components.Recorder != nil),
	)
	if err := components.Server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// initializeServeComponents handles dependency injection. On error the
// partially built components are returned so the caller can release them.
func initializeServeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*serveComponents, error) {
	c := &serveComponents{}

	c.Browser = browser.NewManager(cfg.Browser, logger)
	c.Metrics = observability.NewMetrics(
		func() int {
			if c.Sessions == nil {
				return 0
			}
			return c.Sessions.Count()
		},
		c.Browser.Connected,
	)

	opts := []session.Option{
		session.WithEventSink(session.EventSinkFunc(func(e session.Event) {
			c.Metrics.ObserveSessionEvent(string(e.Kind))
		})),
	}

	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return c, err
		}
		c.DBPool = pool
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			return c, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return c, err
		}
		c.Recorder = store.NewRecorder(st, cfg.Database.BatchSize, cfg.Database.FlushInterval, logger)
		// Close ends the recorder, so shutdown-time close events still reach the table.
		c.Recorder.Start(context.WithoutCancel(ctx))
		opts = append(opts, session.WithEventSink(c.Recorder))
	} else {
		logger.Info("Audit database not configured; session events are not persisted.")
	}

	driver := otpflow.NewDriver(cfg.OTP, logger, otpflow.WithStepObserver(c.Metrics.ObserveFlow))
	c.Sessions = session.NewManager(c.Browser, driver, cfg.OTP.TTL, cfg.Session, logger, opts...)

	router := api.NewRouter(cfg.Server, api.Deps{
		Sessions: c.Sessions,
		Browser:  c.Browser,
		Metrics:  c.Metrics,
	}, logger)
	c.Server = api.NewServer(cfg.Server, router, logger)
	return c, nil
}

// Shutdown closes every session, then the browser, then flushes the audit trail.
func (c *serveComponents) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	logger := observability.GetLogger()

	if c.Sessions != nil {
		if n := c.Sessions.CloseAll(ctx); n > 0 {
			logger.Info("Closed sessions on shutdown.", zap.Int("count", n))
		}
	}
	if c.Browser != nil {
		if err := c.Browser.Shutdown(ctx); err != nil {
			logger.Warn("Error during browser shutdown", zap.Error(err))
		}
	}
	if c.Recorder != nil {
		c.Recorder.Close()
		if d := c.Recorder.Dropped(); d > 0 {
			logger.Warn("Audit events were dropped.", zap.Int64("dropped", d))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
	observability.Sync()
}
