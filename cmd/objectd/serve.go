package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/go-objects/internal/actor"
	"github.com/flitsinc/go-objects/internal/api"
	"github.com/flitsinc/go-objects/internal/config"
	"github.com/flitsinc/go-objects/internal/listener"
	"github.com/flitsinc/go-objects/internal/logging"
	"github.com/flitsinc/go-objects/internal/metrics"
	"github.com/flitsinc/go-objects/internal/tracing"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the actor host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides OBJECTS_HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	metrics.Register(prometheus.DefaultRegisterer)

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown", "error", err)
		}
	}()
	if cfg.Tracing.Endpoint != "" {
		log.Infow("span export enabled", "endpoint", cfg.Tracing.Endpoint, "service", cfg.Tracing.ServiceName)
	}

	kinds := make([]actor.Kind, 0, len(cfg.Kinds))
	kindNames := make([]string, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds = append(kinds, actor.Kind{Name: k.Name, Parent: k.Parent})
		kindNames = append(kindNames, k.Name)
	}
	reg := actor.NewRegistry(actor.Options{
		DataDir:         cfg.DataDir,
		Kinds:           kinds,
		IdleTimeout:     cfg.ActorIdleTimeout,
		FlushDelay:      cfg.FlushDelay,
		DeliveryTimeout: cfg.DeliveryTimeout,
		ListLimit:       cfg.ListLimit,
		Logger:          log,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resumed, err := reg.Resume(ctx)
	if err != nil {
		return err
	}
	log.Infow("actors resumed", "count", resumed, "data_dir", cfg.DataDir)

	server := &api.Server{
		Registry:           reg,
		Limiter:            api.NewIPLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Log:                log,
		ChannelIdleTimeout: cfg.ChannelIdleTimeout,
		StartedAt:          time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr: cfg.HTTPAddr,
			DataDir:  cfg.DataDir,
			Kinds:    kindNames,
		},
	}
	httpServer := &http.Server{
		Handler:           api.Logging(log, server.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := listener.Listen(cfg.HTTPAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("objectd listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reg.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Close(closeCtx); err != nil {
		log.Warnw("registry close", "error", err)
	}
	log.Infow("objectd stopped")
	return runErr
}
