// Command swarmd runs the mission orchestration server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmd/internal/bus"
	"swarmd/internal/config"
	"swarmd/internal/logging"
	"swarmd/internal/metrics"
	"swarmd/internal/server"
	"swarmd/internal/swarm"
	"swarmd/internal/trace"
	"swarmd/internal/upstream"
)

func main() {
	root := &cobra.Command{
		Use:   "swarmd",
		Short: "Bayesian swarm mission orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
		SilenceUsage: true,
	}
	root.Flags().String("addr", "", "listen address (overrides SWARMD_ADDR)")
	root.Flags().String("trace-dir", "", "trace directory (overrides SWARMD_TRACE_DIR)")
	root.Flags().Bool("debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v, _ := cmd.Flags().GetString("trace-dir"); v != "" {
		cfg.Server.TraceDir = v
	}
	if v, _ := cmd.Flags().GetBool("debug"); v {
		cfg.Server.Debug = true
	}

	if err := logging.Initialize(cfg.Server.Debug); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.Boot()

	if cfg.Upstream.APIKey == "" {
		log.Warn("OPENROUTER_API_KEY not set; missions will fail fast at the upstream client")
	}

	store := trace.NewStore(cfg.Server.TraceDir)
	eventBus := bus.New()
	registry := metrics.NewRegistry()
	client := upstream.NewClient(cfg.Upstream)
	engine := swarm.NewEngine(cfg, client, store, eventBus, registry)
	srv := server.New(cfg, engine, store, eventBus, registry)

	// Request contexts derive from baseCtx, so cancelling it at shutdown
	// cancels in-flight missions and they persist as failed/cancelled.
	baseCtx, cancelMissions := context.WithCancel(context.Background())
	defer cancelMissions()

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     srv,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("swarmd listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("traceDir", cfg.Server.TraceDir),
			zap.String("version", server.Version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancelMissions()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
