package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t031a5/controlcore/internal/runtime"
	"github.com/t031a5/controlcore/internal/statusapi"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop until interrupted",
	Long: `Assembles every configured source, provider and actuator and runs the
control loop at the configured frequency. When status.addr is set the HTTP
status surface is served alongside it. SIGINT or SIGTERM stops the loop,
lets in-flight actions settle and closes the store.`,
	RunE: runController,
}

func runController(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg, err := runtime.DefaultRegistries()
	if err != nil {
		return err
	}
	loop, err := runtime.Assemble(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := loop.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	if cfg.Status.Addr != "" {
		srv := statusapi.New(logger.Named("status"), loop, loop.Metrics().Handler())
		g.Go(func() error { return srv.Serve(ctx, cfg.Status.Addr) })
	}

	logger.Info("controller started",
		zap.String("version", version),
		zap.Float64("frequency_hz", cfg.Loop.FrequencyHz),
		zap.String("status_addr", cfg.Status.Addr))
	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info("controller stopped")
		return nil
	}
	return err
}
