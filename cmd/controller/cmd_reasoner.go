package main

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/t031a5/controlcore/internal/reasoning"
)

var reasonerAddr string

var reasonerCmd = &cobra.Command{
	Use:   "reasoner",
	Short: "Serve the rule-based provider over gRPC",
	Long: `Exposes the offline rule-based provider as a Reasoner service so that a
controller on another host can list it as a "grpc" provider. Rule options
come from the first enabled offline provider in the configuration.`,
	RunE: runReasoner,
}

func init() {
	reasonerCmd.Flags().StringVar(&reasonerAddr, "addr", "localhost:50051", "listen address")
}

func runReasoner(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts := reasoning.DefaultOfflineOptions()
	for _, p := range cfg.Reasoning.Providers {
		if p.Type == "offline" && p.IsEnabled() {
			opts = reasoning.OfflineOptionsFrom(p.Options)
			break
		}
	}

	lis, err := net.Listen("tcp", reasonerAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", reasonerAddr, err)
	}
	srv := grpc.NewServer()
	reasoning.RegisterReasonerServer(srv, reasoning.NewProviderServer(reasoning.NewOffline("offline", opts)))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("reasoner listening", zap.String("addr", lis.Addr().String()))
	return srv.Serve(lis)
}
