package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/gateway"
	"github.com/MEKXH/tether/internal/orchestrator"
	"github.com/spf13/cobra"
)

func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator and gateway",
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	orc, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	if err := orc.Start(ctx); err != nil {
		_ = orc.Stop()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	server := gateway.New(cfg.Gateway, orc)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("Tether running (mode: %s). Gateway: http://%s\nPress Ctrl+C to stop.\n", orc.Mode(), server.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown failed", "error", err)
	}
	if err := orc.Stop(); err != nil {
		slog.Warn("orchestrator shutdown failed", "error", err)
	}

	fmt.Println("Tether stopped.")
	return runErr
}
