package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpad "github.com/weftlab/weft/internal/adapters/http"
	"github.com/weftlab/weft/internal/config"
	"github.com/weftlab/weft/internal/logging"
)

// shutdownGrace bounds how long the HTTP server may take to drain.
const shutdownGrace = 5 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve the tick, tool and reply queues",
	Long: `Runs a worker process: consumes the shared queues, drives conversations
forward and exposes the read-only introspection API. Multiple workers may
serve the same Redis instance concurrently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		level, err := parseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger := logging.New(level)

		eng, client, err := wire(cfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := &http.Server{
			Addr:    cfg.HTTPListen,
			Handler: httpad.NewHandler(eng.Stack(), eng.MetricsRegistry(), httpad.WithLogger(logger)),
		}
		go func() {
			logger.Info("introspection server listening", "addr", cfg.HTTPListen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("introspection server failed", "error", err)
				stop()
			}
		}()

		logger.Info("worker starting",
			"redis", cfg.Redis.Address,
			"policy", cfg.Dedup.Policy,
			"ticks", cfg.Budgets.Ticks,
			"tools", cfg.Budgets.Tools)
		if err := eng.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("worker stopped: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down introspection server", "error", err)
		}
		logger.Info("worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
