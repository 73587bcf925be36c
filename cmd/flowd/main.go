package main

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
	"golang.org/x/sync/errgroup"

	"github.com/yitercel/taskflow/pkg/config"
	"github.com/yitercel/taskflow/pkg/events"
	"github.com/yitercel/taskflow/pkg/executor"
	"github.com/yitercel/taskflow/pkg/log"
	"github.com/yitercel/taskflow/pkg/rpc"
	"github.com/yitercel/taskflow/pkg/scheduler"
	"github.com/yitercel/taskflow/pkg/storage"
	"github.com/yitercel/taskflow/pkg/treecopy"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowd",
	Short: "Flowd - task-tree orchestration engine",
	Long: `Flowd persists declarative task trees, executes them in dependency
order with priority tie-breaks, and streams progress over JSON-RPC,
SSE, WebSocket and push callbacks.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flowd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("main")

		store, err := storage.NewBoltStore(cfg.RepositoryURL)
		if err != nil {
			return fmt.Errorf("failed to open repository: %w", err)
		}

		registry := executor.NewRegistry()
		executor.RegisterBuiltins(registry)
		adapter := executor.NewAdapter(registry, cfg.HookFailuresFatal)
		bus := events.NewBus(cfg.StreamBufferSize)
		sched := scheduler.New(store, adapter, bus, scheduler.Options{
			WorkerPoolSize: cfg.WorkerPoolSize,
			CancelGrace:    cfg.CancelGrace,
		})
		copier := treecopy.NewEngine(store)

		svc := rpc.NewService(store, sched, copier, bus, registry, cfg)
		server := rpc.NewServer(svc, &rpc.TokenAuthenticator{DefaultUserID: cfg.DefaultUserID})

		httpSrv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			logger.Info().
				Str("addr", cfg.ListenAddr).
				Str("data_dir", cfg.RepositoryURL).
				Int("workers", cfg.WorkerPoolSize).
				Msg("server listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
			case <-ctx.Done():
				return ctx.Err()
			}
			shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutCtx)
		})

		err = g.Wait()

		// Drain in dependency order: stop accepting work, finish or
		// cancel runs, end every stream, then close the store.
		sched.Stop()
		bus.Close()
		if cerr := store.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to close repository")
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}
