// Package cli wires the draftsync commands: the reference Save API
// server, the collaboration relay, a headless sync run, and offline queue
// inspection.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/draftsync/draftsync/internal/config"
	"github.com/draftsync/draftsync/internal/queue"
	"github.com/draftsync/draftsync/internal/store"
)

func NewRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "draftsync",
		Short:         "document synchronization engine for collaborative editing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a draftsync.yaml config file")
	root.AddCommand(
		newServeCmd(&cfgPath),
		newRelayCmd(),
		newSyncCmd(&cfgPath),
		newQueueCmd(&cfgPath),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "draftsync:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// printfLogger adapts slog to the Printf interface the engine packages
// take.
type printfLogger struct {
	logger *slog.Logger
}

func (l printfLogger) Printf(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func openStore(cfg config.Config, logger *slog.Logger) (*store.Store, error) {
	if cfg.Storage.Backend == "" {
		return store.New(store.Options{})
	}
	target := cfg.Storage.Path
	if cfg.Storage.Backend == "postgres" {
		target = cfg.Storage.DSN
	}
	backend, err := store.NewBackend(cfg.Storage.Backend, target)
	if err != nil {
		return nil, err
	}
	return store.New(store.Options{
		Backend: backend,
		OnStorageError: func(err error) {
			logger.Warn("durable storage degraded, unsaved work is at risk", "err", err)
		},
	})
}

func openQueue(cfg config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "", "memory":
		return queue.NewMemoryQueue(cfg.Queue.Capacity), nil
	case "file":
		return queue.NewFileQueue(cfg.Queue.Path, cfg.Queue.Capacity)
	case "sqlite":
		return queue.NewSQLiteQueue(cfg.Queue.Path, cfg.Queue.Capacity)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
