package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"driftlog/internal/controlplane"
	"driftlog/internal/ingest"
	"driftlog/internal/logging"
	"driftlog/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		walDir       string
		controlPlane string
		listen       string
		nodeID       string
		logLevel     string
		logFormat    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingester node",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(os.Stderr, logFormat, level)
			if err != nil {
				return err
			}
			if nodeID == "" {
				nodeID = uuid.NewString()
			}
			logger = logger.With("node_id", nodeID)

			state := ingest.Load(ingest.Config{
				WALDir:       walDir,
				ControlPlane: controlplane.NewHTTPClient(nil, controlPlane),
				Logger:       logger,
			})
			defer func() { _ = state.Close() }()

			srv := server.New(server.Config{
				Listen: listen,
				Status: state.StatusWatcher(),
				NodeID: nodeID,
				Logger: logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(ctx) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&walDir, "wal-dir", "wal", "write-ahead log directory")
	cmd.Flags().StringVar(&controlPlane, "control-plane", "http://localhost:7280", "control plane base URL")
	cmd.Flags().StringVar(&listen, "listen", ":7180", "listen address for probes, status, and metrics")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node identifier (default: random UUID)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	return cmd
}
