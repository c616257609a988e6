// chatd is one replica of the fault-tolerant chat service.
//
// Usage:
//
//	chatd --id node1 --replication-port 9001 --client-port 8001 \
//	      --data-dir ./data/node1 \
//	      --replicas 127.0.0.1:9001,127.0.0.1:9002,127.0.0.1:9003
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"replicated-chat/internal/api"
	"replicated-chat/internal/cluster"
	"replicated-chat/internal/dispatch"
	"replicated-chat/internal/metrics"
	"replicated-chat/internal/presence"
	"replicated-chat/internal/server"
	"replicated-chat/internal/store"
)

var (
	flagID              string
	flagHost            string
	flagReplicationPort int
	flagClientPort      int
	flagAdminPort       int
	flagDataDir         string
	flagReplicas        string
	flagLogLevel        string
)

func main() {
	root := &cobra.Command{
		Use:   "chatd",
		Short: "Replicated chat server node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run()
		},
	}

	root.Flags().StringVar(&flagID, "id", "", "unique server ID (required)")
	root.Flags().StringVar(&flagHost, "host", "0.0.0.0", "host to bind to")
	root.Flags().IntVar(&flagReplicationPort, "replication-port", 0, "replication port (required)")
	root.Flags().IntVar(&flagClientPort, "client-port", 0, "client port (required)")
	root.Flags().IntVar(&flagAdminPort, "admin-port", 0, "admin/metrics HTTP port (0 disables)")
	root.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory (required)")
	root.Flags().StringVar(&flagReplicas, "replicas", "", "comma-separated host:port replica list, must include self (required)")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	for _, name := range []string{"id", "replication-port", "client-port", "data-dir", "replicas"} {
		cobra.CheckErr(root.MarkFlagRequired(name))
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := newLogger(flagLogLevel)
	if err != nil {
		return err
	}

	replicas, err := cluster.ParseReplicas(flagReplicas)
	if err != nil {
		return fmt.Errorf("parse replicas: %w", err)
	}

	cfg := cluster.Config{
		ServerID:        flagID,
		Host:            flagHost,
		ReplicationPort: flagReplicationPort,
		ClientPort:      flagClientPort,
		AdminPort:       flagAdminPort,
		DataDir:         flagDataDir,
		Replicas:        replicas,
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger = logger.With().Str("server_id", cfg.ServerID).Logger()
	logger.Info().
		Str("client_addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.ClientPort)).
		Str("replication_addr", cfg.BindAddr()).
		Strs("replicas", cfg.Replicas).
		Msg("starting replica")

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	oplog, err := cluster.OpenOpLog(cfg.DataDir + "/oplog.log")
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}
	defer oplog.Close()

	m := metrics.NewRegistry()
	registry := presence.NewRegistry()
	dispatcher := dispatch.New(st, registry, m, logger)

	replicator := cluster.NewReplicator(cfg, dispatcher, cluster.NewTCPTransport(), oplog, m, logger)
	if err := replicator.Start(); err != nil {
		return fmt.Errorf("start replicator: %w", err)
	}
	defer replicator.Stop()

	acceptor := server.NewAcceptor(
		net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.ClientPort)),
		replicator, registry, logger)
	if err := acceptor.Start(); err != nil {
		return fmt.Errorf("start acceptor: %w", err)
	}
	defer acceptor.Stop()

	var adminSrv *http.Server
	if cfg.AdminPort > 0 {
		adminSrv = startAdmin(cfg, replicator, oplog, st, registry, m, logger)
		defer adminSrv.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info().Str("signal", received.String()).Msg("shutting down")
	return nil
}

func startAdmin(cfg cluster.Config, r *cluster.Replicator, oplog *cluster.OpLog, st *store.Store, reg *presence.Registry, m *metrics.Registry, logger zerolog.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	api.New(r, oplog, st, reg, m, logger).SetupRoutes(engine)

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.AdminPort)),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin listener failed")
		}
	}()
	logger.Info().Str("addr", srv.Addr).Msg("admin listener started")
	return srv
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("bad log level %q: %w", level, err)
	}

	var out zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(lvl).With().Timestamp().Logger(), nil
}
