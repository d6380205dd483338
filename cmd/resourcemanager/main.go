package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/coordination"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
	"github.com/streamcore/engine/internal/resourcemgr"
	"github.com/streamcore/engine/internal/rpc"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "resourcemanager",
	Short:   "Cluster-wide slot broker for the streaming engine",
	Version: Version,
	RunE:    runResourceManager,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("resourcemanager version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.Flags().String("node-id", "resourcemanager-1", "Unique node ID for raft leadership")
	rootCmd.Flags().String("bind-addr", "127.0.0.1:7900", "RPC address task executors and job masters dial")
	rootCmd.Flags().String("raft-addr", "127.0.0.1:7901", "Address for raft transport")
	rootCmd.Flags().String("data-dir", "./data/resourcemanager", "Data directory for raft state")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for /metrics, /health, /ready, /live")
	rootCmd.Flags().String("config", "", "Optional YAML config file overriding defaults")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runResourceManager(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	configPath, _ := cmd.Flags().GetString("config")

	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.NodeID = nodeID
	cfg.BindAddr = bindAddr
	cfg.DataDir = dataDir

	rm := resourcemgr.NewResourceManager(cfg)

	coord := coordination.New(coordination.Config{NodeID: nodeID, BindAddr: raftAddr, DataDir: dataDir})
	if err := coord.Bootstrap(dataDir); err != nil {
		return fmt.Errorf("bootstrap coordinator: %w", err)
	}
	handle := coord.RunForLeadership("resourcemanager", rm)
	metrics.RegisterComponent("coordinator", true, "bootstrapped")

	server := rpc.NewServer()
	rm.RegisterHandlers(server)

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bindAddr, err)
	}
	metrics.RegisterComponent("rpc_server", true, "listening")

	serveErrCh := make(chan error, 1)
	go func() {
		if err := server.GRPCServer().Serve(listener); err != nil {
			serveErrCh <- err
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler("coordinator", "rpc_server"))
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.WithComponent("resourcemanager").Error().Err(err).Msg("metrics server exited")
		}
	}()

	log.WithComponent("resourcemanager").Info().
		Str("node_id", nodeID).Str("bind_addr", bindAddr).Str("raft_addr", raftAddr).
		Str("metrics_addr", metricsAddr).Msg("resourcemanager started, contesting leadership")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("resourcemanager").Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		log.WithComponent("resourcemanager").Error().Err(err).Msg("rpc server exited")
	}

	handle.Cancel()
	server.GRPCServer().GracefulStop()
	if err := coord.Shutdown(); err != nil {
		return fmt.Errorf("shutdown coordinator: %w", err)
	}
	return nil
}
