package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/runtime/shuffle"
	"github.com/streamcore/engine/internal/statebackend"
	"github.com/streamcore/engine/internal/taskexecutor"
	"github.com/streamcore/engine/internal/userclass"
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
	Use:     "taskexecutor",
	Short:   "Per-node agent that runs deployed task attempts",
	Version: Version,
	RunE:    runTaskExecutor,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("taskexecutor version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.Flags().String("bind-addr", "127.0.0.1:7910", "RPC address job masters and the resource manager dial")
	rootCmd.Flags().String("rm-addr", "127.0.0.1:7900", "Resource manager RPC address")
	rootCmd.Flags().String("data-dir", "./data/taskexecutor", "Data directory for local state snapshots")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address for /metrics, /health, /ready, /live")
	rootCmd.Flags().Float64("cpu-cores", 4, "Total CPU cores offered")
	rootCmd.Flags().Int64("memory-bytes", 4<<30, "Total memory offered, in bytes")
	rootCmd.Flags().Float64("slot-cpu-cores", 1, "CPU cores per slot")
	rootCmd.Flags().Int64("slot-memory-bytes", 1<<30, "Memory bytes per slot")
	rootCmd.Flags().String("state-backend", "bolt", "Operator state backend: bolt or memory")
	rootCmd.Flags().String("config", "", "Optional YAML config file overriding defaults")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runTaskExecutor(cmd *cobra.Command, args []string) error {
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	rmAddr, _ := cmd.Flags().GetString("rm-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	cpuCores, _ := cmd.Flags().GetFloat64("cpu-cores")
	memBytes, _ := cmd.Flags().GetInt64("memory-bytes")
	slotCPU, _ := cmd.Flags().GetFloat64("slot-cpu-cores")
	slotMem, _ := cmd.Flags().GetInt64("slot-memory-bytes")
	backendKind, _ := cmd.Flags().GetString("state-backend")
	configPath, _ := cmd.Flags().GetString("config")

	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.DataDir = dataDir
	cfg.BindAddr = bindAddr

	registry := userclass.NewRegistry()
	userclass.RegisterBuiltins(registry)

	bufferPool := shuffle.NewNetworkBufferPool(cfg.Network.NumBuffers, cfg.Network.BufferSizeBytes)

	var backend statebackend.Backend
	switch backendKind {
	case "memory":
		backend = statebackend.NewMemoryBackend()
	case "bolt":
		b, err := statebackend.NewBoltBackend(dataDir)
		if err != nil {
			return fmt.Errorf("open state backend: %w", err)
		}
		backend = b
	default:
		return fmt.Errorf("unknown state backend %q", backendKind)
	}
	defer backend.Close()

	leader := newRMLeaderCache(rmAddr)

	total := rpc.ResourceProfile{CPUCores: cpuCores, MemoryBytes: memBytes}
	defaultSlot := rpc.ResourceProfile{CPUCores: slotCPU, MemoryBytes: slotMem}
	te := taskexecutor.New(cfg, bindAddr, total, defaultSlot, registry, bufferPool, backend, leader.address, leader.token)

	server := rpc.NewServer()
	te.RegisterHandlers(server)

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

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() {
		if err := te.Run(ctx); err != nil {
			runErrCh <- err
		}
	}()
	metrics.RegisterComponent("registration", true, "registering")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler("rpc_server", "registration"))
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.WithComponent("taskexecutor").Error().Err(err).Msg("metrics server exited")
		}
	}()

	log.WithComponent("taskexecutor").Info().
		Str("bind_addr", bindAddr).Str("rm_addr", rmAddr).Str("metrics_addr", metricsAddr).
		Msg("taskexecutor started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("taskexecutor").Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		log.WithComponent("taskexecutor").Error().Err(err).Msg("rpc server exited")
	case err := <-runErrCh:
		log.WithComponent("taskexecutor").Error().Err(err).Msg("registration loop exited")
	}

	cancel()
	server.GRPCServer().GracefulStop()
	return nil
}

// rmLeaderCache resolves the resource manager's current fencing token
// by polling its unauthenticated leader_info call, since this process
// is not a raft member of the resource manager's coordination group
// (see internal/coordination's Open Questions).
type rmLeaderCache struct {
	addr string
}

func newRMLeaderCache(addr string) *rmLeaderCache {
	return &rmLeaderCache{addr: addr}
}

func (c *rmLeaderCache) address() string { return c.addr }

func (c *rmLeaderCache) token() string {
	conn, err := rpc.Dial(c.addr)
	if err != nil {
		return ""
	}
	defer conn.Close()
	info, err := rpc.NewResourceManagerClient(conn, func() string { return "" }).LeaderInfo(context.Background())
	if err != nil || !info.Leader {
		return ""
	}
	return info.FencingToken
}
