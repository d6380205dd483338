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
	"github.com/streamcore/engine/internal/coordination"
	"github.com/streamcore/engine/internal/graph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/jobmaster"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
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
	Use:     "jobmanager",
	Short:   "Per-job coordinator: compiles a manifest and runs its ExecutionGraph",
	Version: Version,
	RunE:    runJobManager,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("jobmanager version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.Flags().String("manifest", "", "Path to the StreamJob YAML manifest (required)")
	rootCmd.Flags().String("bind-addr", "127.0.0.1:7920", "RPC address task executors and streamctl dial")
	rootCmd.Flags().String("raft-addr", "127.0.0.1:7921", "Address for this job's own raft transport")
	rootCmd.Flags().String("rm-addr", "127.0.0.1:7900", "Resource manager RPC address")
	rootCmd.Flags().String("data-dir", "./data/jobmanager", "Data directory for raft and checkpoint metadata")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9092", "Address for /metrics, /health, /ready, /live")
	rootCmd.Flags().String("config", "", "Optional YAML config file overriding defaults")
	_ = rootCmd.MarkFlagRequired("manifest")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runJobManager(cmd *cobra.Command, args []string) error {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	rmAddr, _ := cmd.Flags().GetString("rm-addr")
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
	cfg.DataDir = dataDir
	cfg.BindAddr = bindAddr

	manifest, err := graph.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	streamGraph, err := manifest.BuildStreamGraph()
	if err != nil {
		return fmt.Errorf("build stream graph: %w", err)
	}

	jobID := ids.JobId(manifest.Metadata.Name)
	if jobID == "" {
		jobID = ids.NewJobId()
	}

	leader := newRMLeaderCache(rmAddr)

	coord := coordination.New(coordination.Config{NodeID: string(jobID), BindAddr: raftAddr, DataDir: dataDir})
	if err := coord.Bootstrap(dataDir); err != nil {
		return fmt.Errorf("bootstrap coordinator: %w", err)
	}

	jm := jobmaster.New(cfg, jobID, bindAddr, streamGraph, coord, leader.address, leader.token)
	handle := jm.RunForLeadership()
	metrics.RegisterComponent("coordinator", true, "bootstrapped")

	server := rpc.NewServer()
	jm.RegisterHandlers(server)

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
			log.WithComponent("jobmanager").Error().Err(err).Msg("metrics server exited")
		}
	}()

	log.WithComponent("jobmanager").Info().
		Str("job_id", string(jobID)).Str("bind_addr", bindAddr).Str("rm_addr", rmAddr).
		Str("metrics_addr", metricsAddr).Msg("jobmanager started, contesting job leadership")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("jobmanager").Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		log.WithComponent("jobmanager").Error().Err(err).Msg("rpc server exited")
	}

	handle.Cancel()
	server.GRPCServer().GracefulStop()
	if err := coord.Shutdown(); err != nil {
		return fmt.Errorf("shutdown coordinator: %w", err)
	}
	return nil
}

// rmLeaderCache resolves the resource manager's current fencing token
// by polling its unauthenticated leader_info call; see the identical
// helper in cmd/taskexecutor for why this process does not use
// coordination.Discover against the resource manager directly.
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
