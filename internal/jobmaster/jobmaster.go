// Package jobmaster implements the per-job control process: it wins
// leadership of its own coordination path, registers with the
// ResourceManager, compiles and schedules one job's ExecutionGraph, and
// drives that job's CheckpointCoordinator. One JobMaster instance
// governs exactly one job for the lifetime of the process.
package jobmaster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamcore/engine/internal/checkpoint"
	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/coordination"
	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/graph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
	"github.com/streamcore/engine/internal/registration"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/scheduler"
)

// leadershipPath namespaces this job's raft path among every other
// path a shared Coordinator might be asked to elect.
func leadershipPath(jobID ids.JobId) string { return "jobmaster/" + string(jobID) }

// JobMaster is the control process for one submitted job. It implements
// coordination.Candidate so a Coordinator can hand it leadership of its
// own job path, at which point it registers with the ResourceManager
// and starts scheduling.
type JobMaster struct {
	mu sync.Mutex

	jobID   ids.JobId
	address string
	cfg     config.Config

	coordinator *coordination.Coordinator
	handle      *coordination.LeaderHandle

	rmAddress func() string
	rmToken   func() string

	fencingToken ids.FencingToken
	leader       bool

	streamGraph *graph.StreamGraph
	eg          *execgraph.ExecutionGraph
	scheduler   *scheduler.DefaultScheduler
	checkpoints *checkpoint.CheckpointCoordinator

	allocator *jmSlotAllocator
	deployer  *jmDeployer

	rmGateway rpc.ResourceManagerGateway
	reg       *registration.RetryingRegistration[rpc.ResourceManagerGateway]
	cancel    context.CancelFunc

	operations map[string]*rpc.AsyncOperationResult
}

// New constructs a JobMaster for streamGraph, not yet contesting
// leadership. address is this process's own RPC address, published to
// the ResourceManager and other JobMasters once leadership is
// confirmed. rmAddress/rmToken mirror TaskExecutor's discoverer
// closures, kept independent of the leader-election mechanism so this
// package stays testable without a live Coordinator.
func New(cfg config.Config, jobID ids.JobId, address string, streamGraph *graph.StreamGraph, coordinator *coordination.Coordinator, rmAddress, rmToken func() string) *JobMaster {
	return &JobMaster{
		jobID:       jobID,
		address:     address,
		cfg:         cfg,
		coordinator: coordinator,
		rmAddress:   rmAddress,
		rmToken:     rmToken,
		streamGraph: streamGraph,
		operations:  make(map[string]*rpc.AsyncOperationResult),
	}
}

// Grant implements coordination.Candidate: this process now owns the
// job's leadership path. It publishes its address under the
// coordinator's replicated log and starts the job in the background;
// Grant itself must not block.
func (jm *JobMaster) Grant(token ids.FencingToken) {
	jm.mu.Lock()
	jm.fencingToken = token
	jm.leader = true
	jm.mu.Unlock()

	log.WithComponent("jobmaster").Info().Str("job_id", string(jm.jobID)).Str("fencing_token", string(token)).Msg("granted job leadership")
	metrics.IsLeader.WithLabelValues("jobmaster/" + string(jm.jobID)).Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	jm.mu.Lock()
	jm.cancel = cancel
	jm.mu.Unlock()

	go func() {
		if err := jm.coordinator.ConfirmLeadership(leadershipPath(jm.jobID), token, jm.address); err != nil {
			log.WithComponent("jobmaster").Warn().Err(err).Str("job_id", string(jm.jobID)).Msg("failed to confirm leadership")
			cancel()
			return
		}
		jm.runJob(ctx)
	}()
}

// Revoke implements coordination.Candidate: leadership lost, tear down
// the scheduling/checkpointing goroutines so a stale leader cannot keep
// mutating execution state.
func (jm *JobMaster) Revoke() {
	jm.mu.Lock()
	jm.leader = false
	cancel := jm.cancel
	jm.cancel = nil
	jm.mu.Unlock()

	log.WithComponent("jobmaster").Warn().Str("job_id", string(jm.jobID)).Msg("revoked job leadership")
	metrics.IsLeader.WithLabelValues("jobmaster/" + string(jm.jobID)).Set(0)
	if cancel != nil {
		cancel()
	}
}

// RunForLeadership registers jm with its Coordinator; call once at
// process startup. The returned handle lets the caller stop contesting
// leadership (e.g. on job cancellation).
func (jm *JobMaster) RunForLeadership() *coordination.LeaderHandle {
	jm.handle = jm.coordinator.RunForLeadership(leadershipPath(jm.jobID), jm)
	return jm.handle
}

func (jm *JobMaster) currentToken() ids.FencingToken {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.fencingToken
}

// currentTokenString adapts currentToken to the `func() string` shape
// rpc gateway clients expect for their fencing-token closure.
func (jm *JobMaster) currentTokenString() string {
	return string(jm.currentToken())
}

// checkToken rejects a call while this process is not the confirmed
// leader. A nonempty token must match exactly; the ResourceManager's
// own fail_slot/heartbeat calls to a JobMaster are sent unfenced
// (matching resourcemgr's behavior toward its own callers), so an
// empty token is tolerated rather than rejected.
func (jm *JobMaster) checkToken(token string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if !jm.leader {
		return rpc.Decline(fmt.Errorf("not the leader"))
	}
	if token != "" && token != string(jm.fencingToken) {
		return rpc.Decline(fmt.Errorf("stale fencing token"))
	}
	return nil
}

// runJob compiles the stream graph, builds the execution graph and
// scheduler, registers with the ResourceManager, and deploys every
// vertex. It runs for as long as this process holds leadership.
func (jm *JobMaster) runJob(ctx context.Context) {
	jg := graph.Compile(jm.jobID, jm.streamGraph, graph.ExchangeAllPipelined)
	eg, err := execgraph.NewExecutionGraph(jg)
	if err != nil {
		log.WithComponent("jobmaster").Error().Err(err).Str("job_id", string(jm.jobID)).Msg("failed to build execution graph")
		return
	}

	jm.mu.Lock()
	jm.eg = eg
	jm.mu.Unlock()

	precomputePartitions(eg)

	allocator := newSlotAllocator(jm)
	deployer := newDeployer(jm, eg)
	jm.mu.Lock()
	jm.allocator = allocator
	jm.deployer = deployer
	jm.mu.Unlock()

	settings := bridgeCheckpointingSettings(jg.Checkpointing)
	disp := newDispatcher(jm, eg)
	resolver := vertexResolver(eg)
	metadataRoot := jm.cfg.DataDir
	if metadataRoot == "" {
		metadataRoot = "."
	}
	metadataStore := checkpoint.NewFileMetadataStore(metadataRoot)
	cc := checkpoint.NewCheckpointCoordinator(jm.jobID, settings, disp, resolver, metadataStore, jm.onCheckpointingFailure)
	jm.mu.Lock()
	jm.checkpoints = cc
	jm.mu.Unlock()

	sched := scheduler.New(eg, scheduler.StrategyEager, allocator, deployer,
		scheduler.RegionLocalStrategy{}, scheduler.FixedDelayRestart{Delay: time.Second, MaxAttempts: 10}, settings)
	jm.mu.Lock()
	jm.scheduler = sched
	jm.mu.Unlock()

	if err := jm.registerWithResourceManager(ctx); err != nil {
		log.WithComponent("jobmaster").Warn().Err(err).Str("job_id", string(jm.jobID)).Msg("registration with resource manager ended")
		return
	}

	if err := sched.AllocateSlotsAndDeploy(ctx, eg.AllVertices()); err != nil {
		log.WithComponent("jobmaster").Error().Err(err).Str("job_id", string(jm.jobID)).Msg("initial deployment failed")
		return
	}

	if settings.Interval > 0 {
		go cc.Run(ctx)
	}

	<-ctx.Done()
}

// precomputePartitions assigns every ExecutionVertex its produced
// partition descriptors up front, independent of deployment order, so
// a downstream vertex's InputGateDescriptor can always name its
// producer's partition id even if the two are submitted out of order.
func precomputePartitions(eg *execgraph.ExecutionGraph) {
	for _, ejv := range eg.JobVertices {
		jv := ejv.JobVertex
		for _, v := range ejv.Vertices {
			var produced []rpc.ResultPartitionDescriptor
			for _, edge := range jv.OutEdges {
				numSub := 1
				if edge.Distribution == graph.DistributionAllToAll {
					numSub = edge.To.Parallelism
				}
				produced = append(produced, rpc.ResultPartitionDescriptor{
					PartitionID:      string(ids.NewResultPartitionId()),
					NumSubpartitions: numSub,
					PartitionType:    partitionTypeString(edge.PartitionType),
					PartitionerKind:  partitionerKindString(edge.Partitioner),
				})
			}
			v.Produced = produced
		}
	}
}

func partitionTypeString(pt graph.PartitionType) string {
	if pt == graph.PartitionAllBlocking {
		return "blocking"
	}
	return "pipelined-bounded"
}

// partitionerKindString names edge.Partitioner the way
// internal/runtime/task's emitToPartitions expects it on the wire.
func partitionerKindString(p graph.PartitionerKind) string {
	switch p {
	case graph.PartitionForward:
		return "forward"
	case graph.PartitionRescale:
		return "rescale"
	case graph.PartitionHash:
		return "hash"
	case graph.PartitionBroadcast:
		return "broadcast"
	case graph.PartitionRebalance:
		return "rebalance"
	default:
		return "custom"
	}
}

// bridgeCheckpointingSettings converts the graph compiler's
// JobCheckpointingSettings (vertex ids typed as ids.JobVertexId) into
// the wire shape the scheduler and checkpoint coordinator share
// (plain strings), since a TaskDeploymentDescriptor travels over JSON.
func bridgeCheckpointingSettings(s graph.JobCheckpointingSettings) rpc.JobCheckpointingSettings {
	toStrings := func(vids []ids.JobVertexId) []string {
		out := make([]string, len(vids))
		for i, id := range vids {
			out[i] = string(id)
		}
		return out
	}
	return rpc.JobCheckpointingSettings{
		Interval:                   s.Interval,
		Timeout:                    s.Timeout,
		MinPauseBetweenCheckpoints: s.MinPauseBetweenCheckpoints,
		MaxConcurrentCheckpoints:   s.MaxConcurrentCheckpoints,
		TolerableFailures:          s.TolerableFailures,
		ExactlyOnce:                s.ExactlyOnce,
		UnalignedEnabled:           s.UnalignedEnabled,
		TriggerVertexIDs:           toStrings(s.TriggerVertexIDs),
		AckVertexIDs:               toStrings(s.AckVertexIDs),
		CommitVertexIDs:            toStrings(s.CommitVertexIDs),
	}
}

// onCheckpointingFailure is the checkpoint.FailureHandler: once
// tolerable checkpoint failures are exceeded the job is treated like
// any other unrecoverable failure and torn down via HandleFailure
// against every currently running vertex.
func (jm *JobMaster) onCheckpointingFailure(cause error) {
	jm.mu.Lock()
	eg, sched := jm.eg, jm.scheduler
	jm.mu.Unlock()
	if eg == nil || sched == nil {
		return
	}
	log.WithComponent("jobmaster").Error().Err(cause).Str("job_id", string(jm.jobID)).Msg("checkpointing failed beyond tolerance, restarting job")
	for _, v := range eg.AllVertices() {
		if cur := v.CurrentAttempt(); cur != nil && !cur.CurrentState().Terminal() {
			_ = sched.HandleFailure(context.Background(), v, cause)
			return
		}
	}
}

// registerWithResourceManager runs the RetryingRegistration loop
// against the ResourceManager until it succeeds, exactly mirroring
// TaskExecutor.Run's pattern.
func (jm *JobMaster) registerWithResourceManager(ctx context.Context) error {
	resourceID := ids.NewResourceId()
	reg := registration.New[rpc.ResourceManagerGateway](
		"resourcemanager",
		func(ctx context.Context) (rpc.ResourceManagerGateway, error) {
			addr := jm.rmAddress()
			if addr == "" {
				return nil, fmt.Errorf("resourcemanager leader not yet discovered")
			}
			conn, err := rpc.Dial(addr)
			if err != nil {
				return nil, err
			}
			return rpc.NewResourceManagerClient(conn, jm.rmToken), nil
		},
		func(ctx context.Context, gw rpc.ResourceManagerGateway, timeout time.Duration) (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result, err := gw.RegisterJobManager(callCtx, jm.rmToken(), string(resourceID), jm.address, string(jm.jobID))
			if err != nil {
				return nil, err
			}
			if !result.Success {
				return nil, registration.Declined
			}
			return result, nil
		},
		jm.cfg.Registration,
	)
	jm.mu.Lock()
	jm.reg = reg
	jm.mu.Unlock()

	gw, _, err := reg.Run(ctx)
	if err != nil {
		return err
	}
	jm.mu.Lock()
	jm.rmGateway = gw
	jm.mu.Unlock()
	return nil
}

// RegisterHandlers binds every JobMasterGateway method to server.
func (jm *JobMaster) RegisterHandlers(server *rpc.Server) {
	server.Register(rpc.MethodUpdateTaskExecutionState, jm.handleUpdateTaskExecutionState)
	server.Register(rpc.MethodOfferSlots, jm.handleOfferSlots)
	server.Register(rpc.MethodFailSlot, jm.handleFailSlot)
	server.Register(rpc.MethodAcknowledgeCheckpoint, jm.handleAcknowledgeCheckpoint)
	server.Register(rpc.MethodDeclineCheckpoint, jm.handleDeclineCheckpoint)
	server.Register(rpc.MethodHeartbeatFromTaskManagerJM, jm.handleHeartbeatFromTaskManager)
	server.Register(rpc.MethodHeartbeatFromResourceManagerJM, jm.handleHeartbeatFromResourceManager)
	server.Register(rpc.MethodTriggerSavepoint, jm.handleTriggerSavepoint)
	server.Register(rpc.MethodStopWithSavepoint, jm.handleStopWithSavepoint)
	server.Register(rpc.MethodOperationStatus, jm.handleOperationStatus)
	server.Register(rpc.MethodJobStatus, jm.handleJobStatus)
	server.Register(rpc.MethodCancelJob, jm.handleCancelJob)
}
