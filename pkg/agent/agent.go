package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xucaiyong/flocker/pkg/backend"
	"github.com/xucaiyong/flocker/pkg/client"
	"github.com/xucaiyong/flocker/pkg/diff"
	"github.com/xucaiyong/flocker/pkg/executor"
	"github.com/xucaiyong/flocker/pkg/log"
	"github.com/xucaiyong/flocker/pkg/metrics"
	"github.com/xucaiyong/flocker/pkg/types"
)

// Phase names the stage the convergence loop is currently in.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseDiffing   Phase = "diffing"
	PhaseExecuting Phase = "executing"
	PhaseReporting Phase = "reporting"
)

// Agent runs the per-node convergence loop: fetch the desired configuration,
// diff it against locally observed state, execute the remedial actions, and
// report the resulting node state back to the control service.
//
// Cycles never overlap. The loop runs on its own goroutine and is driven by
// two triggers, a fallback ticker and a wake from the configuration
// long-poll; whichever fires while a cycle is in flight is simply absorbed
// into the next cycle.
type Agent struct {
	cfg      Config
	driver   backend.Driver
	control  *client.ControlClient
	executor *executor.Executor
	server   *Server
	logger   zerolog.Logger

	lastVersion atomic.Uint64

	mu    sync.Mutex
	phase Phase

	wakeCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopWatch context.CancelFunc
}

// New constructs an agent from configuration, including its storage driver
// and handoff receive server. Nothing runs until Start.
func New(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driver, err := backend.New(cfg.Backend.Name, cfg.DriverConfig())
	if err != nil {
		return nil, err
	}

	control := client.NewControlClient(cfg.ControlAddress)
	dialer := &controlDialer{control: control, timeout: cfg.HandoffTimeout}

	a := &Agent{
		cfg:      cfg,
		driver:   driver,
		control:  control,
		executor: executor.New(driver, dialer),
		server:   NewServer(cfg.ListenAddress, driver),
		logger:   log.WithNode(cfg.NodeID).With().Str("component", "agent").Logger(),
		phase:    PhaseIdle,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return a, nil
}

// Driver exposes the agent's storage driver.
func (a *Agent) Driver() backend.Driver { return a.driver }

// Phase reports the loop's current stage.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

func (a *Agent) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

// Start registers the node with the control service and launches the
// receive server, the configuration watcher, and the convergence loop.
func (a *Agent) Start(ctx context.Context) error {
	node := types.Node{ID: a.cfg.NodeID, Address: a.cfg.AdvertiseAddress}
	if err := a.control.RegisterNode(ctx, node); err != nil {
		return fmt.Errorf("register node with control service: %w", err)
	}

	if err := a.server.Start(); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.stopWatch = cancel
	go a.watch(watchCtx)
	go a.run()

	a.logger.Info().
		Str("control", a.cfg.ControlAddress).
		Str("backend", a.cfg.Backend.Name).
		Dur("interval", a.cfg.ConvergeInterval).
		Msg("agent started")
	return nil
}

// Stop shuts the agent down gracefully: the in-flight cycle drains to
// completion, then the loop, watcher, and receive server stop.
func (a *Agent) Stop(ctx context.Context) error {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	close(a.stopCh)

	select {
	case <-a.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.server.Stop(ctx)
}

// run is the convergence loop. It converges once immediately, then on every
// ticker tick or long-poll wake until stopped.
func (a *Agent) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.cfg.ConvergeInterval)
	defer ticker.Stop()

	a.converge()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.converge()
		case <-a.wakeCh:
			a.converge()
		}
	}
}

// watch long-polls the control service and wakes the loop when a newer
// configuration version is committed.
func (a *Agent) watch(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		config, err := a.control.WaitConfiguration(ctx, a.lastVersion.Load())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Debug().Err(err).Msg("configuration watch failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if config.Version > a.lastVersion.Load() {
			select {
			case a.wakeCh <- struct{}{}:
			default:
			}
		}
	}
}

// converge runs exactly one convergence cycle. Errors are logged and
// reported upstream where possible; the loop always survives to the next
// trigger.
func (a *Agent) converge() {
	ctx := context.Background()
	timer := metrics.NewTimer()
	defer func() {
		metrics.ConvergenceCyclesTotal.Inc()
		timer.ObserveDuration(metrics.ConvergenceDuration)
		a.setPhase(PhaseIdle)
	}()

	a.setPhase(PhaseFetching)
	config, err := a.control.GetConfiguration(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("cannot fetch configuration, skipping cycle")
		return
	}
	a.lastVersion.Store(config.Version)

	state, err := a.control.GetState(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("cannot fetch cluster state, skipping cycle")
		return
	}

	manifestations, err := a.driver.Enumerate(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("backend enumeration failed, skipping cycle")
		return
	}
	// The control service's view of this node is at least one report stale;
	// the local enumeration is authoritative for the diff.
	if state.Nodes == nil {
		state.Nodes = make(map[string]types.NodeState)
	}
	state.Nodes[a.cfg.NodeID] = types.NodeState{
		NodeID:         a.cfg.NodeID,
		Manifestations: manifestations,
	}

	a.setPhase(PhaseDiffing)
	plan := diff.Calculate(config, state, a.cfg.NodeID)

	a.setPhase(PhaseExecuting)
	var outcomes []executor.Outcome
	if len(plan.Actions) > 0 {
		a.logger.Info().Int("actions", len(plan.Actions)).Uint64("version", config.Version).Msg("executing convergence plan")
		outcomes = a.executor.Run(ctx, plan)
	}

	a.setPhase(PhaseReporting)
	a.report(ctx, config, plan, outcomes)
}

// report pushes the post-cycle node state, re-enumerated so the control
// service sees the effect of the executed actions, not the plan's inputs.
func (a *Agent) report(ctx context.Context, config types.Configuration, plan diff.Plan, outcomes []executor.Outcome) {
	manifestations, err := a.driver.Enumerate(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("backend enumeration failed, skipping state report")
		return
	}

	ns := types.NodeState{
		NodeID:         a.cfg.NodeID,
		Manifestations: manifestations,
		Statuses:       buildStatuses(config, plan, outcomes, a.cfg.NodeID),
		ObservedAt:     time.Now().UTC(),
		ConfigVersion:  config.Version,
	}
	if err := a.control.PushNodeState(ctx, ns); err != nil {
		a.logger.Warn().Err(err).Msg("cannot push node state")
	}
}

// buildStatuses folds the cycle's plan and outcomes into per-dataset
// statuses. Datasets desired here with no planned action are converged;
// everything else takes its status from the action that ran.
func buildStatuses(config types.Configuration, plan diff.Plan, outcomes []executor.Outcome, localNode string) []types.DatasetStatus {
	statuses := make(map[string]types.DatasetStatus)

	for _, m := range config.OnNode(localNode) {
		if m.Deleted {
			continue
		}
		statuses[m.Dataset.ID] = types.DatasetStatus{
			DatasetID: m.Dataset.ID,
			Kind:      types.DatasetConverged,
		}
	}

	// Plan order puts dependent actions after their prerequisites, so the
	// last outcome for a dataset is the decisive one.
	for _, o := range outcomes {
		id := o.Action.Dataset.ID
		switch o.Kind {
		case executor.OutcomeSucceeded:
			statuses[id] = types.DatasetStatus{DatasetID: id, Kind: types.DatasetConverged}
		case executor.OutcomePending:
			statuses[id] = types.DatasetStatus{
				DatasetID: id,
				Kind:      types.DatasetPending,
				Message:   fmt.Sprintf("waiting for handoff from %s", o.Action.Peer),
			}
		case executor.OutcomeSkipped:
			statuses[id] = types.DatasetStatus{
				DatasetID: id,
				Kind:      types.DatasetPending,
				Message:   errMessage(o.Err),
			}
		default:
			statuses[id] = types.DatasetStatus{
				DatasetID: id,
				Kind:      types.DatasetFailed,
				Message:   errMessage(o.Err),
			}
		}
	}

	for _, c := range plan.Conflicts {
		statuses[c.DatasetID] = types.DatasetStatus{
			DatasetID: c.DatasetID,
			Kind:      types.DatasetConflict,
			Message:   c.Error(),
		}
	}

	out := make([]types.DatasetStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
