package control

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/xucaiyong/flocker/pkg/events"
	"github.com/xucaiyong/flocker/pkg/log"
	"github.com/xucaiyong/flocker/pkg/metrics"
	"github.com/xucaiyong/flocker/pkg/store"
	"github.com/xucaiyong/flocker/pkg/types"
)

const applyTimeout = 10 * time.Second

// Service is the control service: it owns the desired configuration, collects
// observed node state from the agents, and notifies subscribers when the
// configuration changes. Configuration mutations go through a Raft log so
// additional control replicas can be added for availability; single-node
// bootstrap is the default.
type Service struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *FSM
	store  store.Store
	broker *events.Broker

	stateMu    sync.RWMutex
	nodeStates map[string]types.NodeState
}

// Config holds configuration for creating a Service.
type Config struct {
	NodeID   string
	BindAddr string // Raft bind address
	DataDir  string
}

// NewService creates a control service. Call Bootstrap or Join before use.
func NewService(cfg *Config) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	s := &Service{
		nodeID:     cfg.NodeID,
		bindAddr:   cfg.BindAddr,
		dataDir:    cfg.DataDir,
		fsm:        NewFSM(st),
		store:      st,
		broker:     broker,
		nodeStates: make(map[string]types.NodeState),
	}
	s.fsm.onVersion = s.versionChanged

	// Warm the observed-state cache with whatever the last run saw, so the
	// state API is not empty before agents report again.
	if states, err := st.ListNodeStates(); err == nil {
		for _, ns := range states {
			s.nodeStates[ns.NodeID] = *ns
		}
	}

	return s, nil
}

func (s *Service) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

// startRaft wires Raft with TCP transport and BoltDB-backed log stores and
// returns the transport's local address.
func (s *Service) startRaft() (raft.ServerAddress, error) {
	config := s.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return "", fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(s.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return "", fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return "", fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return "", fmt.Errorf("failed to create raft: %w", err)
	}
	s.raft = r
	return transport.LocalAddr(), nil
}

// Bootstrap initializes a new single-replica Raft cluster. Additional
// replicas come in through StartReplica plus the leader's AddReplica.
func (s *Service) Bootstrap() error {
	addr, err := s.startRaft()
	if err != nil {
		return err
	}

	future := s.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(s.nodeID), Address: addr},
		},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// StartReplica starts Raft without bootstrapping a cluster. The replica
// stays a follower until the current leader admits it via AddReplica; it
// catches up on the configuration through log replay or a snapshot.
func (s *Service) StartReplica() error {
	_, err := s.startRaft()
	return err
}

// AddReplica admits a new control replica as a voter. Leader only.
func (s *Service) AddReplica(id, addr string) error {
	if !s.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := s.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add replica %s: %w", id, err)
	}
	return nil
}

// BootstrapInMemory wires Raft with in-memory transport and stores. Used by
// tests and single-process demos where nothing should touch the disk beyond
// the configuration store itself.
func (s *Service) BootstrapInMemory() error {
	config := s.raftConfig()

	addr, transport := raft.NewInmemTransport("")
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshotStore := raft.NewInmemSnapshotStore()

	r, err := raft.NewRaft(config, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	s.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: addr},
		},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// WaitForLeader blocks until this replica elects a leader or the timeout
// elapses.
func (s *Service) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := s.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %s", timeout)
}

// IsLeader reports whether this replica is the Raft leader.
func (s *Service) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Shutdown stops Raft and closes the store.
func (s *Service) Shutdown() error {
	s.broker.Stop()
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	return s.store.Close()
}

// apply replicates a command through Raft and waits for it to commit.
func (s *Service) apply(op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return err
	}

	future := s.raft.Apply(cmd, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply failed: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// versionChanged runs after every configuration-mutating FSM command.
func (s *Service) versionChanged(v uint64) {
	metrics.ConfigurationVersion.Set(float64(v))
	s.broker.Publish(&events.Event{
		Type:    events.EventConfigurationChanged,
		Version: v,
	})
}

// Configuration assembles the current desired configuration snapshot.
func (s *Service) Configuration() (types.Configuration, error) {
	version, err := s.store.Version()
	if err != nil {
		return types.Configuration{}, err
	}
	records, err := s.store.ListDatasets()
	if err != nil {
		return types.Configuration{}, err
	}

	configs := make([]types.DatasetConfig, 0, len(records))
	for _, rec := range records {
		configs = append(configs, *rec)
	}
	metrics.DatasetsConfigured.Set(float64(len(configs)))
	return types.BuildConfiguration(version, configs, time.Now()), nil
}

// CurrentVersion returns the latest configuration version. Readers compare
// it against a snapshot's Version to detect staleness.
func (s *Service) CurrentVersion() (uint64, error) {
	return s.store.Version()
}

// CreateDataset configures a new dataset with the given primary node. The
// dataset ID is generated unless provided (IDs are immutable afterwards).
func (s *Service) CreateDataset(datasetID, primary string, size int64, metadata map[string]string) (*types.DatasetConfig, error) {
	if primary == "" {
		return nil, fmt.Errorf("dataset requires a primary node")
	}
	if _, err := s.store.GetNode(primary); err != nil {
		return nil, fmt.Errorf("unknown primary node %s: %w", primary, err)
	}
	if datasetID == "" {
		datasetID = uuid.New().String()
	} else if _, err := s.store.GetDataset(datasetID); err == nil {
		return nil, fmt.Errorf("dataset %s already exists", datasetID)
	}

	cfg := &types.DatasetConfig{
		Dataset: types.Dataset{
			ID:          datasetID,
			MaximumSize: size,
			Metadata:    metadata,
		},
		Primary: primary,
	}
	if err := s.apply(opPutDataset, cfg); err != nil {
		return nil, err
	}

	s.broker.Publish(&events.Event{Type: events.EventDatasetCreated, DatasetID: datasetID})
	return cfg, nil
}

// MoveDataset reassigns a dataset's primary node. The agents carry out the
// actual handoff; this only changes the desired configuration.
func (s *Service) MoveDataset(datasetID, primary string) error {
	cfg, err := s.store.GetDataset(datasetID)
	if err != nil {
		return err
	}
	if cfg.Deleted {
		return fmt.Errorf("dataset %s is marked for deletion", datasetID)
	}
	if _, err := s.store.GetNode(primary); err != nil {
		return fmt.Errorf("unknown primary node %s: %w", primary, err)
	}
	if cfg.Primary == primary {
		return nil
	}

	if err := s.apply(opMoveDataset, moveDataset{DatasetID: datasetID, Primary: primary}); err != nil {
		return err
	}
	s.broker.Publish(&events.Event{Type: events.EventDatasetMoved, DatasetID: datasetID})
	return nil
}

// SetDatasetMetadata replaces a dataset's metadata. Metadata lives only in
// the configuration; no storage backend operation is involved.
func (s *Service) SetDatasetMetadata(datasetID string, metadata map[string]string) error {
	cfg, err := s.store.GetDataset(datasetID)
	if err != nil {
		return err
	}
	if cfg.Deleted {
		return fmt.Errorf("dataset %s is marked for deletion", datasetID)
	}
	cfg.Dataset.Metadata = metadata
	return s.apply(opPutDataset, cfg)
}

// DeleteDataset marks a dataset for deletion everywhere. The record is kept
// as a tombstone until no node reports the dataset any more, then purged.
func (s *Service) DeleteDataset(datasetID string) error {
	if _, err := s.store.GetDataset(datasetID); err != nil {
		return err
	}
	if err := s.apply(opMarkDeleted, datasetID); err != nil {
		return err
	}
	s.broker.Publish(&events.Event{Type: events.EventDatasetDeleted, DatasetID: datasetID})
	return nil
}

// Datasets lists the configured dataset placements.
func (s *Service) Datasets() ([]*types.DatasetConfig, error) {
	return s.store.ListDatasets()
}

// GetDataset returns one configured dataset placement.
func (s *Service) GetDataset(datasetID string) (*types.DatasetConfig, error) {
	return s.store.GetDataset(datasetID)
}

// RegisterNode records an agent's identity and address. Registration is
// idempotent; agents re-register on every start.
func (s *Service) RegisterNode(node types.Node) error {
	if node.ID == "" {
		return fmt.Errorf("node requires an ID")
	}
	return s.apply(opPutNode, node)
}

// Nodes lists the registered nodes.
func (s *Service) Nodes() ([]*types.Node, error) {
	return s.store.ListNodes()
}

// GetNode returns one registered node.
func (s *Service) GetNode(id string) (*types.Node, error) {
	return s.store.GetNode(id)
}

// RecordNodeState stores an agent's observed state report. Deletion
// tombstones whose datasets no longer appear anywhere are purged here, which
// is the only place with enough information to decide that safely.
func (s *Service) RecordNodeState(ns types.NodeState) error {
	s.stateMu.Lock()
	s.nodeStates[ns.NodeID] = ns
	reporting := len(s.nodeStates)
	s.stateMu.Unlock()

	if err := s.store.PutNodeState(&ns); err != nil {
		return err
	}

	metrics.NodesReporting.Set(float64(reporting))
	s.updateStatusMetrics()
	s.broker.Publish(&events.Event{Type: events.EventNodeStateReported, NodeID: ns.NodeID})

	for _, st := range ns.Statuses {
		if st.Kind == types.DatasetConflict {
			s.broker.Publish(&events.Event{
				Type:      events.EventStateConflict,
				NodeID:    ns.NodeID,
				DatasetID: st.DatasetID,
				Message:   st.Message,
			})
		}
	}

	return s.purgeConvergedTombstones()
}

// ClusterState assembles the observed dataset placement across all nodes.
func (s *Service) ClusterState() types.ClusterState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	nodes := make(map[string]types.NodeState, len(s.nodeStates))
	for id, ns := range s.nodeStates {
		nodes[id] = ns
	}
	return types.ClusterState{Nodes: nodes}
}

// Subscribe returns a channel of control-plane events; used by the API's
// configuration long-poll.
func (s *Service) Subscribe() events.Subscriber {
	return s.broker.Subscribe()
}

// Unsubscribe releases a subscription.
func (s *Service) Unsubscribe(sub events.Subscriber) {
	s.broker.Unsubscribe(sub)
}

// purgeConvergedTombstones removes deletion tombstones for datasets that no
// node reports any more.
func (s *Service) purgeConvergedTombstones() error {
	if !s.IsLeader() {
		return nil
	}
	datasets, err := s.store.ListDatasets()
	if err != nil {
		return err
	}
	state := s.ClusterState()

	logger := log.WithComponent("control")
	for _, cfg := range datasets {
		if !cfg.Deleted {
			continue
		}
		if datasetObserved(state, cfg.Dataset.ID) {
			continue
		}
		if err := s.apply(opPurgeDataset, cfg.Dataset.ID); err != nil {
			// Benign if leadership was lost mid-loop; the next leader retries.
			logger.Warn().Err(err).Str("dataset_id", cfg.Dataset.ID).Msg("failed to purge tombstone")
			continue
		}
		logger.Info().Str("dataset_id", cfg.Dataset.ID).Msg("purged deleted dataset")
	}
	return nil
}

func datasetObserved(state types.ClusterState, datasetID string) bool {
	for _, ns := range state.Nodes {
		for _, m := range ns.Manifestations {
			if m.Dataset.ID == datasetID {
				return true
			}
		}
	}
	return false
}

func (s *Service) updateStatusMetrics() {
	state := s.ClusterState()
	counts := make(map[types.DatasetStatusKind]int)
	for _, ns := range state.Nodes {
		for _, st := range ns.Statuses {
			counts[st.Kind]++
		}
	}
	for _, kind := range []types.DatasetStatusKind{
		types.DatasetPending, types.DatasetConverged, types.DatasetFailed, types.DatasetConflict,
	} {
		metrics.DatasetsByStatus.WithLabelValues(string(kind)).Set(float64(counts[kind]))
	}
}
