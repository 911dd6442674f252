package control

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/xucaiyong/flocker/pkg/store"
	"github.com/xucaiyong/flocker/pkg/types"
)

// Command represents a configuration change in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command op names. Every op that changes the desired configuration bumps
// the configuration version; node registration does not.
const (
	opPutDataset   = "put_dataset"
	opMoveDataset  = "move_dataset"
	opMarkDeleted  = "mark_deleted"
	opPurgeDataset = "purge_dataset"
	opPutNode      = "put_node"
	opDeleteNode   = "delete_node"
)

type moveDataset struct {
	DatasetID string `json:"dataset_id"`
	Primary   string `json:"primary"`
}

// FSM applies committed configuration commands to the persistent store.
// Observed node state never passes through here: it is ephemeral,
// re-derived by agents every cycle, and would only bloat the log.
type FSM struct {
	mu    sync.Mutex
	store store.Store

	// onVersion, when set, is invoked with the new version after each
	// configuration-mutating command. The service uses it to wake
	// long-polling agents.
	onVersion func(v uint64)
}

// NewFSM creates an FSM backed by the given store.
func NewFSM(st store.Store) *FSM {
	return &FSM{store: st}
}

// Apply applies a committed Raft log entry.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutDataset:
		var cfg types.DatasetConfig
		if err := json.Unmarshal(cmd.Data, &cfg); err != nil {
			return err
		}
		if err := f.store.PutDataset(&cfg); err != nil {
			return err
		}
		return f.bumpVersion()

	case opMoveDataset:
		var mv moveDataset
		if err := json.Unmarshal(cmd.Data, &mv); err != nil {
			return err
		}
		cfg, err := f.store.GetDataset(mv.DatasetID)
		if err != nil {
			return err
		}
		cfg.Primary = mv.Primary
		if err := f.store.PutDataset(cfg); err != nil {
			return err
		}
		return f.bumpVersion()

	case opMarkDeleted:
		var datasetID string
		if err := json.Unmarshal(cmd.Data, &datasetID); err != nil {
			return err
		}
		cfg, err := f.store.GetDataset(datasetID)
		if err != nil {
			return err
		}
		cfg.Deleted = true
		if err := f.store.PutDataset(cfg); err != nil {
			return err
		}
		return f.bumpVersion()

	case opPurgeDataset:
		var datasetID string
		if err := json.Unmarshal(cmd.Data, &datasetID); err != nil {
			return err
		}
		if err := f.store.DeleteDataset(datasetID); err != nil {
			return err
		}
		return f.bumpVersion()

	case opPutNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.PutNode(&node)

	case opDeleteNode:
		var nodeID string
		if err := json.Unmarshal(cmd.Data, &nodeID); err != nil {
			return err
		}
		return f.store.DeleteNode(nodeID)

	default:
		return fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

// bumpVersion must be called with the lock held.
func (f *FSM) bumpVersion() error {
	v, err := f.store.Version()
	if err != nil {
		return err
	}
	v++
	if err := f.store.SetVersion(v); err != nil {
		return err
	}
	if f.onVersion != nil {
		f.onVersion(v)
	}
	return nil
}

// fsmSnapshot is the serialized form of the whole desired configuration.
type fsmSnapshot struct {
	Version  uint64                 `json:"version"`
	Datasets []*types.DatasetConfig `json:"datasets"`
	Nodes    []*types.Node          `json:"nodes"`
}

// Snapshot captures the current configuration for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	version, err := f.store.Version()
	if err != nil {
		return nil, err
	}
	datasets, err := f.store.ListDatasets()
	if err != nil {
		return nil, err
	}
	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, err
	}

	return &snapshotSink{snapshot: fsmSnapshot{
		Version:  version,
		Datasets: datasets,
		Nodes:    nodes,
	}}, nil
}

// Restore replaces the configuration from a snapshot stream.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.store.ListDatasets()
	if err != nil {
		return err
	}
	for _, cfg := range existing {
		if err := f.store.DeleteDataset(cfg.Dataset.ID); err != nil {
			return err
		}
	}
	for _, cfg := range snap.Datasets {
		if err := f.store.PutDataset(cfg); err != nil {
			return err
		}
	}
	for _, node := range snap.Nodes {
		if err := f.store.PutNode(node); err != nil {
			return err
		}
	}
	return f.store.SetVersion(snap.Version)
}

type snapshotSink struct {
	snapshot fsmSnapshot
}

func (s *snapshotSink) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.snapshot); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshotSink) Release() {}
