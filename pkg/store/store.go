package store

import (
	"github.com/xucaiyong/flocker/pkg/types"
)

// Store defines the interface for control-service persistence.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Dataset placement records (desired configuration)
	PutDataset(cfg *types.DatasetConfig) error
	GetDataset(id string) (*types.DatasetConfig, error)
	ListDatasets() ([]*types.DatasetConfig, error)
	DeleteDataset(id string) error

	// Nodes
	PutNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Observed node state (latest report per node, for operator inspection;
	// authoritative copies are always re-derived by the agents)
	PutNodeState(state *types.NodeState) error
	GetNodeState(nodeID string) (*types.NodeState, error)
	ListNodeStates() ([]*types.NodeState, error)

	// Configuration version
	SetVersion(v uint64) error
	Version() (uint64, error)

	// Utility
	Close() error
}
