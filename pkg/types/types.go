package types

import (
	"sort"
	"time"
)

// Node represents a storage node participating in the cluster.
type Node struct {
	ID      string // UUID
	Address string // host:port of the node's agent endpoint
}

// Dataset is a named unit of persistent data with a stable identity.
// The ID never changes once the dataset has been created.
type Dataset struct {
	ID          string            // UUID, globally unique and immutable
	MaximumSize int64             // Logical size in bytes
	Metadata    map[string]string // Arbitrary operator-supplied key/value pairs
}

// Clone returns a deep copy of the dataset.
func (d Dataset) Clone() Dataset {
	out := d
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Manifestation is the materialized presence of a dataset on a node.
type Manifestation struct {
	Dataset Dataset
	// Primary marks the read/write serving copy. A dataset has at most one
	// primary manifestation in a converged cluster.
	Primary bool
	// Deleted marks the operator's intent to remove the dataset everywhere.
	Deleted bool
}

// Volume is the storage-backend resource backing a manifestation on a node.
// It is created and destroyed only by executed actions.
type Volume struct {
	DatasetID     string
	BlockDeviceID string // Backend handle, e.g. "block-<dataset-id>"
	Size          int64
	AttachedTo    string // Node ID, empty while unattached
	DevicePath    string // Host device or directory path, empty while unattached
}

// Configuration is the cluster-wide desired placement of datasets, keyed by
// node ID. It is an immutable snapshot: the convergence engine never mutates
// it, and each Version is produced by exactly one control-service command.
type Configuration struct {
	Version   uint64
	Nodes     map[string][]Manifestation
	UpdatedAt time.Time
}

// OnNode returns the manifestations the configuration assigns to one node,
// in ascending dataset-ID order.
func (c Configuration) OnNode(nodeID string) []Manifestation {
	out := append([]Manifestation(nil), c.Nodes[nodeID]...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Dataset.ID < out[j].Dataset.ID
	})
	return out
}

// DatasetDeleted reports whether the configuration marks the dataset for
// deletion on any node.
func (c Configuration) DatasetDeleted(datasetID string) bool {
	for _, manifestations := range c.Nodes {
		for _, m := range manifestations {
			if m.Dataset.ID == datasetID && m.Deleted {
				return true
			}
		}
	}
	return false
}

// DesiredNode returns the node the configuration assigns the dataset's
// primary manifestation to, or "" if the dataset is not configured.
func (c Configuration) DesiredNode(datasetID string) string {
	for nodeID, manifestations := range c.Nodes {
		for _, m := range manifestations {
			if m.Dataset.ID == datasetID && m.Primary {
				return nodeID
			}
		}
	}
	return ""
}

// DatasetConfig is the desired placement of a single dataset as recorded by
// the control service. The full Configuration snapshot is assembled from
// these records plus the current version.
type DatasetConfig struct {
	Dataset Dataset
	Primary string // Node ID that should hold the primary manifestation
	Deleted bool   // Operator intent to remove the dataset everywhere
}

// BuildConfiguration assembles an immutable Configuration snapshot from
// dataset placement records.
func BuildConfiguration(version uint64, records []DatasetConfig, updatedAt time.Time) Configuration {
	nodes := make(map[string][]Manifestation)
	for _, rec := range records {
		if rec.Primary == "" {
			continue
		}
		nodes[rec.Primary] = append(nodes[rec.Primary], Manifestation{
			Dataset: rec.Dataset.Clone(),
			Primary: true,
			Deleted: rec.Deleted,
		})
	}
	return Configuration{Version: version, Nodes: nodes, UpdatedAt: updatedAt}
}

// DatasetStatusKind classifies the outcome of converging one dataset.
type DatasetStatusKind string

const (
	DatasetPending   DatasetStatusKind = "pending"
	DatasetConverged DatasetStatusKind = "converged"
	DatasetFailed    DatasetStatusKind = "failed"
	DatasetConflict  DatasetStatusKind = "conflict"
)

// DatasetStatus is the per-dataset result reported after a convergence cycle.
// A failed dataset keeps reporting its failure until the backend recovers or
// the configuration changes.
type DatasetStatus struct {
	DatasetID string
	Kind      DatasetStatusKind
	Message   string
}

// NodeState is one node's observed state, rebuilt from backend enumeration on
// every convergence cycle and pushed to the control service. It is never
// hand-edited and never persisted by the agent across restarts.
type NodeState struct {
	NodeID         string
	Manifestations []Manifestation
	Statuses       []DatasetStatus
	ObservedAt     time.Time
	// ConfigVersion is the configuration version the cycle converged against.
	ConfigVersion uint64
}

// ClusterState is the observed dataset placement across the whole cluster,
// assembled by the control service from the latest NodeState of each agent.
type ClusterState struct {
	Nodes map[string]NodeState
}

// OnNode returns the manifestations observed on one node, in ascending
// dataset-ID order.
func (s ClusterState) OnNode(nodeID string) []Manifestation {
	out := append([]Manifestation(nil), s.Nodes[nodeID].Manifestations...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Dataset.ID < out[j].Dataset.ID
	})
	return out
}

// PrimaryNodes returns every node currently reporting a primary manifestation
// of the dataset, in ascending node-ID order. More than one entry means the
// cluster is split-brained for that dataset.
func (s ClusterState) PrimaryNodes(datasetID string) []string {
	var nodes []string
	for nodeID, ns := range s.Nodes {
		for _, m := range ns.Manifestations {
			if m.Dataset.ID == datasetID && m.Primary {
				nodes = append(nodes, nodeID)
			}
		}
	}
	sort.Strings(nodes)
	return nodes
}
