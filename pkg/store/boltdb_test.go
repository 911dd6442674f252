package store

import (
	"errors"
	"testing"
	"time"

	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDatasetRoundTrip(t *testing.T) {
	st := newTestStore(t)

	cfg := &types.DatasetConfig{
		Dataset: types.Dataset{
			ID:          "d1",
			MaximumSize: 1 << 20,
			Metadata:    map[string]string{"name": "postgres-data"},
		},
		Primary: "node-a",
	}
	if err := st.PutDataset(cfg); err != nil {
		t.Fatalf("PutDataset() error = %v", err)
	}

	got, err := st.GetDataset("d1")
	if err != nil {
		t.Fatalf("GetDataset() error = %v", err)
	}
	if got.Dataset.ID != "d1" || got.Primary != "node-a" {
		t.Errorf("GetDataset() = %+v, want %+v", got, cfg)
	}
	if got.Dataset.Metadata["name"] != "postgres-data" {
		t.Errorf("Metadata = %v, want name=postgres-data", got.Dataset.Metadata)
	}
}

func TestGetDatasetNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetDataset("missing")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("GetDataset() error = %v, want ErrNotFound", err)
	}
}

func TestListAndDeleteDatasets(t *testing.T) {
	st := newTestStore(t)

	for _, id := range []string{"d1", "d2", "d3"} {
		cfg := &types.DatasetConfig{Dataset: types.Dataset{ID: id}, Primary: "node-a"}
		if err := st.PutDataset(cfg); err != nil {
			t.Fatalf("PutDataset(%s) error = %v", id, err)
		}
	}

	configs, err := st.ListDatasets()
	if err != nil {
		t.Fatalf("ListDatasets() error = %v", err)
	}
	if len(configs) != 3 {
		t.Errorf("ListDatasets() = %d configs, want 3", len(configs))
	}

	if err := st.DeleteDataset("d2"); err != nil {
		t.Fatalf("DeleteDataset() error = %v", err)
	}
	configs, _ = st.ListDatasets()
	if len(configs) != 2 {
		t.Errorf("ListDatasets() after delete = %d configs, want 2", len(configs))
	}

	// Deleting an absent dataset is a no-op
	if err := st.DeleteDataset("missing"); err != nil {
		t.Errorf("DeleteDataset() on absent dataset error = %v, want nil", err)
	}
}

func TestNodeRoundTrip(t *testing.T) {
	st := newTestStore(t)

	node := &types.Node{ID: "node-a", Address: "10.0.0.1:4524"}
	if err := st.PutNode(node); err != nil {
		t.Fatalf("PutNode() error = %v", err)
	}

	got, err := st.GetNode("node-a")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if got.Address != node.Address {
		t.Errorf("Address = %q, want %q", got.Address, node.Address)
	}

	nodes, err := st.ListNodes()
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("ListNodes() = %d nodes, want 1", len(nodes))
	}

	if err := st.DeleteNode("node-a"); err != nil {
		t.Fatalf("DeleteNode() error = %v", err)
	}
	if _, err := st.GetNode("node-a"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("GetNode() after delete error = %v, want ErrNotFound", err)
	}
}

func TestNodeStateRoundTrip(t *testing.T) {
	st := newTestStore(t)

	ns := &types.NodeState{
		NodeID: "node-a",
		Manifestations: []types.Manifestation{
			{Dataset: types.Dataset{ID: "d1", MaximumSize: 1024}, Primary: true},
		},
		Statuses: []types.DatasetStatus{
			{DatasetID: "d1", Kind: types.DatasetConverged},
		},
		ObservedAt:    time.Now().UTC().Truncate(time.Second),
		ConfigVersion: 7,
	}
	if err := st.PutNodeState(ns); err != nil {
		t.Fatalf("PutNodeState() error = %v", err)
	}

	got, err := st.GetNodeState("node-a")
	if err != nil {
		t.Fatalf("GetNodeState() error = %v", err)
	}
	if got.ConfigVersion != 7 {
		t.Errorf("ConfigVersion = %d, want 7", got.ConfigVersion)
	}
	if len(got.Manifestations) != 1 || got.Manifestations[0].Dataset.ID != "d1" {
		t.Errorf("Manifestations = %+v, want d1", got.Manifestations)
	}

	states, err := st.ListNodeStates()
	if err != nil {
		t.Fatalf("ListNodeStates() error = %v", err)
	}
	if len(states) != 1 {
		t.Errorf("ListNodeStates() = %d states, want 1", len(states))
	}
}

func TestVersion(t *testing.T) {
	st := newTestStore(t)

	v, err := st.Version()
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v != 0 {
		t.Errorf("initial Version() = %d, want 0", v)
	}

	if err := st.SetVersion(42); err != nil {
		t.Fatalf("SetVersion() error = %v", err)
	}
	v, _ = st.Version()
	if v != 42 {
		t.Errorf("Version() = %d, want 42", v)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	st, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	cfg := &types.DatasetConfig{Dataset: types.Dataset{ID: "d1"}, Primary: "node-a"}
	if err := st.PutDataset(cfg); err != nil {
		t.Fatalf("PutDataset() error = %v", err)
	}
	if err := st.SetVersion(3); err != nil {
		t.Fatalf("SetVersion() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st, err = NewBoltStore(dir)
	if err != nil {
		t.Fatalf("reopen NewBoltStore() error = %v", err)
	}
	defer st.Close()

	if _, err := st.GetDataset("d1"); err != nil {
		t.Errorf("GetDataset() after reopen error = %v", err)
	}
	if v, _ := st.Version(); v != 3 {
		t.Errorf("Version() after reopen = %d, want 3", v)
	}
}
