package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xucaiyong/flocker/pkg/events"
	"github.com/xucaiyong/flocker/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(&Config{
		NodeID:  "control-1",
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.BootstrapInMemory())
	require.NoError(t, svc.WaitForLeader(5*time.Second))
	t.Cleanup(func() { svc.Shutdown() })
	return svc
}

func registerTestNodes(t *testing.T, svc *Service, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, svc.RegisterNode(types.Node{ID: id, Address: id + ":4524"}))
	}
}

func TestCreateDataset(t *testing.T) {
	svc := newTestService(t)
	registerTestNodes(t, svc, "node-a")

	cfg, err := svc.CreateDataset("", "node-a", 1<<20, map[string]string{"name": "db"})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Dataset.ID, "dataset ID should be generated")
	assert.Equal(t, "node-a", cfg.Primary)

	v, err := svc.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	config, err := svc.Configuration()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), config.Version)
	require.Len(t, config.OnNode("node-a"), 1)
	assert.True(t, config.OnNode("node-a")[0].Primary)
}

func TestCreateDatasetUnknownPrimary(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateDataset("", "ghost", 0, nil)
	assert.Error(t, err)
}

func TestCreateDatasetDuplicateID(t *testing.T) {
	svc := newTestService(t)
	registerTestNodes(t, svc, "node-a")

	_, err := svc.CreateDataset("d1", "node-a", 0, nil)
	require.NoError(t, err)

	_, err = svc.CreateDataset("d1", "node-a", 0, nil)
	assert.Error(t, err)
}

func TestMoveDataset(t *testing.T) {
	svc := newTestService(t)
	registerTestNodes(t, svc, "node-a", "node-b")

	_, err := svc.CreateDataset("d1", "node-a", 0, nil)
	require.NoError(t, err)

	require.NoError(t, svc.MoveDataset("d1", "node-b"))

	config, err := svc.Configuration()
	require.NoError(t, err)
	assert.Equal(t, "node-b", config.DesiredNode("d1"))
	assert.Equal(t, uint64(2), config.Version)

	// Moving to the current primary is a no-op and does not bump the version
	require.NoError(t, svc.MoveDataset("d1", "node-b"))
	v, _ := svc.CurrentVersion()
	assert.Equal(t, uint64(2), v)
}

func TestMoveDatasetValidation(t *testing.T) {
	svc := newTestService(t)
	registerTestNodes(t, svc, "node-a")

	assert.Error(t, svc.MoveDataset("missing", "node-a"), "unknown dataset")

	_, err := svc.CreateDataset("d1", "node-a", 0, nil)
	require.NoError(t, err)
	assert.Error(t, svc.MoveDataset("d1", "ghost"), "unknown destination node")

	require.NoError(t, svc.DeleteDataset("d1"))
	assert.Error(t, svc.MoveDataset("d1", "node-a"), "deleted dataset cannot move")
}

func TestDeleteDatasetKeepsTombstone(t *testing.T) {
	svc := newTestService(t)
	registerTestNodes(t, svc, "node-a")

	_, err := svc.CreateDataset("d1", "node-a", 0, nil)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteDataset("d1"))

	datasets, err := svc.Datasets()
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.True(t, datasets[0].Deleted)

	config, err := svc.Configuration()
	require.NoError(t, err)
	assert.True(t, config.DatasetDeleted("d1"))
}

func TestSetDatasetMetadata(t *testing.T) {
	svc := newTestService(t)
	registerTestNodes(t, svc, "node-a")

	_, err := svc.CreateDataset("d1", "node-a", 0, map[string]string{"name": "db"})
	require.NoError(t, err)

	require.NoError(t, svc.SetDatasetMetadata("d1", map[string]string{"name": "db", "tier": "gold"}))

	cfg, err := svc.GetDataset("d1")
	require.NoError(t, err)
	assert.Equal(t, "gold", cfg.Dataset.Metadata["tier"])

	v, _ := svc.CurrentVersion()
	assert.Equal(t, uint64(2), v, "metadata update bumps the version")

	assert.Error(t, svc.SetDatasetMetadata("missing", nil))

	require.NoError(t, svc.DeleteDataset("d1"))
	assert.Error(t, svc.SetDatasetMetadata("d1", nil), "deleted dataset rejected")
}

func TestRecordNodeStatePurgesConvergedTombstones(t *testing.T) {
	svc := newTestService(t)
	registerTestNodes(t, svc, "node-a")

	_, err := svc.CreateDataset("d1", "node-a", 0, nil)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteDataset("d1"))

	// The dataset is still reported: the tombstone must survive
	require.NoError(t, svc.RecordNodeState(types.NodeState{
		NodeID: "node-a",
		Manifestations: []types.Manifestation{
			{Dataset: types.Dataset{ID: "d1"}, Primary: true},
		},
		ObservedAt: time.Now(),
	}))
	datasets, _ := svc.Datasets()
	require.Len(t, datasets, 1)

	// Once no node reports it, the tombstone is purged
	require.NoError(t, svc.RecordNodeState(types.NodeState{
		NodeID:     "node-a",
		ObservedAt: time.Now(),
	}))
	datasets, _ = svc.Datasets()
	assert.Empty(t, datasets)
}

func TestClusterState(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.RecordNodeState(types.NodeState{
		NodeID: "node-a",
		Manifestations: []types.Manifestation{
			{Dataset: types.Dataset{ID: "d1"}, Primary: true},
		},
		Statuses: []types.DatasetStatus{
			{DatasetID: "d1", Kind: types.DatasetConverged},
		},
		ObservedAt:    time.Now(),
		ConfigVersion: 1,
	}))

	state := svc.ClusterState()
	require.Contains(t, state.Nodes, "node-a")
	assert.Equal(t, []string{"node-a"}, state.PrimaryNodes("d1"))
	assert.Equal(t, uint64(1), state.Nodes["node-a"].ConfigVersion)
}

func TestRegisterNode(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.RegisterNode(types.Node{ID: "node-a", Address: "10.0.0.1:4524"}))
	// Idempotent: re-registration updates in place
	require.NoError(t, svc.RegisterNode(types.Node{ID: "node-a", Address: "10.0.0.2:4524"}))

	nodes, err := svc.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "10.0.0.2:4524", nodes[0].Address)

	assert.Error(t, svc.RegisterNode(types.Node{}), "empty node ID rejected")
}

func TestConfigurationChangeEvents(t *testing.T) {
	svc := newTestService(t)
	registerTestNodes(t, svc, "node-a")

	sub := svc.Subscribe()
	defer svc.Unsubscribe(sub)

	_, err := svc.CreateDataset("d1", "node-a", 0, nil)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventConfigurationChanged {
				assert.Equal(t, uint64(1), ev.Version)
				return
			}
		case <-deadline:
			t.Fatal("no configuration.changed event received")
		}
	}
}
