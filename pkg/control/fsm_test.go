package control

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xucaiyong/flocker/pkg/store"
	"github.com/xucaiyong/flocker/pkg/types"
)

func newTestFSM(t *testing.T) (*FSM, *store.BoltStore) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewFSM(st), st
}

func applyCommand(t *testing.T, fsm *FSM, op string, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: cmd})
}

func TestFSMPutDatasetBumpsVersion(t *testing.T) {
	fsm, st := newTestFSM(t)

	cfg := &types.DatasetConfig{Dataset: types.Dataset{ID: "d1", MaximumSize: 1024}, Primary: "node-a"}
	resp := applyCommand(t, fsm, opPutDataset, cfg)
	if err, ok := resp.(error); ok {
		t.Fatalf("Apply(put_dataset) error = %v", err)
	}

	got, err := st.GetDataset("d1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.Primary)

	v, err := st.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestFSMPutNodeDoesNotBumpVersion(t *testing.T) {
	fsm, st := newTestFSM(t)

	resp := applyCommand(t, fsm, opPutNode, types.Node{ID: "node-a", Address: "10.0.0.1:4524"})
	if err, ok := resp.(error); ok {
		t.Fatalf("Apply(put_node) error = %v", err)
	}

	v, err := st.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v, "node registration must not bump the configuration version")
}

func TestFSMMoveDataset(t *testing.T) {
	fsm, st := newTestFSM(t)

	applyCommand(t, fsm, opPutDataset,
		&types.DatasetConfig{Dataset: types.Dataset{ID: "d1"}, Primary: "node-a"})
	resp := applyCommand(t, fsm, opMoveDataset, moveDataset{DatasetID: "d1", Primary: "node-b"})
	if err, ok := resp.(error); ok {
		t.Fatalf("Apply(move_dataset) error = %v", err)
	}

	got, err := st.GetDataset("d1")
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.Primary)

	v, _ := st.Version()
	assert.Equal(t, uint64(2), v)
}

func TestFSMMarkDeletedAndPurge(t *testing.T) {
	fsm, st := newTestFSM(t)

	applyCommand(t, fsm, opPutDataset,
		&types.DatasetConfig{Dataset: types.Dataset{ID: "d1"}, Primary: "node-a"})
	applyCommand(t, fsm, opMarkDeleted, "d1")

	got, err := st.GetDataset("d1")
	require.NoError(t, err)
	assert.True(t, got.Deleted, "mark_deleted keeps the record as a tombstone")

	applyCommand(t, fsm, opPurgeDataset, "d1")
	_, err = st.GetDataset("d1")
	assert.Error(t, err)
}

func TestFSMVersionNotifications(t *testing.T) {
	fsm, _ := newTestFSM(t)

	var versions []uint64
	fsm.onVersion = func(v uint64) { versions = append(versions, v) }

	applyCommand(t, fsm, opPutDataset,
		&types.DatasetConfig{Dataset: types.Dataset{ID: "d1"}, Primary: "node-a"})
	applyCommand(t, fsm, opPutNode, types.Node{ID: "node-a"})
	applyCommand(t, fsm, opMarkDeleted, "d1")

	assert.Equal(t, []uint64{1, 2}, versions)
}

func TestFSMUnknownOp(t *testing.T) {
	fsm, _ := newTestFSM(t)

	resp := applyCommand(t, fsm, "resize_cluster", struct{}{})
	err, ok := resp.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown command op")
}

// memorySink satisfies raft.SnapshotSink for snapshot tests.
type memorySink struct {
	bytes.Buffer
	canceled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { s.canceled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	fsm, _ := newTestFSM(t)

	applyCommand(t, fsm, opPutDataset,
		&types.DatasetConfig{Dataset: types.Dataset{ID: "d1", MaximumSize: 1024}, Primary: "node-a"})
	applyCommand(t, fsm, opPutNode, types.Node{ID: "node-a", Address: "10.0.0.1:4524"})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.False(t, sink.canceled)

	// Restore into a fresh FSM and verify the configuration carried over
	restored, st := newTestFSM(t)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	got, err := st.GetDataset("d1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.Primary)

	node, err := st.GetNode("node-a")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4524", node.Address)

	v, _ := st.Version()
	assert.Equal(t, uint64(1), v)
}
