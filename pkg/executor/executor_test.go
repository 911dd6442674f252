package executor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xucaiyong/flocker/pkg/backend"
	"github.com/xucaiyong/flocker/pkg/diff"
	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/types"
)

// fastBackoff keeps retry tests quick.
var fastBackoff = Backoff{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
}

// fakePeer records pushed snapshots and can be told to fail.
type fakePeer struct {
	mu       sync.Mutex
	received []string
	data     map[string][]byte
	err      error
}

func (p *fakePeer) SendSnapshot(ctx context.Context, dataset types.Dataset, snapshot io.Reader) error {
	data, _ := io.ReadAll(snapshot)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.received = append(p.received, dataset.ID)
	if p.data == nil {
		p.data = make(map[string][]byte)
	}
	p.data[dataset.ID] = data
	return nil
}

type fakeDialer struct {
	peer *fakePeer
	err  error
}

func (d *fakeDialer) Peer(ctx context.Context, nodeID string) (Peer, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.peer, nil
}

func newTestExecutor(t *testing.T, dialer PeerDialer) (*Executor, *backend.MemoryDriver) {
	t.Helper()
	driver := backend.NewMemoryDriver("node-a")
	if dialer == nil {
		dialer = &fakeDialer{peer: &fakePeer{}}
	}
	return New(driver, dialer, WithBackoff(fastBackoff)), driver
}

func action(kind diff.Kind, datasetID string) diff.Action {
	return diff.Action{
		ID:      string(kind) + "/" + datasetID,
		Kind:    kind,
		Dataset: types.Dataset{ID: datasetID, MaximumSize: 1024},
	}
}

func TestRunCreate(t *testing.T) {
	exec, driver := newTestExecutor(t, nil)

	outcomes := exec.Run(context.Background(), diff.Plan{
		Actions: []diff.Action{action(diff.KindCreate, "d1")},
	})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSucceeded, outcomes[0].Kind)

	manifestations, err := driver.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, manifestations, 1)
	assert.Equal(t, "d1", manifestations[0].Dataset.ID)
}

func TestRunRetriesRetryableError(t *testing.T) {
	exec, driver := newTestExecutor(t, nil)
	driver.FailNext("create",
		errdefs.Retryable("create", "d1", fmt.Errorf("device busy")),
		errdefs.Retryable("create", "d1", fmt.Errorf("device busy")),
	)

	outcomes := exec.Run(context.Background(), diff.Plan{
		Actions: []diff.Action{action(diff.KindCreate, "d1")},
	})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSucceeded, outcomes[0].Kind, "third attempt should succeed")
}

func TestRunFatalErrorNotRetried(t *testing.T) {
	exec, driver := newTestExecutor(t, nil)
	driver.FailNext("create", errdefs.Fatal("create", "d1", fmt.Errorf("bad dataset")))

	outcomes := exec.Run(context.Background(), diff.Plan{
		Actions: []diff.Action{action(diff.KindCreate, "d1")},
	})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailed, outcomes[0].Kind)

	// The queued fault was consumed exactly once; a retry would have
	// succeeded, proving no retry happened.
	manifestations, err := driver.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, manifestations)
}

func TestRunRetriesExhausted(t *testing.T) {
	exec, driver := newTestExecutor(t, nil)
	for i := 0; i < fastBackoff.MaxAttempts; i++ {
		driver.FailNext("create", errdefs.Retryable("create", "d1", fmt.Errorf("still busy")))
	}

	outcomes := exec.Run(context.Background(), diff.Plan{
		Actions: []diff.Action{action(diff.KindCreate, "d1")},
	})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailed, outcomes[0].Kind)
	assert.True(t, errdefs.IsRetryable(outcomes[0].Err))
}

func TestRunFailureDoesNotBlockIndependentActions(t *testing.T) {
	exec, driver := newTestExecutor(t, nil)
	driver.FailNext("create", errdefs.Fatal("create", "d1", fmt.Errorf("boom")))

	outcomes := exec.Run(context.Background(), diff.Plan{
		Actions: []diff.Action{
			action(diff.KindCreate, "d1"),
			action(diff.KindCreate, "d2"),
		},
	})

	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeFailed, outcomes[0].Kind)
	assert.Equal(t, OutcomeSucceeded, outcomes[1].Kind)
}

func TestRunHandoffSendThenDelete(t *testing.T) {
	peer := &fakePeer{}
	exec, driver := newTestExecutor(t, &fakeDialer{peer: peer})

	_, err := driver.Create(context.Background(), types.Dataset{ID: "d1", MaximumSize: 1024})
	require.NoError(t, err)
	driver.SetData("d1", []byte("payload"))

	send := action(diff.KindHandoffSend, "d1")
	send.Peer = "node-b"
	del := action(diff.KindDelete, "d1")
	del.Requires = []string{send.ID}

	outcomes := exec.Run(context.Background(), diff.Plan{Actions: []diff.Action{send, del}})

	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeSucceeded, outcomes[0].Kind)
	assert.Equal(t, OutcomeSucceeded, outcomes[1].Kind)

	// The peer got the data before the local copy went away
	assert.Equal(t, []string{"d1"}, peer.received)
	assert.Equal(t, []byte("payload"), peer.data["d1"])

	manifestations, err := driver.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, manifestations)
}

func TestRunHandoffTimeoutRetainsLocalCopy(t *testing.T) {
	peer := &fakePeer{err: &errdefs.HandoffTimeoutError{
		DatasetID: "d1",
		Peer:      "node-b",
		Timeout:   time.Second,
	}}
	exec, driver := newTestExecutor(t, &fakeDialer{peer: peer})

	_, err := driver.Create(context.Background(), types.Dataset{ID: "d1", MaximumSize: 1024})
	require.NoError(t, err)

	send := action(diff.KindHandoffSend, "d1")
	send.Peer = "node-b"
	del := action(diff.KindDelete, "d1")
	del.Requires = []string{send.ID}

	outcomes := exec.Run(context.Background(), diff.Plan{Actions: []diff.Action{send, del}})

	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeFailed, outcomes[0].Kind)
	assert.True(t, errdefs.IsHandoffTimeout(outcomes[0].Err))
	assert.Equal(t, OutcomeSkipped, outcomes[1].Kind, "delete must be skipped after a failed send")

	// At least one copy of the data survives
	manifestations, err := driver.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, manifestations, 1)
}

func TestRunHandoffReceivePending(t *testing.T) {
	exec, driver := newTestExecutor(t, nil)

	recv := action(diff.KindHandoffReceive, "d1")
	recv.Peer = "node-b"

	outcomes := exec.Run(context.Background(), diff.Plan{Actions: []diff.Action{recv}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomePending, outcomes[0].Kind)

	// Once the push from the source lands, the same action reports success
	_, err := driver.Create(context.Background(), types.Dataset{ID: "d1", MaximumSize: 1024})
	require.NoError(t, err)

	outcomes = exec.Run(context.Background(), diff.Plan{Actions: []diff.Action{recv}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSucceeded, outcomes[0].Kind)
}

func TestRunResize(t *testing.T) {
	exec, driver := newTestExecutor(t, nil)

	_, err := driver.Create(context.Background(), types.Dataset{ID: "d1", MaximumSize: 1024})
	require.NoError(t, err)

	resize := action(diff.KindResize, "d1")
	resize.Dataset.MaximumSize = 4096

	outcomes := exec.Run(context.Background(), diff.Plan{Actions: []diff.Action{resize}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSucceeded, outcomes[0].Kind)

	manifestations, err := driver.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, manifestations, 1)
	assert.Equal(t, int64(4096), manifestations[0].Dataset.MaximumSize)
}

func TestRunEmptyPlan(t *testing.T) {
	exec, _ := newTestExecutor(t, nil)
	outcomes := exec.Run(context.Background(), diff.Plan{})
	assert.Empty(t, outcomes)
}

func TestRunDialerErrorFailsSend(t *testing.T) {
	exec, driver := newTestExecutor(t, &fakeDialer{err: fmt.Errorf("peer not registered")})

	_, err := driver.Create(context.Background(), types.Dataset{ID: "d1", MaximumSize: 1024})
	require.NoError(t, err)

	send := action(diff.KindHandoffSend, "d1")
	send.Peer = "node-b"

	outcomes := exec.Run(context.Background(), diff.Plan{Actions: []diff.Action{send}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailed, outcomes[0].Kind)
}
