package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xucaiyong/flocker/pkg/api"
	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/types"
)

func TestSendSnapshot(t *testing.T) {
	var (
		gotPath string
		gotSize string
		gotMeta string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSize = r.Header.Get(api.HeaderDatasetSize)
		gotMeta = r.Header.Get(api.HeaderDatasetMetadata)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	peer := NewPeerClient("node-b", srv.URL, time.Minute)
	err := peer.SendSnapshot(context.Background(),
		types.Dataset{ID: "d1", MaximumSize: 1024, Metadata: map[string]string{"name": "db"}},
		bytes.NewReader([]byte("snapshot bytes")))
	require.NoError(t, err)

	assert.Equal(t, "/v1/receive/d1", gotPath)
	assert.Equal(t, "1024", gotSize)
	assert.Equal(t, []byte("snapshot bytes"), gotBody)

	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(gotMeta), &meta))
	assert.Equal(t, "db", meta["name"])
}

func TestSendSnapshotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Never acknowledge within the client's deadline
		<-r.Context().Done()
	}))
	defer srv.Close()

	peer := NewPeerClient("node-b", srv.URL, 50*time.Millisecond)
	err := peer.SendSnapshot(context.Background(),
		types.Dataset{ID: "d1"}, bytes.NewReader(nil))

	require.Error(t, err)
	assert.True(t, errdefs.IsHandoffTimeout(err))

	var timeout *errdefs.HandoffTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "d1", timeout.DatasetID)
	assert.Equal(t, "node-b", timeout.Peer)
}

func TestSendSnapshotRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "dataset already attached to node node-c"})
	}))
	defer srv.Close()

	peer := NewPeerClient("node-b", srv.URL, time.Minute)
	err := peer.SendSnapshot(context.Background(),
		types.Dataset{ID: "d1"}, bytes.NewReader(nil))

	require.Error(t, err)
	assert.False(t, errdefs.IsRetryable(err), "a rejection is fatal, not retryable")
	assert.Contains(t, err.Error(), "already attached")
}

func TestSendSnapshotConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens any more

	peer := NewPeerClient("node-b", srv.URL, time.Minute)
	err := peer.SendSnapshot(context.Background(),
		types.Dataset{ID: "d1"}, bytes.NewReader(nil))

	require.Error(t, err)
	assert.True(t, errdefs.IsRetryable(err), "a peer that is not up yet is worth retrying")
}
