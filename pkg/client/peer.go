package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/xucaiyong/flocker/pkg/api"
	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/types"
)

// PeerClient pushes dataset snapshots to another agent's receive endpoint
// during a handoff. A 2xx response is the destination's acknowledgement that
// the snapshot landed; only after that acknowledgement may the source delete
// its own copy.
type PeerClient struct {
	peerID  string
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// NewPeerClient creates a client for the agent at baseURL. The timeout
// bounds the whole transfer including the destination's restore; zero means
// the default.
func NewPeerClient(peerID, baseURL string, timeout time.Duration) *PeerClient {
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	return &PeerClient{
		peerID:  peerID,
		baseURL: baseURL,
		timeout: timeout,
		http:    &http.Client{},
	}
}

// SendSnapshot streams a dataset snapshot to the peer and waits for the
// acknowledgement. A missing acknowledgement within the timeout is reported
// as *errdefs.HandoffTimeoutError; the caller keeps the source copy and
// retries on a later cycle.
func (c *PeerClient) SendSnapshot(ctx context.Context, dataset types.Dataset, snapshot io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := c.baseURL + "/v1/receive/" + url.PathEscape(dataset.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, snapshot)
	if err != nil {
		return errdefs.Fatal("push", dataset.ID, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(api.HeaderDatasetSize, fmt.Sprintf("%d", dataset.MaximumSize))
	if len(dataset.Metadata) > 0 {
		meta, err := json.Marshal(dataset.Metadata)
		if err != nil {
			return errdefs.Fatal("push", dataset.ID, err)
		}
		req.Header.Set(api.HeaderDatasetMetadata, string(meta))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &errdefs.HandoffTimeoutError{
				DatasetID: dataset.ID,
				Peer:      c.peerID,
				Timeout:   c.timeout,
			}
		}
		// Connection refused and friends: the peer may simply not be up
		// yet, worth retrying within the cycle.
		return errdefs.Retryable("push", dataset.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdefs.Fatal("push", dataset.ID,
			fmt.Errorf("peer %s rejected snapshot: %s", c.peerID, readError(resp)))
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func readError(resp *http.Response) string {
	var apiErr api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return resp.Status
}
