package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xucaiyong/flocker/pkg/api"
	"github.com/xucaiyong/flocker/pkg/types"
)

// ControlClient talks to the control service's configuration API. Used by
// the agents (configuration fetch, state reporting) and by the CLI (dataset
// mutations).
type ControlClient struct {
	baseURL string
	http    *http.Client
}

// NewControlClient creates a client for the control service at baseURL,
// e.g. "http://control:4523". Request lifetimes are governed by the caller's
// context rather than a client-wide timeout, because the configuration
// long-poll legitimately holds requests open for tens of seconds.
func NewControlClient(baseURL string) *ControlClient {
	return &ControlClient{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// GetConfiguration fetches the current desired configuration.
func (c *ControlClient) GetConfiguration(ctx context.Context) (types.Configuration, error) {
	var config types.Configuration
	err := c.get(ctx, "/v1/configuration", &config)
	return config, err
}

// WaitConfiguration long-polls for a configuration newer than the given
// version. It returns the current configuration when the window closes
// without a change, so callers can treat every return as a fresh snapshot.
func (c *ControlClient) WaitConfiguration(ctx context.Context, after uint64) (types.Configuration, error) {
	var config types.Configuration
	path := "/v1/configuration?after=" + strconv.FormatUint(after, 10)
	err := c.get(ctx, path, &config)
	return config, err
}

// PushNodeState reports a node's observed state.
func (c *ControlClient) PushNodeState(ctx context.Context, ns types.NodeState) error {
	path := "/v1/state/" + url.PathEscape(ns.NodeID)
	return c.send(ctx, http.MethodPost, path, ns, nil)
}

// GetState fetches the observed cluster state.
func (c *ControlClient) GetState(ctx context.Context) (types.ClusterState, error) {
	var state types.ClusterState
	err := c.get(ctx, "/v1/state", &state)
	return state, err
}

// RegisterNode announces a node to the control service.
func (c *ControlClient) RegisterNode(ctx context.Context, node types.Node) error {
	return c.send(ctx, http.MethodPost, "/v1/nodes", api.RegisterNodeRequest{Node: node}, nil)
}

// ListNodes fetches the registered nodes.
func (c *ControlClient) ListNodes(ctx context.Context) ([]types.Node, error) {
	var nodes []types.Node
	err := c.get(ctx, "/v1/nodes", &nodes)
	return nodes, err
}

// CreateDataset configures a new dataset.
func (c *ControlClient) CreateDataset(ctx context.Context, req api.CreateDatasetRequest) (api.DatasetResponse, error) {
	var resp api.DatasetResponse
	err := c.send(ctx, http.MethodPost, "/v1/datasets", req, &resp)
	return resp, err
}

// MoveDataset reassigns a dataset's primary node.
func (c *ControlClient) MoveDataset(ctx context.Context, datasetID, primary string) error {
	path := "/v1/datasets/" + url.PathEscape(datasetID) + "/move"
	return c.send(ctx, http.MethodPost, path, api.MoveDatasetRequest{Primary: primary}, nil)
}

// SetDatasetMetadata replaces a dataset's metadata.
func (c *ControlClient) SetDatasetMetadata(ctx context.Context, datasetID string, metadata map[string]string) error {
	path := "/v1/datasets/" + url.PathEscape(datasetID) + "/metadata"
	return c.send(ctx, http.MethodPost, path, api.SetMetadataRequest{Metadata: metadata}, nil)
}

// DeleteDataset marks a dataset for deletion.
func (c *ControlClient) DeleteDataset(ctx context.Context, datasetID string) error {
	path := "/v1/datasets/" + url.PathEscape(datasetID)
	return c.send(ctx, http.MethodDelete, path, nil, nil)
}

// ListDatasets fetches the configured dataset placements.
func (c *ControlClient) ListDatasets(ctx context.Context) ([]api.DatasetResponse, error) {
	var datasets []api.DatasetResponse
	err := c.get(ctx, "/v1/datasets", &datasets)
	return datasets, err
}

// JoinControl asks the leader to admit a new control replica.
func (c *ControlClient) JoinControl(ctx context.Context, nodeID, address string) error {
	return c.send(ctx, http.MethodPost, "/v1/control/join",
		api.JoinRequest{NodeID: nodeID, Address: address}, nil)
}

func (c *ControlClient) get(ctx context.Context, path string, out interface{}) error {
	return c.send(ctx, http.MethodGet, path, nil, out)
}

func (c *ControlClient) send(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var apiErr api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("control service returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("control service returned %d", resp.StatusCode)
}

// defaultPushTimeout bounds a whole snapshot transfer including the
// destination's restore and acknowledgement.
const defaultPushTimeout = 5 * time.Minute
