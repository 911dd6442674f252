package api

import (
	"github.com/xucaiyong/flocker/pkg/types"
)

// Wire documents exchanged on the configuration API. The agent-facing
// surfaces reuse the model types directly; operator mutations have small
// request documents of their own.

// CreateDatasetRequest configures a new dataset.
type CreateDatasetRequest struct {
	DatasetID   string            `json:"dataset_id,omitempty"` // Generated when empty
	Primary     string            `json:"primary"`              // Node ID
	MaximumSize int64             `json:"maximum_size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MoveDatasetRequest reassigns a dataset's primary node.
type MoveDatasetRequest struct {
	Primary string `json:"primary"`
}

// DatasetResponse is the configured placement of one dataset.
type DatasetResponse struct {
	Dataset types.Dataset `json:"dataset"`
	Primary string        `json:"primary"`
	Deleted bool          `json:"deleted"`
}

// SetMetadataRequest replaces a dataset's metadata.
type SetMetadataRequest struct {
	Metadata map[string]string `json:"metadata"`
}

// JoinRequest admits a new control replica into the Raft group.
type JoinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"` // Raft bind address of the joining replica
}

// RegisterNodeRequest announces an agent to the control service.
type RegisterNodeRequest struct {
	Node types.Node `json:"node"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Header names used by the agent-to-agent handoff protocol.
const (
	HeaderDatasetSize     = "X-Flocker-Dataset-Size"
	HeaderDatasetMetadata = "X-Flocker-Dataset-Metadata"
)
