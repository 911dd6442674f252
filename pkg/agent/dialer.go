package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xucaiyong/flocker/pkg/client"
	"github.com/xucaiyong/flocker/pkg/executor"
)

// controlDialer resolves peer node IDs to their agent endpoints through the
// control service's node registry.
type controlDialer struct {
	control *client.ControlClient
	timeout time.Duration
}

func (d *controlDialer) Peer(ctx context.Context, nodeID string) (executor.Peer, error) {
	nodes, err := d.control.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %s: %w", nodeID, err)
	}
	for _, node := range nodes {
		if node.ID == nodeID {
			addr := node.Address
			if !strings.Contains(addr, "://") {
				addr = "http://" + addr
			}
			return client.NewPeerClient(nodeID, addr, d.timeout), nil
		}
	}
	return nil, fmt.Errorf("peer %s is not registered with the control service", nodeID)
}
