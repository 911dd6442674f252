// Package client provides the HTTP clients of the convergence engine:
// ControlClient for the control service's configuration API (used by agents
// and the CLI) and PeerClient for agent-to-agent handoff pushes.
package client
