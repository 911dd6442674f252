/*
Package api exposes the control service as a versioned HTTP/JSON resource
surface.

Agent-facing endpoints:

	GET  /v1/configuration            desired configuration snapshot
	GET  /v1/configuration?after=N    long-poll until version > N
	POST /v1/state/{node}             report observed node state
	POST /v1/nodes                    register an agent's node

Operator-facing endpoints:

	GET    /v1/datasets               configured dataset placements
	POST   /v1/datasets               create a dataset
	POST   /v1/datasets/{id}/move     reassign the primary node
	POST   /v1/datasets/{id}/metadata replace a dataset's metadata
	DELETE /v1/datasets/{id}          mark a dataset for deletion
	GET    /v1/state                  observed cluster state
	GET    /v1/nodes                  registered nodes
	POST   /v1/control/join           admit a new control replica
	GET    /v1/health, GET /metrics

The configuration long-poll is the agents' change-notification channel: a
request carrying the agent's last seen version parks until the control
service commits a newer one, with a bounded window so agents still tick on
quiet clusters.
*/
package api
