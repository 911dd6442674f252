/*
Package backend defines the capability interface over a node's local volume
storage and the drivers implementing it.

The convergence engine never manipulates storage directly; every mutation
goes through a Driver selected by name from the agent configuration:

	drv, err := backend.New("loopback", backend.Config{
		NodeID: nodeID,
		Root:   "/var/lib/flocker/loopback",
	})

Two drivers ship with this package:

  - loopback: sparse files beneath a root directory, with the
    attached/unattached layout of the original loopback backend. Suitable
    for development and for exercising multi-node behavior on one machine.
  - memory: an in-process map with fault injection, used by the test suites.

# Idempotence

Drivers must tolerate re-issued operations: the executor retries after
partial failures and the agent may crash between an operation and its
acknowledgement. Create of an existing dataset, Destroy of an absent one and
Restore of an already-restored one are all no-op successes.

# Error classification

Drivers wrap failures in *errdefs.BackendError. Retryable errors are retried
by the executor with bounded backoff; fatal errors mark the action failed for
the cycle and surface in the node's reported dataset status.
*/
package backend
