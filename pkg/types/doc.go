/*
Package types defines the data model shared by the Flocker control service and
the per-node convergence agents.

The model splits cluster state into two separate documents:

  - Configuration: the desired dataset placement, operator-supplied and
    versioned. Mutated only through the control service; read-only everywhere
    else.
  - ClusterState: the observed dataset placement, rebuilt by each agent from
    storage-backend enumeration on every convergence cycle and reported back
    to the control service.

A Dataset is a named unit of persistent data with an immutable UUID. Its
presence on a particular node is a Manifestation; the backend resource holding
the bytes is a Volume. The convergence engine's whole job is to drive the
observed manifestations toward the configured ones, one node at a time.

All types here are plain values. Snapshots handed to the diff engine are never
mutated in place; a new Configuration version is a new value.
*/
package types
