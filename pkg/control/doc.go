/*
Package control implements the control service: the single authority for the
cluster's desired dataset configuration and the collection point for observed
node state.

Configuration mutations (create, move, delete) are replicated through a
hashicorp/raft log and applied by an FSM into the BoltDB store, bumping a
monotonic version per change. Agents read immutable Configuration snapshots
carrying that version; the service never mutates a snapshot it handed out.

Observed node state deliberately bypasses Raft. Each agent rebuilds it from
storage enumeration every cycle, so it is both high-churn and re-derivable;
replicating it would bloat the log for no durability gain. The latest report
per node is cached in memory and mirrored to the store for operator
inspection.

Deletion uses tombstones: DeleteDataset marks the record deleted, agents
remove their copies, and once no node reports the dataset the leader purges
the record.
*/
package control
