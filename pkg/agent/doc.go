/*
Package agent implements the per-node convergence daemon.

Each node runs one agent. A cycle walks a fixed sequence of phases:

	idle -> fetching -> diffing -> executing -> reporting -> idle

Fetching pulls the desired configuration and the cluster's observed state
from the control service, then replaces the control service's stale view of
this node with a fresh backend enumeration. Diffing computes the remedial
plan, executing applies it through the executor, and reporting pushes the
re-enumerated node state and per-dataset statuses upstream.

Cycles are triggered by a fallback ticker and by a long-poll watcher that
wakes the loop the moment a newer configuration version is committed.
Cycles never overlap; a trigger firing mid-cycle is absorbed into the next
one.

The agent also serves the handoff receive endpoint. A peer vacating a
dataset streams its snapshot to POST /v1/receive/{dataset}; the 200
response after a durable restore is the acknowledgement that allows the
sender to delete its copy.
*/
package agent
