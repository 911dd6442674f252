/*
Package executor applies convergence plans against the local storage
backend and remote peers.

Actions in a plan run concurrently on a bounded worker pool. Ordering is
expressed only through Requires edges: an action with preconditions waits
on its predecessors' completion channels and is skipped if any of them did
not succeed. This is what keeps handoffs safe: the delete of a moved
dataset declares the snapshot push as a precondition, so the source copy is
only removed after the destination acknowledged receipt.

Retryable backend errors are retried in place with bounded exponential
backoff; fatal errors and exhausted retries surface in the action's
Outcome, which the agent folds into the dataset statuses it reports
upstream. One action failing never blocks independent actions in the same
plan.
*/
package executor
