// Package errdefs defines the error taxonomy of the convergence engine:
// retryable/fatal backend failures, split-brain state conflicts, handoff
// acknowledgement timeouts, and stale-configuration detection.
package errdefs
