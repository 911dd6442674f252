// Package log wraps zerolog with a process-wide logger and helpers for the
// structured fields used across Flocker: component, node_id and dataset_id.
// Call Init once at process start; packages then derive child loggers with
// WithComponent and friends.
package log
