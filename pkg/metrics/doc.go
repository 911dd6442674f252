// Package metrics defines the Prometheus collectors exported by Flocker
// processes. Agents export convergence-cycle and action metrics; the control
// service exports cluster-state and API metrics. Both serve them through the
// shared promhttp Handler on /metrics.
package metrics
