// Package store persists the control service's view of the cluster: dataset
// placement records (the desired configuration), registered nodes, the last
// reported state of each node, and the monotonically increasing configuration
// version. Backed by BoltDB with JSON-encoded values.
//
// Observed node state is stored only as a convenience for operators; the
// agents re-derive it from backend enumeration every cycle and it is
// overwritten on every report.
package store
