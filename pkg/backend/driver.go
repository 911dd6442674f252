package backend

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/xucaiyong/flocker/pkg/types"
)

// Driver is the capability interface over a node's local block/volume
// storage. Backends vary (loopback files, block devices, cloud volumes); the
// convergence engine only ever talks to this interface.
//
// Every operation must be idempotent under retry: Create of an existing
// dataset is a no-op success, Destroy of an absent dataset is a no-op
// success. The executor may re-issue any operation after a partial failure.
//
// Failures are reported as *errdefs.BackendError carrying a retryable or
// fatal classification.
type Driver interface {
	// Enumerate reports the manifestations present on this node. The result
	// is the authoritative per-cycle snapshot of local state.
	Enumerate(ctx context.Context) ([]types.Manifestation, error)

	// Create allocates and attaches storage for a dataset on this node.
	Create(ctx context.Context, dataset types.Dataset) (types.Volume, error)

	// Destroy detaches and removes the dataset's storage from this node.
	Destroy(ctx context.Context, datasetID string) error

	// Attach makes an existing unattached volume usable on this node.
	Attach(ctx context.Context, datasetID string) (types.Volume, error)

	// Detach releases the volume from this node without destroying data.
	Detach(ctx context.Context, datasetID string) error

	// Resize grows or shrinks the dataset's volume to the new size.
	Resize(ctx context.Context, datasetID string, size int64) error

	// Snapshot opens a stream of the dataset's contents for handoff to a
	// peer node. The caller closes the stream.
	Snapshot(ctx context.Context, datasetID string) (io.ReadCloser, error)

	// Restore materializes a dataset on this node from a handoff stream.
	// Restoring a dataset that already exists locally is a no-op success.
	Restore(ctx context.Context, dataset types.Dataset, r io.Reader) error
}

// Config carries backend selection and backend-specific settings from the
// agent configuration file.
type Config struct {
	// NodeID identifies this node to backends that segregate storage per
	// node (e.g. the loopback backend's attached directories).
	NodeID string
	// Root is the backend's base directory or endpoint, where applicable.
	Root string
	// Options holds driver-specific settings.
	Options map[string]string
}

// Factory constructs a driver from configuration.
type Factory func(cfg Config) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// Register makes a driver factory available under a name. Typically called
// from driver init functions.
func Register(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// New constructs the named driver.
func New(name string, cfg Config) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage backend: %s (have %v)", name, Names())
	}
	return factory(cfg)
}

// Names lists the registered driver names in sorted order.
func Names() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllocatedSize rounds a requested size up to the next multiple of the
// backend's allocation unit.
func AllocatedSize(allocationUnit, requestedSize int64) int64 {
	if allocationUnit <= 1 {
		return requestedSize
	}
	remainder := requestedSize % allocationUnit
	if remainder == 0 {
		return requestedSize
	}
	return requestedSize + allocationUnit - remainder
}
