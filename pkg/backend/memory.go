package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/types"
)

func init() {
	Register("memory", func(cfg Config) (Driver, error) {
		return NewMemoryDriver(cfg.NodeID), nil
	})
}

type memoryVolume struct {
	dataset types.Dataset
	data    []byte
}

// MemoryDriver is an in-process Driver used by tests and the CLI's dry-run
// mode. It keeps volumes in a map and supports programmable fault injection:
// tests queue errors per operation and the driver returns them before
// touching state, which is how retry and partial-failure behavior is
// exercised without a real backend.
type MemoryDriver struct {
	nodeID string

	mu      sync.Mutex
	volumes map[string]*memoryVolume
	faults  map[string][]error // op -> queued errors, consumed FIFO
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver(nodeID string) *MemoryDriver {
	return &MemoryDriver{
		nodeID:  nodeID,
		volumes: make(map[string]*memoryVolume),
		faults:  make(map[string][]error),
	}
}

// FailNext queues an error to be returned by the next call(s) to op.
// Multiple queued errors are consumed in order.
func (d *MemoryDriver) FailNext(op string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], errs...)
}

// popFault must be called with the lock held.
func (d *MemoryDriver) popFault(op string) error {
	queue := d.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	d.faults[op] = queue[1:]
	return err
}

func (d *MemoryDriver) Enumerate(ctx context.Context) ([]types.Manifestation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault("enumerate"); err != nil {
		return nil, err
	}

	var manifestations []types.Manifestation
	for _, vol := range d.volumes {
		manifestations = append(manifestations, types.Manifestation{
			Dataset: vol.dataset.Clone(),
			Primary: true,
		})
	}
	return manifestations, nil
}

func (d *MemoryDriver) Create(ctx context.Context, dataset types.Dataset) (types.Volume, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault("create"); err != nil {
		return types.Volume{}, err
	}

	if _, ok := d.volumes[dataset.ID]; !ok {
		d.volumes[dataset.ID] = &memoryVolume{dataset: dataset.Clone()}
	}
	return d.volumeLocked(dataset.ID), nil
}

func (d *MemoryDriver) Destroy(ctx context.Context, datasetID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault("destroy"); err != nil {
		return err
	}

	delete(d.volumes, datasetID)
	return nil
}

func (d *MemoryDriver) Attach(ctx context.Context, datasetID string) (types.Volume, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault("attach"); err != nil {
		return types.Volume{}, err
	}
	if _, ok := d.volumes[datasetID]; !ok {
		return types.Volume{}, errdefs.Fatal("attach", datasetID, fmt.Errorf("no such volume"))
	}
	return d.volumeLocked(datasetID), nil
}

func (d *MemoryDriver) Detach(ctx context.Context, datasetID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.popFault("detach")
}

func (d *MemoryDriver) Resize(ctx context.Context, datasetID string, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault("resize"); err != nil {
		return err
	}

	vol, ok := d.volumes[datasetID]
	if !ok {
		return errdefs.Fatal("resize", datasetID, fmt.Errorf("no such volume"))
	}
	vol.dataset.MaximumSize = size
	return nil
}

func (d *MemoryDriver) Snapshot(ctx context.Context, datasetID string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault("snapshot"); err != nil {
		return nil, err
	}

	vol, ok := d.volumes[datasetID]
	if !ok {
		return nil, errdefs.Fatal("snapshot", datasetID, fmt.Errorf("no such volume"))
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), vol.data...))), nil
}

func (d *MemoryDriver) Restore(ctx context.Context, dataset types.Dataset, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errdefs.Retryable("restore", dataset.ID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popFault("restore"); err != nil {
		return err
	}

	if _, ok := d.volumes[dataset.ID]; ok {
		return nil
	}
	d.volumes[dataset.ID] = &memoryVolume{dataset: dataset.Clone(), data: data}
	return nil
}

// SetData overwrites a volume's contents. Test helper.
func (d *MemoryDriver) SetData(datasetID string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vol, ok := d.volumes[datasetID]; ok {
		vol.data = append([]byte(nil), data...)
	}
}

// Data returns a copy of a volume's contents. Test helper.
func (d *MemoryDriver) Data(datasetID string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vol, ok := d.volumes[datasetID]; ok {
		return append([]byte(nil), vol.data...)
	}
	return nil
}

// volumeLocked must be called with the lock held.
func (d *MemoryDriver) volumeLocked(datasetID string) types.Volume {
	vol := d.volumes[datasetID]
	return types.Volume{
		DatasetID:     datasetID,
		BlockDeviceID: "block-" + datasetID,
		Size:          vol.dataset.MaximumSize,
		AttachedTo:    d.nodeID,
		DevicePath:    "memory://" + datasetID,
	}
}
