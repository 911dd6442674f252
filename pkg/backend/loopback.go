package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/types"
)

const (
	// DefaultLoopbackPath is the base directory for loopback volumes
	DefaultLoopbackPath = "/var/lib/flocker/loopback"

	// LoopbackAllocationUnit is the interval sizes are rounded up to.
	// 1MiB leaves room for a filesystem journal on small volumes.
	LoopbackAllocationUnit = int64(1 << 20)

	attachedDirName   = "attached"
	unattachedDirName = "unattached"
)

func init() {
	Register("loopback", func(cfg Config) (Driver, error) {
		return NewLoopbackDriver(cfg.Root, cfg.NodeID)
	})
}

// LoopbackDriver implements Driver with sparse files beneath a root
// directory. Volumes live in an "unattached" directory until attached, then
// move into a per-node "attached" subdirectory. Backing files are named
// "<dataset-id>_<size>" so enumeration needs no separate index.
//
// Several agents pointed at the same root (with different node IDs) behave
// like separate nodes sharing a storage pool, which is what the test suites
// rely on.
type LoopbackDriver struct {
	root   string
	nodeID string
}

// NewLoopbackDriver creates a loopback driver rooted at basePath.
func NewLoopbackDriver(basePath, nodeID string) (*LoopbackDriver, error) {
	if basePath == "" {
		basePath = DefaultLoopbackPath
	}
	if nodeID == "" {
		return nil, fmt.Errorf("loopback driver requires a node ID")
	}

	d := &LoopbackDriver{root: basePath, nodeID: nodeID}
	for _, dir := range []string{d.unattachedDir(), d.attachedDir(nodeID)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create loopback directory: %w", err)
		}
	}
	return d, nil
}

func (d *LoopbackDriver) unattachedDir() string {
	return filepath.Join(d.root, unattachedDirName)
}

func (d *LoopbackDriver) attachedDir(nodeID string) string {
	return filepath.Join(d.root, attachedDirName, nodeID)
}

func backingFileName(datasetID string, size int64) string {
	return fmt.Sprintf("%s_%d", datasetID, size)
}

func parseBackingFileName(name string) (datasetID string, size int64, ok bool) {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return "", 0, false
	}
	size, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return name[:idx], size, true
}

// locate finds the backing file for a dataset anywhere under the root.
// Returns the file path, parsed size and the node it is attached to
// ("" when unattached). os.ErrNotExist when no backing file exists.
func (d *LoopbackDriver) locate(datasetID string) (path string, size int64, attachedTo string, err error) {
	entries, err := os.ReadDir(d.unattachedDir())
	if err != nil {
		return "", 0, "", err
	}
	for _, entry := range entries {
		id, sz, ok := parseBackingFileName(entry.Name())
		if ok && id == datasetID {
			return filepath.Join(d.unattachedDir(), entry.Name()), sz, "", nil
		}
	}

	hostsDir := filepath.Join(d.root, attachedDirName)
	hosts, err := os.ReadDir(hostsDir)
	if err != nil {
		return "", 0, "", err
	}
	for _, host := range hosts {
		if !host.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(hostsDir, host.Name()))
		if err != nil {
			return "", 0, "", err
		}
		for _, entry := range entries {
			id, sz, ok := parseBackingFileName(entry.Name())
			if ok && id == datasetID {
				return filepath.Join(hostsDir, host.Name(), entry.Name()), sz, host.Name(), nil
			}
		}
	}
	return "", 0, "", os.ErrNotExist
}

// Enumerate lists the manifestations attached to this node.
func (d *LoopbackDriver) Enumerate(ctx context.Context) ([]types.Manifestation, error) {
	entries, err := os.ReadDir(d.attachedDir(d.nodeID))
	if err != nil {
		return nil, errdefs.Fatal("enumerate", "", err)
	}

	var manifestations []types.Manifestation
	for _, entry := range entries {
		datasetID, size, ok := parseBackingFileName(entry.Name())
		if !ok {
			continue
		}
		manifestations = append(manifestations, types.Manifestation{
			Dataset: types.Dataset{ID: datasetID, MaximumSize: size},
			Primary: true,
		})
	}
	return manifestations, nil
}

// Create allocates a sparse backing file for the dataset and attaches it to
// this node. Creating a dataset that already exists locally is a no-op.
func (d *LoopbackDriver) Create(ctx context.Context, dataset types.Dataset) (types.Volume, error) {
	size := AllocatedSize(LoopbackAllocationUnit, dataset.MaximumSize)

	path, existingSize, attachedTo, err := d.locate(dataset.ID)
	switch {
	case err == nil && attachedTo == d.nodeID:
		return d.volume(dataset.ID, existingSize, path), nil
	case err == nil && attachedTo == "":
		return d.Attach(ctx, dataset.ID)
	case err == nil:
		return types.Volume{}, errdefs.Fatal("create", dataset.ID,
			fmt.Errorf("dataset already attached to node %s", attachedTo))
	case !os.IsNotExist(err):
		return types.Volume{}, errdefs.Fatal("create", dataset.ID, err)
	}

	newPath := filepath.Join(d.attachedDir(d.nodeID), backingFileName(dataset.ID, size))
	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return types.Volume{}, errdefs.Fatal("create", dataset.ID, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return types.Volume{}, errdefs.Fatal("create", dataset.ID, err)
	}

	return d.volume(dataset.ID, size, newPath), nil
}

// Destroy removes the dataset's backing file. Destroying an absent dataset
// is a no-op.
func (d *LoopbackDriver) Destroy(ctx context.Context, datasetID string) error {
	path, _, attachedTo, err := d.locate(datasetID)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errdefs.Fatal("destroy", datasetID, err)
	}
	if attachedTo != "" && attachedTo != d.nodeID {
		return errdefs.Fatal("destroy", datasetID,
			fmt.Errorf("dataset attached to node %s", attachedTo))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errdefs.Fatal("destroy", datasetID, err)
	}
	return nil
}

// Attach moves an unattached backing file into this node's directory.
func (d *LoopbackDriver) Attach(ctx context.Context, datasetID string) (types.Volume, error) {
	path, size, attachedTo, err := d.locate(datasetID)
	if err != nil {
		return types.Volume{}, errdefs.Fatal("attach", datasetID, err)
	}
	if attachedTo == d.nodeID {
		return d.volume(datasetID, size, path), nil
	}
	if attachedTo != "" {
		return types.Volume{}, errdefs.Fatal("attach", datasetID,
			fmt.Errorf("dataset already attached to node %s", attachedTo))
	}

	newPath := filepath.Join(d.attachedDir(d.nodeID), filepath.Base(path))
	if err := os.Rename(path, newPath); err != nil {
		return types.Volume{}, errdefs.Fatal("attach", datasetID, err)
	}
	return d.volume(datasetID, size, newPath), nil
}

// Detach moves this node's backing file back to the unattached directory.
func (d *LoopbackDriver) Detach(ctx context.Context, datasetID string) error {
	path, _, attachedTo, err := d.locate(datasetID)
	if err != nil {
		return errdefs.Fatal("detach", datasetID, err)
	}
	if attachedTo == "" {
		return nil
	}
	if attachedTo != d.nodeID {
		return errdefs.Fatal("detach", datasetID,
			fmt.Errorf("dataset attached to node %s", attachedTo))
	}

	newPath := filepath.Join(d.unattachedDir(), filepath.Base(path))
	if err := os.Rename(path, newPath); err != nil {
		return errdefs.Fatal("detach", datasetID, err)
	}
	return nil
}

// Resize adjusts the backing file to the new size, rounded to the
// allocation unit. The size is encoded in the file name, so resize renames
// as well as truncates.
func (d *LoopbackDriver) Resize(ctx context.Context, datasetID string, size int64) error {
	size = AllocatedSize(LoopbackAllocationUnit, size)

	path, oldSize, attachedTo, err := d.locate(datasetID)
	if err != nil {
		return errdefs.Fatal("resize", datasetID, err)
	}
	if attachedTo != "" && attachedTo != d.nodeID {
		return errdefs.Fatal("resize", datasetID,
			fmt.Errorf("dataset attached to node %s", attachedTo))
	}
	if oldSize == size {
		return nil
	}

	newPath := filepath.Join(filepath.Dir(path), backingFileName(datasetID, size))
	if err := os.Rename(path, newPath); err != nil {
		return errdefs.Fatal("resize", datasetID, err)
	}
	if err := os.Truncate(newPath, size); err != nil {
		return errdefs.Fatal("resize", datasetID, err)
	}
	return nil
}

// Snapshot opens the dataset's backing file for streaming to a peer.
func (d *LoopbackDriver) Snapshot(ctx context.Context, datasetID string) (io.ReadCloser, error) {
	path, _, attachedTo, err := d.locate(datasetID)
	if err != nil {
		return nil, errdefs.Fatal("snapshot", datasetID, err)
	}
	if attachedTo != d.nodeID {
		return nil, errdefs.Fatal("snapshot", datasetID,
			fmt.Errorf("dataset not attached to this node"))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Fatal("snapshot", datasetID, err)
	}
	return f, nil
}

// Restore materializes a dataset from a handoff stream, attached to this
// node. Restoring a dataset that already exists locally is a no-op success;
// the stream is drained so the sender sees a clean transfer either way.
func (d *LoopbackDriver) Restore(ctx context.Context, dataset types.Dataset, r io.Reader) error {
	if _, _, attachedTo, err := d.locate(dataset.ID); err == nil {
		if attachedTo == d.nodeID || attachedTo == "" {
			_, _ = io.Copy(io.Discard, r)
			return nil
		}
		return errdefs.Fatal("restore", dataset.ID,
			fmt.Errorf("dataset already attached to node %s", attachedTo))
	} else if !os.IsNotExist(err) {
		return errdefs.Fatal("restore", dataset.ID, err)
	}

	size := AllocatedSize(LoopbackAllocationUnit, dataset.MaximumSize)
	path := filepath.Join(d.attachedDir(d.nodeID), backingFileName(dataset.ID, size))
	tmp := path + ".partial"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errdefs.Fatal("restore", dataset.ID, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return errdefs.Retryable("restore", dataset.ID, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(tmp)
		return errdefs.Fatal("restore", dataset.ID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errdefs.Fatal("restore", dataset.ID, err)
	}

	// Rename only after the full stream landed, so an interrupted transfer
	// never enumerates as a present manifestation.
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errdefs.Fatal("restore", dataset.ID, err)
	}
	return nil
}

func (d *LoopbackDriver) volume(datasetID string, size int64, path string) types.Volume {
	return types.Volume{
		DatasetID:     datasetID,
		BlockDeviceID: "block-" + datasetID,
		Size:          size,
		AttachedTo:    d.nodeID,
		DevicePath:    path,
	}
}
