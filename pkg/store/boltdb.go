package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDatasets   = []byte("datasets")
	bucketNodes      = []byte("nodes")
	bucketNodeStates = []byte("node_states")
	bucketMeta       = []byte("meta")

	keyVersion = []byte("configuration_version")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "flocker.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDatasets,
			bucketNodes,
			bucketNodeStates,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Dataset placement records

func (s *BoltStore) PutDataset(cfg *types.DatasetConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Dataset.ID), data)
	})
}

func (s *BoltStore) GetDataset(id string) (*types.DatasetConfig, error) {
	var cfg types.DatasetConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("dataset %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) ListDatasets() ([]*types.DatasetConfig, error) {
	var configs []*types.DatasetConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.DatasetConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			configs = append(configs, &cfg)
			return nil
		})
	})
	return configs, err
}

func (s *BoltStore) DeleteDataset(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		return b.Delete([]byte(id))
	})
}

// Node operations

func (s *BoltStore) PutNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(id))
	})
}

// Observed node state

func (s *BoltStore) PutNodeState(state *types.NodeState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeStates)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.NodeID), data)
	})
}

func (s *BoltStore) GetNodeState(nodeID string) (*types.NodeState, error) {
	var state types.NodeState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeStates)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("node state %s: %w", nodeID, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) ListNodeStates() ([]*types.NodeState, error) {
	var states []*types.NodeState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeStates)
		return b.ForEach(func(k, v []byte) error {
			var state types.NodeState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	return states, err
}

// Configuration version

func (s *BoltStore) SetVersion(v uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return b.Put(keyVersion, buf)
	})
}

func (s *BoltStore) Version() (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get(keyVersion)
		if data == nil {
			v = 0
			return nil
		}
		v = binary.BigEndian.Uint64(data)
		return nil
	})
	return v, err
}
