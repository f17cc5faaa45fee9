package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketClusters = []byte("clusters")
	bucketNodes    = []byte("nodes")
	bucketProfiles = []byte("profiles")
	bucketPolicies = []byte("policies")
	bucketBindings = []byte("cluster_policies")
	bucketActions  = []byte("actions")
	bucketLocks    = []byte("locks")
	bucketEvents   = []byte("events")
	bucketWebhooks = []byte("webhooks")
	bucketTriggers = []byte("triggers")
	bucketRegistry = []byte("engine_registry")
)

// BoltStore implements Store using BoltDB. Every mutating method runs
// inside a single bolt.Update transaction, which BoltDB serializes, so
// the claim and lock operations behave as compare-and-swap.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "corral.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketClusters,
			bucketNodes,
			bucketProfiles,
			bucketPolicies,
			bucketBindings,
			bucketActions,
			bucketLocks,
			bucketEvents,
			bucketWebhooks,
			bucketTriggers,
			bucketRegistry,
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

// softRow probes the identity and tombstone fields every row carries.
type softRow struct {
	ID        string
	Name      string
	DeletedAt time.Time
}

// findByShortID scans a bucket for live rows whose ID starts with
// prefix. Zero matches is a not-found; more than one is rejected so a
// short ID never resolves ambiguously.
func findByShortID(b *bolt.Bucket, entity, prefix string) ([]byte, error) {
	var match []byte
	err := b.ForEach(func(k, v []byte) error {
		if !strings.HasPrefix(string(k), prefix) {
			return nil
		}
		var row softRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		if !row.DeletedAt.IsZero() {
			return nil
		}
		if match != nil {
			return errors.BadRequest("Multiple results found matching the query criteria '%s'. Please be more specific", prefix)
		}
		match = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, errors.NotFound(entity, prefix)
	}
	return match, nil
}

// findByName scans a bucket for the live row with the given name.
func findByName(b *bolt.Bucket, entity, name string) ([]byte, error) {
	var match []byte
	err := b.ForEach(func(k, v []byte) error {
		var row softRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		if row.Name != name || !row.DeletedAt.IsZero() {
			return nil
		}
		if match != nil {
			return errors.BadRequest("Multiple results found matching the query criteria '%s'. Please be more specific", name)
		}
		match = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, errors.NotFound(entity, name)
	}
	return match, nil
}

// getLive returns the live row for id, or a not-found error.
func getLive(b *bolt.Bucket, entity, id string) ([]byte, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, errors.NotFound(entity, id)
	}
	var row softRow
	if err := json.Unmarshal(v, &row); err != nil {
		return nil, err
	}
	if !row.DeletedAt.IsZero() {
		return nil, errors.NotFound(entity, id)
	}
	return v, nil
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Cluster operations

func (s *BoltStore) CreateCluster(cluster *types.Cluster) error {
	now := time.Now()
	cluster.CreatedAt = now
	cluster.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketClusters), cluster.ID, cluster)
	})
}

func (s *BoltStore) GetCluster(id string) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getLive(tx.Bucket(bucketClusters), "cluster", id)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) GetClusterByName(name string) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByName(tx.Bucket(bucketClusters), "cluster", name)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) GetClusterByShortID(prefix string) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByShortID(tx.Bucket(bucketClusters), "cluster", prefix)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) ListClusters(opts ListOptions) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			clusters = append(clusters, &cluster)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyListOptions(opts, clusters, func(c *types.Cluster) rowMeta {
		return rowMeta{
			id:        c.ID,
			name:      c.Name,
			project:   c.Project,
			createdAt: c.CreatedAt,
			deletedAt: c.DeletedAt,
			fields: map[string]string{
				"name":       c.Name,
				"status":     string(c.Status),
				"profile_id": c.ProfileID,
				"parent":     c.Parent,
			},
		}
	}), nil
}

func (s *BoltStore) UpdateCluster(cluster *types.Cluster) error {
	cluster.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		if _, err := getLive(b, "cluster", cluster.ID); err != nil {
			return err
		}
		return putJSON(b, cluster.ID, cluster)
	})
}

func (s *BoltStore) DeleteCluster(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		v, err := getLive(b, "cluster", id)
		if err != nil {
			return err
		}
		var cluster types.Cluster
		if err := json.Unmarshal(v, &cluster); err != nil {
			return err
		}
		cluster.DeletedAt = time.Now()
		return putJSON(b, id, &cluster)
	})
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	now := time.Now()
	node.CreatedAt = now
	node.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNodes), node.ID, node)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getLive(tx.Bucket(bucketNodes), "node", id)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) GetNodeByName(name string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByName(tx.Bucket(bucketNodes), "node", name)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) GetNodeByShortID(prefix string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByShortID(tx.Bucket(bucketNodes), "node", prefix)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes(opts ListOptions) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyListOptions(opts, nodes, func(n *types.Node) rowMeta {
		return rowMeta{
			id:        n.ID,
			name:      n.Name,
			project:   n.Project,
			createdAt: n.CreatedAt,
			deletedAt: n.DeletedAt,
			fields: map[string]string{
				"name":       n.Name,
				"status":     string(n.Status),
				"cluster_id": n.ClusterID,
				"profile_id": n.ProfileID,
			},
		}
	}), nil
}

func (s *BoltStore) ListNodesByCluster(clusterID string) ([]*types.Node, error) {
	nodes, err := s.ListNodes(ListOptions{
		Filters: map[string]string{"cluster_id": clusterID},
		SortKey: "created_at",
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *BoltStore) CountNodesByCluster(clusterID string) (int, error) {
	nodes, err := s.ListNodesByCluster(clusterID)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	node.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if _, err := getLive(b, "node", node.ID); err != nil {
			return err
		}
		return putJSON(b, node.ID, node)
	})
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		v, err := getLive(b, "node", id)
		if err != nil {
			return err
		}
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}
		node.DeletedAt = time.Now()
		return putJSON(b, id, &node)
	})
}
