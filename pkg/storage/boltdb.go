package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drover-io/drover/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTargets        = []byte("targets")
	bucketSets           = []byte("distribution_sets")
	bucketActions        = []byte("actions")
	bucketActionStatuses = []byte("action_statuses")
	bucketRollouts       = []byte("rollouts")
	bucketGroups         = []byte("rollout_groups")
	bucketFilters        = []byte("target_filters")
)

// BoltStore implements Store interface using BoltDB. Keys are
// "<tenant>/<id>" so tenant iteration is a prefix scan.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTargets,
			bucketSets,
			bucketActions,
			bucketActionStatuses,
			bucketRollouts,
			bucketGroups,
			bucketFilters,
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

func tenantKey(tenant, id string) []byte {
	return []byte(tenant + "/" + id)
}

func (s *BoltStore) put(bucket []byte, tenant, id string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(tenantKey(tenant, id), data)
	})
}

func (s *BoltStore) get(bucket []byte, tenant, id string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get(tenantKey(tenant, id))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, id, types.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

// forEachTenant walks every value under the tenant prefix of a bucket.
func forEachTenant(tx *bolt.Tx, bucket []byte, tenant string, fn func(v []byte) error) error {
	prefix := []byte(tenant + "/")
	c := tx.Bucket(bucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// Target operations

func (s *BoltStore) CreateTarget(target *types.Target) error {
	return s.put(bucketTargets, target.Tenant, target.ID, target)
}

func (s *BoltStore) GetTarget(tenant, id string) (*types.Target, error) {
	var target types.Target
	if err := s.get(bucketTargets, tenant, id, &target); err != nil {
		return nil, err
	}
	return &target, nil
}

func (s *BoltStore) ListTargets(tenant string) ([]*types.Target, error) {
	var targets []*types.Target
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachTenant(tx, bucketTargets, tenant, func(v []byte) error {
			var target types.Target
			if err := json.Unmarshal(v, &target); err != nil {
				return err
			}
			if !target.Deleted {
				targets = append(targets, &target)
			}
			return nil
		})
	})
	return targets, err
}

func (s *BoltStore) ListTargetsPage(tenant string, offset, limit int) ([]*types.Target, int, error) {
	all, err := s.ListTargets(tenant)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *BoltStore) UpdateTarget(target *types.Target) error {
	return s.CreateTarget(target) // Same as create (upsert)
}

// Distribution set operations

func (s *BoltStore) CreateDistributionSet(set *types.DistributionSet) error {
	return s.put(bucketSets, set.Tenant, set.ID, set)
}

func (s *BoltStore) GetDistributionSet(tenant, id string) (*types.DistributionSet, error) {
	var set types.DistributionSet
	if err := s.get(bucketSets, tenant, id, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *BoltStore) ListDistributionSets(tenant string) ([]*types.DistributionSet, error) {
	var sets []*types.DistributionSet
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachTenant(tx, bucketSets, tenant, func(v []byte) error {
			var set types.DistributionSet
			if err := json.Unmarshal(v, &set); err != nil {
				return err
			}
			if !set.Deleted {
				sets = append(sets, &set)
			}
			return nil
		})
	})
	return sets, err
}

// Action operations

func (s *BoltStore) CreateAction(action *types.Action) error {
	return s.put(bucketActions, action.Tenant, action.ID, action)
}

func (s *BoltStore) GetAction(tenant, id string) (*types.Action, error) {
	var action types.Action
	if err := s.get(bucketActions, tenant, id, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *BoltStore) UpdateAction(action *types.Action) error {
	return s.CreateAction(action)
}

func (s *BoltStore) listActions(tenant string, keep func(*types.Action) bool) ([]*types.Action, error) {
	var actions []*types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachTenant(tx, bucketActions, tenant, func(v []byte) error {
			var action types.Action
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}
			if keep(&action) {
				actions = append(actions, &action)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Weight != actions[j].Weight {
			return actions[i].Weight > actions[j].Weight
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
	return actions, nil
}

func (s *BoltStore) ListActionsByTarget(tenant, targetID string) ([]*types.Action, error) {
	return s.listActions(tenant, func(a *types.Action) bool { return a.TargetID == targetID })
}

func (s *BoltStore) ListActionsByGroup(tenant, groupID string) ([]*types.Action, error) {
	return s.listActions(tenant, func(a *types.Action) bool { return a.GroupID == groupID })
}

func (s *BoltStore) ListActionsByRollout(tenant, rolloutID string) ([]*types.Action, error) {
	return s.listActions(tenant, func(a *types.Action) bool { return a.RolloutID == rolloutID })
}

// GetActiveUpdateAction returns the single active update action for a
// target, or ErrNotFound when the target has none.
func (s *BoltStore) GetActiveUpdateAction(tenant, targetID string) (*types.Action, error) {
	actions, err := s.listActions(tenant, func(a *types.Action) bool {
		return a.TargetID == targetID && a.Active && a.Kind == types.ActionKindUpdate
	})
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("active action for target %s: %w", targetID, types.ErrNotFound)
	}
	return actions[0], nil
}

// Action status operations

func (s *BoltStore) AppendActionStatus(status *types.ActionStatus) error {
	// Keyed by action so history listing is a prefix scan; the status ID
	// keeps entries unique and insertion-ordered per action.
	key := status.ActionID + "/" + status.At.UTC().Format("20060102150405.000000000") + "/" + status.ID
	return s.put(bucketActionStatuses, status.Tenant, key, status)
}

func (s *BoltStore) ListActionStatuses(tenant, actionID string) ([]*types.ActionStatus, error) {
	var statuses []*types.ActionStatus
	prefix := []byte(tenant + "/" + actionID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActionStatuses).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var status types.ActionStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return err
			}
			statuses = append(statuses, &status)
		}
		return nil
	})
	return statuses, err
}

// Rollout operations

func (s *BoltStore) CreateRollout(rollout *types.Rollout) error {
	return s.put(bucketRollouts, rollout.Tenant, rollout.ID, rollout)
}

func (s *BoltStore) GetRollout(tenant, id string) (*types.Rollout, error) {
	var rollout types.Rollout
	if err := s.get(bucketRollouts, tenant, id, &rollout); err != nil {
		return nil, err
	}
	return &rollout, nil
}

func (s *BoltStore) UpdateRollout(rollout *types.Rollout) error {
	return s.CreateRollout(rollout)
}

func (s *BoltStore) UpdateRolloutCAS(rollout *types.Rollout, expectedVersion int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRollouts)
		key := tenantKey(rollout.Tenant, rollout.ID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("rollout %s: %w", rollout.ID, types.ErrNotFound)
		}
		var current types.Rollout
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("rollout %s version %d != %d: %w",
				rollout.ID, current.Version, expectedVersion, types.ErrConflict)
		}
		rollout.Version = expectedVersion + 1
		updated, err := json.Marshal(rollout)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}

func (s *BoltStore) ListRollouts(tenant string) ([]*types.Rollout, error) {
	var rollouts []*types.Rollout
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachTenant(tx, bucketRollouts, tenant, func(v []byte) error {
			var rollout types.Rollout
			if err := json.Unmarshal(v, &rollout); err != nil {
				return err
			}
			if !rollout.Deleted {
				rollouts = append(rollouts, &rollout)
			}
			return nil
		})
	})
	return rollouts, err
}

// Rollout group operations

func (s *BoltStore) CreateRolloutGroup(group *types.RolloutGroup) error {
	return s.put(bucketGroups, group.Tenant, group.ID, group)
}

func (s *BoltStore) GetRolloutGroup(tenant, id string) (*types.RolloutGroup, error) {
	var group types.RolloutGroup
	if err := s.get(bucketGroups, tenant, id, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) UpdateRolloutGroup(group *types.RolloutGroup) error {
	return s.CreateRolloutGroup(group)
}

func (s *BoltStore) ListRolloutGroups(tenant, rolloutID string) ([]*types.RolloutGroup, error) {
	var groups []*types.RolloutGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachTenant(tx, bucketGroups, tenant, func(v []byte) error {
			var group types.RolloutGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			if group.RolloutID == rolloutID {
				groups = append(groups, &group)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Index < groups[j].Index })
	return groups, nil
}

// Target filter operations

func (s *BoltStore) CreateTargetFilter(filter *types.TargetFilter) error {
	return s.put(bucketFilters, filter.Tenant, filter.ID, filter)
}

func (s *BoltStore) GetTargetFilter(tenant, id string) (*types.TargetFilter, error) {
	var filter types.TargetFilter
	if err := s.get(bucketFilters, tenant, id, &filter); err != nil {
		return nil, err
	}
	return &filter, nil
}

func (s *BoltStore) UpdateTargetFilter(filter *types.TargetFilter) error {
	return s.CreateTargetFilter(filter)
}

func (s *BoltStore) DeleteTargetFilter(tenant, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFilters).Delete(tenantKey(tenant, id))
	})
}

func (s *BoltStore) ListTargetFilters(tenant string) ([]*types.TargetFilter, error) {
	var filters []*types.TargetFilter
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachTenant(tx, bucketFilters, tenant, func(v []byte) error {
			var filter types.TargetFilter
			if err := json.Unmarshal(v, &filter); err != nil {
				return err
			}
			filters = append(filters, &filter)
			return nil
		})
	})
	return filters, err
}

// ListTenants returns every tenant that owns a rollout, target or filter.
func (s *BoltStore) ListTenants() ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRollouts, bucketTargets, bucketFilters} {
			c := tx.Bucket(bucket).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if idx := strings.IndexByte(string(k), '/'); idx > 0 {
					seen[string(k[:idx])] = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	tenants := make([]string, 0, len(seen))
	for tenant := range seen {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}
