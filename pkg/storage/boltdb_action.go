package storage

import (
	"encoding/json"
	"time"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Action operations

func (s *BoltStore) CreateAction(action *types.Action) error {
	now := time.Now()
	action.CreatedAt = now
	action.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketActions), action.ID, action)
	})
}

func (s *BoltStore) GetAction(id string) (*types.Action, error) {
	var action types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getLive(tx.Bucket(bucketActions), "action", id)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &action)
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *BoltStore) GetActionByName(name string) (*types.Action, error) {
	var action types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByName(tx.Bucket(bucketActions), "action", name)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &action)
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *BoltStore) GetActionByShortID(prefix string) (*types.Action, error) {
	var action types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByShortID(tx.Bucket(bucketActions), "action", prefix)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &action)
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *BoltStore) ListActions(opts ListOptions) ([]*types.Action, error) {
	var actions []*types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActions).ForEach(func(k, v []byte) error {
			var action types.Action
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}
			actions = append(actions, &action)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyListOptions(opts, actions, func(a *types.Action) rowMeta {
		return rowMeta{
			id:        a.ID,
			name:      a.Name,
			project:   a.Project,
			createdAt: a.CreatedAt,
			deletedAt: a.DeletedAt,
			fields: map[string]string{
				"name":   a.Name,
				"target": a.Target,
				"action": string(a.Kind),
				"status": string(a.Status),
			},
		}
	}), nil
}

func (s *BoltStore) ListActionsByOwner(engineID string, status types.ActionStatus) ([]*types.Action, error) {
	actions, err := s.ListActions(ListOptions{
		Filters: map[string]string{"status": string(status)},
	})
	if err != nil {
		return nil, err
	}
	var owned []*types.Action
	for _, a := range actions {
		if a.Owner == engineID {
			owned = append(owned, a)
		}
	}
	return owned, nil
}

func (s *BoltStore) UpdateAction(action *types.Action) error {
	action.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		if _, err := getLive(b, "action", action.ID); err != nil {
			return err
		}
		return putJSON(b, action.ID, action)
	})
}

func (s *BoltStore) DeleteAction(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		v, err := getLive(b, "action", id)
		if err != nil {
			return err
		}
		var action types.Action
		if err := json.Unmarshal(v, &action); err != nil {
			return err
		}
		if action.Status == types.ActionStatusRunning {
			return errors.ResourceBusy("action", id)
		}
		action.DeletedAt = time.Now()
		return putJSON(b, id, &action)
	})
}

// claimRow transitions one READY action to RUNNING under the given
// owner. Must be called inside an update transaction.
func claimRow(b *bolt.Bucket, action *types.Action, engineID string) error {
	now := time.Now()
	action.Status = types.ActionStatusRunning
	action.Owner = engineID
	action.StartTime = now
	action.UpdatedAt = now
	return putJSON(b, action.ID, action)
}

// ClaimAction picks the oldest READY, unowned action and claims it for
// engineID. The whole pick-and-mark runs in one write transaction, so
// two engines can never claim the same action.
func (s *BoltStore) ClaimAction(engineID string) (*types.Action, error) {
	var claimed *types.Action
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		var best *types.Action
		err := b.ForEach(func(k, v []byte) error {
			var action types.Action
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}
			if action.Status != types.ActionStatusReady || action.Owner != "" {
				return nil
			}
			if !action.DeletedAt.IsZero() {
				return nil
			}
			if best == nil || action.CreatedAt.Before(best.CreatedAt) {
				a := action
				best = &a
			}
			return nil
		})
		if err != nil || best == nil {
			return err
		}
		if err := claimRow(b, best, engineID); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimActionByID claims one specific action if it is still READY.
// Used by handlers that execute their own child actions in line.
func (s *BoltStore) ClaimActionByID(actionID, engineID string) (*types.Action, error) {
	var claimed *types.Action
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		v, err := getLive(b, "action", actionID)
		if err != nil {
			return err
		}
		var action types.Action
		if err := json.Unmarshal(v, &action); err != nil {
			return err
		}
		if action.Status != types.ActionStatusReady || action.Owner != "" {
			return nil
		}
		if err := claimRow(b, &action, engineID); err != nil {
			return err
		}
		claimed = &action
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) MarkAction(actionID, engineID string, status types.ActionStatus, outputs map[string]interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		v, err := getLive(b, "action", actionID)
		if err != nil {
			return err
		}
		var action types.Action
		if err := json.Unmarshal(v, &action); err != nil {
			return err
		}
		if action.Owner != engineID {
			return errors.New(errors.KindInternal,
				"action %s is owned by %q, not %q", actionID, action.Owner, engineID)
		}
		if !action.Status.ValidTransition(status) {
			return errors.New(errors.KindInternal,
				"invalid action transition %s -> %s", action.Status, status)
		}
		now := time.Now()
		action.Status = status
		action.Outputs = outputs
		action.Owner = ""
		action.UpdatedAt = now
		if status.Terminal() {
			action.EndTime = now
		}
		return putJSON(b, actionID, &action)
	})
}

func (s *BoltStore) ReleaseAction(actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		v, err := getLive(b, "action", actionID)
		if err != nil {
			return err
		}
		var action types.Action
		if err := json.Unmarshal(v, &action); err != nil {
			return err
		}
		if action.Status != types.ActionStatusRunning {
			return nil
		}
		action.Status = types.ActionStatusReady
		action.Owner = ""
		action.Attempts++
		action.UpdatedAt = time.Now()
		return putJSON(b, actionID, &action)
	})
}

func (s *BoltStore) CancelAction(actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		v, err := getLive(b, "action", actionID)
		if err != nil {
			return err
		}
		var action types.Action
		if err := json.Unmarshal(v, &action); err != nil {
			return err
		}
		now := time.Now()
		switch {
		case action.Status.Terminal():
			return nil
		case action.Status == types.ActionStatusRunning:
			// Cooperative: the owning worker observes the flag between
			// steps and finalizes the transition itself.
			action.Cancelled = true
		default:
			action.Status = types.ActionStatusCancelled
			action.EndTime = now
		}
		action.UpdatedAt = now
		return putJSON(b, actionID, &action)
	})
}

func (s *BoltStore) AddDependency(depID, dependentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)

		dv, err := getLive(b, "action", depID)
		if err != nil {
			return err
		}
		var dep types.Action
		if err := json.Unmarshal(dv, &dep); err != nil {
			return err
		}

		tv, err := getLive(b, "action", dependentID)
		if err != nil {
			return err
		}
		var dependent types.Action
		if err := json.Unmarshal(tv, &dependent); err != nil {
			return err
		}

		dep.DependedBy = appendUnique(dep.DependedBy, dependentID)
		dependent.DependsOn = appendUnique(dependent.DependsOn, depID)
		dependent.Status = types.ActionStatusWaiting

		now := time.Now()
		dep.UpdatedAt = now
		dependent.UpdatedAt = now
		if err := putJSON(b, depID, &dep); err != nil {
			return err
		}
		return putJSON(b, dependentID, &dependent)
	})
}

// ResolveDependencies removes the succeeded action from the DependsOn
// list of every action waiting on it; waiters with no dependencies
// left become READY.
func (s *BoltStore) ResolveDependencies(actionID string) ([]string, error) {
	var readied []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		v, err := getLive(b, "action", actionID)
		if err != nil {
			return err
		}
		var action types.Action
		if err := json.Unmarshal(v, &action); err != nil {
			return err
		}

		for _, waiterID := range action.DependedBy {
			wv := b.Get([]byte(waiterID))
			if wv == nil {
				continue
			}
			var waiter types.Action
			if err := json.Unmarshal(wv, &waiter); err != nil {
				return err
			}
			waiter.DependsOn = removeString(waiter.DependsOn, actionID)
			if len(waiter.DependsOn) == 0 && waiter.Status == types.ActionStatusWaiting {
				waiter.Status = types.ActionStatusReady
				readied = append(readied, waiter.ID)
			}
			waiter.UpdatedAt = time.Now()
			if err := putJSON(b, waiterID, &waiter); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return readied, nil
}

// Lock operations

func (s *BoltStore) AcquireLock(targetID, actionID, engineID string, exclusive bool) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := time.Now()

		v := b.Get([]byte(targetID))
		if v == nil {
			lock := &types.Lock{
				TargetID:  targetID,
				ActionIDs: []string{actionID},
				EngineID:  engineID,
				Exclusive: exclusive,
				CreatedAt: now,
				UpdatedAt: now,
			}
			acquired = true
			return putJSON(b, targetID, lock)
		}

		var lock types.Lock
		if err := json.Unmarshal(v, &lock); err != nil {
			return err
		}

		// Only shared locks stack, and only with other shared holders.
		if exclusive || lock.Exclusive {
			return nil
		}
		lock.ActionIDs = appendUnique(lock.ActionIDs, actionID)
		lock.UpdatedAt = now
		acquired = true
		return putJSON(b, targetID, &lock)
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *BoltStore) ReleaseLock(targetID, actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		v := b.Get([]byte(targetID))
		if v == nil {
			return nil
		}
		var lock types.Lock
		if err := json.Unmarshal(v, &lock); err != nil {
			return err
		}
		lock.ActionIDs = removeString(lock.ActionIDs, actionID)
		if len(lock.ActionIDs) == 0 {
			return b.Delete([]byte(targetID))
		}
		lock.UpdatedAt = time.Now()
		return putJSON(b, targetID, &lock)
	})
}

// StealLock forcibly reassigns a target's lock to a new action. Callers
// must have verified the previous holder's engine is dead.
func (s *BoltStore) StealLock(targetID, actionID, engineID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		lock := &types.Lock{
			TargetID:  targetID,
			ActionIDs: []string{actionID},
			EngineID:  engineID,
			Exclusive: true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return putJSON(tx.Bucket(bucketLocks), targetID, lock)
	})
}

func (s *BoltStore) GetLock(targetID string) (*types.Lock, error) {
	var lock types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLocks).Get([]byte(targetID))
		if v == nil {
			return errors.NotFound("lock", targetID)
		}
		return json.Unmarshal(v, &lock)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *BoltStore) ListLocksByEngine(engineID string) ([]*types.Lock, error) {
	var locks []*types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			if lock.EngineID == engineID {
				locks = append(locks, &lock)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return locks, nil
}

// Engine registry operations

func (s *BoltStore) UpdateEngine(engineID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistry)
		now := time.Now()
		reg := &types.EngineRegistry{EngineID: engineID, LastHeartbeat: now, CreatedAt: now}
		if v := b.Get([]byte(engineID)); v != nil {
			var prev types.EngineRegistry
			if err := json.Unmarshal(v, &prev); err != nil {
				return err
			}
			reg.CreatedAt = prev.CreatedAt
		}
		return putJSON(b, engineID, reg)
	})
}

func (s *BoltStore) ListEngines() ([]*types.EngineRegistry, error) {
	var engines []*types.EngineRegistry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistry).ForEach(func(k, v []byte) error {
			var reg types.EngineRegistry
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			engines = append(engines, &reg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return engines, nil
}

func (s *BoltStore) DeleteEngine(engineID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistry).Delete([]byte(engineID))
	})
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
