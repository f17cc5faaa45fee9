package lock

import (
	"sort"
	"time"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/storage"
)

// Request names everything one action wants to lock. The manager
// acquires the cluster lock first, then node locks in ascending ID
// order, so concurrent actions can never deadlock on ordering.
type Request struct {
	ActionID  string
	ClusterID string // empty when only node locks are needed
	NodeIDs   []string
	Shared    bool // shared cluster lock (observations); node locks are always exclusive
}

// Manager acquires and releases target locks through the store. All
// engines sharing the store see the same lock table, so the manager
// also arbitrates across processes.
type Manager struct {
	store             storage.Store
	engineID          string
	heartbeatInterval time.Duration
}

// NewManager creates a lock manager for one engine process.
func NewManager(store storage.Store, engineID string, heartbeatInterval time.Duration) *Manager {
	return &Manager{
		store:             store,
		engineID:          engineID,
		heartbeatInterval: heartbeatInterval,
	}
}

// targets returns the lock targets in canonical acquisition order.
func (r Request) targets() []string {
	var out []string
	if r.ClusterID != "" {
		out = append(out, r.ClusterID)
	}
	nodes := append([]string(nil), r.NodeIDs...)
	sort.Strings(nodes)
	return append(out, nodes...)
}

// Acquire takes every lock in the request or none of them. On any
// refusal the locks already taken are rolled back and false is
// returned; the caller decides whether to retry.
func (m *Manager) Acquire(req Request) (bool, error) {
	targets := req.targets()
	var held []string

	rollback := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := m.store.ReleaseLock(held[i], req.ActionID); err != nil {
				log.Logger.Warn().Err(err).
					Str("target", held[i]).
					Msg("failed to roll back lock")
			}
		}
	}

	for i, target := range targets {
		exclusive := true
		if i == 0 && req.ClusterID != "" && req.Shared {
			exclusive = false
		}
		ok, err := m.store.AcquireLock(target, req.ActionID, m.engineID, exclusive)
		if err != nil {
			rollback()
			return false, err
		}
		if !ok {
			stolen, err := m.maybeSteal(target, req.ActionID)
			if err != nil {
				rollback()
				return false, err
			}
			if !stolen {
				rollback()
				return false, nil
			}
		}
		held = append(held, target)
	}
	return true, nil
}

// Release frees every lock in the request, in reverse acquisition
// order. Releasing a lock that is not held is a no-op.
func (m *Manager) Release(req Request) error {
	targets := req.targets()
	var firstErr error
	for i := len(targets) - 1; i >= 0; i-- {
		if err := m.store.ReleaseLock(targets[i], req.ActionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// maybeSteal takes over a lock whose holding engine has stopped
// heartbeating for more than twice the heartbeat interval.
func (m *Manager) maybeSteal(target, actionID string) (bool, error) {
	lock, err := m.store.GetLock(target)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			// Holder released between our attempt and now; retry once.
			return m.store.AcquireLock(target, actionID, m.engineID, true)
		}
		return false, err
	}
	if lock.EngineID == m.engineID {
		return false, nil
	}

	engines, err := m.store.ListEngines()
	if err != nil {
		return false, err
	}
	deadline := time.Now().Add(-2 * m.heartbeatInterval)
	for _, e := range engines {
		if e.EngineID != lock.EngineID {
			continue
		}
		if e.LastHeartbeat.After(deadline) {
			return false, nil
		}
		break
	}

	log.Logger.Warn().
		Str("target", target).
		Str("dead_engine", lock.EngineID).
		Msg("stealing lock from dead engine")
	if err := m.store.StealLock(target, actionID, m.engineID); err != nil {
		return false, err
	}
	return true, nil
}
