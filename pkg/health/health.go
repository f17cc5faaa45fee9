/*
Package health keeps the engine registry heartbeat fresh and reclaims
work orphaned by dead engines. An engine is considered dead once its
heartbeat is older than twice the heartbeat interval; its RUNNING
actions go back to READY and its locks are released so surviving
engines can pick the work up.
*/
package health

import (
	"context"
	"time"

	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Monitor runs the heartbeat and recovery loop of one engine.
type Monitor struct {
	store    storage.Store
	engineID string
	interval time.Duration
	notify   func() // wakes the dispatcher after requeueing work
}

// NewMonitor creates a monitor. notify may be nil.
func NewMonitor(store storage.Store, engineID string, interval time.Duration, notify func()) *Monitor {
	return &Monitor{
		store:    store,
		engineID: engineID,
		interval: interval,
		notify:   notify,
	}
}

// Start beats and recovers until ctx is cancelled, then deregisters
// this engine.
func (m *Monitor) Start(ctx context.Context) error {
	logger := log.WithEngineID(m.engineID)

	if err := m.store.UpdateEngine(m.engineID); err != nil {
		return err
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.store.DeleteEngine(m.engineID); err != nil {
				logger.Warn().Err(err).Msg("failed to deregister engine")
			}
			return nil
		case <-ticker.C:
			if err := m.store.UpdateEngine(m.engineID); err != nil {
				logger.Error().Err(err).Msg("heartbeat failed")
			}
			if err := m.RecoverDeadEngines(); err != nil {
				logger.Error().Err(err).Msg("dead engine recovery failed")
			}
		}
	}
}

// RecoverDeadEngines requeues actions and releases locks owned by
// engines whose heartbeat has gone stale.
func (m *Monitor) RecoverDeadEngines() error {
	engines, err := m.store.ListEngines()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(-2 * m.interval)
	requeued := false

	for _, engine := range engines {
		if engine.EngineID == m.engineID || engine.LastHeartbeat.After(deadline) {
			continue
		}
		logger := log.WithEngineID(m.engineID)
		logger.Warn().Str("dead_engine", engine.EngineID).Msg("recovering dead engine")

		actions, err := m.store.ListActionsByOwner(engine.EngineID, types.ActionStatusRunning)
		if err != nil {
			return err
		}
		for _, action := range actions {
			if err := m.store.ReleaseAction(action.ID); err != nil {
				logger.Error().Err(err).Str("action_id", action.ID).
					Msg("failed to requeue orphaned action")
				continue
			}
			requeued = true
		}

		locks, err := m.store.ListLocksByEngine(engine.EngineID)
		if err != nil {
			return err
		}
		for _, l := range locks {
			for _, actionID := range l.ActionIDs {
				if err := m.store.ReleaseLock(l.TargetID, actionID); err != nil {
					logger.Error().Err(err).Str("target", l.TargetID).
						Msg("failed to release orphaned lock")
				}
			}
		}

		if err := m.store.DeleteEngine(engine.EngineID); err != nil {
			logger.Warn().Err(err).Str("dead_engine", engine.EngineID).
				Msg("failed to remove dead engine registration")
		}
	}

	if requeued && m.notify != nil {
		m.notify()
	}
	return nil
}
