package health

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecoverDeadEngines(t *testing.T) {
	store := newTestStore(t)

	// A dead engine owns a RUNNING action and its lock.
	require.NoError(t, store.UpdateEngine("dead-engine"))
	action := &types.Action{
		ID:     uuid.New().String(),
		Kind:   types.ClusterScaleOut,
		Target: "cluster-1",
		Status: types.ActionStatusReady,
	}
	require.NoError(t, store.CreateAction(action))
	claimed, err := store.ClaimActionByID(action.ID, "dead-engine")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	ok, err := store.AcquireLock("cluster-1", action.ID, "dead-engine", true)
	require.NoError(t, err)
	require.True(t, ok)

	notified := false
	monitor := NewMonitor(store, "engine-1", time.Millisecond, func() { notified = true })
	require.NoError(t, store.UpdateEngine("engine-1"))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, monitor.RecoverDeadEngines())

	// The action is claimable again and the lock is free.
	got, err := store.GetAction(action.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusReady, got.Status)
	assert.Empty(t, got.Owner)
	assert.Equal(t, 1, got.Attempts)

	_, err = store.GetLock("cluster-1")
	assert.Error(t, err)
	assert.True(t, notified)

	// The dead engine's registration is gone.
	engines, err := store.ListEngines()
	require.NoError(t, err)
	require.Len(t, engines, 1)
	assert.Equal(t, "engine-1", engines[0].EngineID)
}

func TestRecoverySparesLiveEngines(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateEngine("engine-2"))
	action := &types.Action{
		ID:     uuid.New().String(),
		Kind:   types.ClusterScaleOut,
		Target: "cluster-1",
		Status: types.ActionStatusReady,
	}
	require.NoError(t, store.CreateAction(action))
	_, err := store.ClaimActionByID(action.ID, "engine-2")
	require.NoError(t, err)

	monitor := NewMonitor(store, "engine-1", time.Hour, nil)
	require.NoError(t, monitor.RecoverDeadEngines())

	got, err := store.GetAction(action.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusRunning, got.Status)
	assert.Equal(t, "engine-2", got.Owner)
}
