package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestClusterCRUD(t *testing.T) {
	store := newTestStore(t)

	cluster := &types.Cluster{
		ID:              uuid.New().String(),
		Name:            "web",
		ProfileID:       uuid.New().String(),
		DesiredCapacity: 2,
		MinSize:         0,
		MaxSize:         -1,
		Status:          types.ClusterStatusInit,
		Project:         "p1",
	}
	require.NoError(t, store.CreateCluster(cluster))

	got, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)
	assert.Equal(t, -1, got.MaxSize)
	assert.False(t, got.CreatedAt.IsZero())

	got.Status = types.ClusterStatusActive
	require.NoError(t, store.UpdateCluster(got))

	got, err = store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusActive, got.Status)

	require.NoError(t, store.DeleteCluster(cluster.ID))

	_, err = store.GetCluster(cluster.ID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	// Soft-deleted rows are still visible with ShowDeleted.
	clusters, err := store.ListClusters(ListOptions{ShowDeleted: true})
	require.NoError(t, err)
	assert.Len(t, clusters, 1)

	clusters, err = store.ListClusters(ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestGetClusterByNameAndShortID(t *testing.T) {
	store := newTestStore(t)

	c1 := &types.Cluster{ID: "aaaa1111-0000-0000-0000-000000000001", Name: "alpha"}
	c2 := &types.Cluster{ID: "aaaa2222-0000-0000-0000-000000000002", Name: "beta"}
	require.NoError(t, store.CreateCluster(c1))
	require.NoError(t, store.CreateCluster(c2))

	got, err := store.GetClusterByName("beta")
	require.NoError(t, err)
	assert.Equal(t, c2.ID, got.ID)

	_, err = store.GetClusterByName("gamma")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	got, err = store.GetClusterByShortID("aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, got.ID)

	// Ambiguous prefix matches both rows.
	_, err = store.GetClusterByShortID("aaaa")
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))

	// Deleted rows do not participate in short-ID resolution.
	require.NoError(t, store.DeleteCluster(c2.ID))
	got, err = store.GetClusterByShortID("aaaa")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, got.ID)
}

func TestListOptionsFilterSortPage(t *testing.T) {
	store := newTestStore(t)

	ids := []string{}
	for i, name := range []string{"c-one", "c-two", "c-three"} {
		c := &types.Cluster{
			ID:      uuid.New().String(),
			Name:    name,
			Status:  types.ClusterStatusActive,
			Project: "p1",
		}
		if i == 2 {
			c.Project = "p2"
			c.Status = types.ClusterStatusError
		}
		require.NoError(t, store.CreateCluster(c))
		ids = append(ids, c.ID)
		time.Sleep(2 * time.Millisecond)
	}

	clusters, err := store.ListClusters(ListOptions{Filters: map[string]string{"status": "ACTIVE"}})
	require.NoError(t, err)
	assert.Len(t, clusters, 2)

	clusters, err = store.ListClusters(ListOptions{Project: "p2"})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "c-three", clusters[0].Name)

	clusters, err = store.ListClusters(ListOptions{SortKey: "name"})
	require.NoError(t, err)
	require.Len(t, clusters, 3)
	assert.Equal(t, "c-one", clusters[0].Name)
	assert.Equal(t, "c-three", clusters[1].Name)
	assert.Equal(t, "c-two", clusters[2].Name)

	clusters, err = store.ListClusters(ListOptions{Limit: 1, Marker: ids[0]})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, ids[1], clusters[0].ID)
}

func TestNodesByCluster(t *testing.T) {
	store := newTestStore(t)
	clusterID := uuid.New().String()

	for i := 0; i < 3; i++ {
		n := &types.Node{ID: uuid.New().String(), Name: "n", ClusterID: clusterID, Index: i + 1}
		require.NoError(t, store.CreateNode(n))
	}
	orphan := &types.Node{ID: uuid.New().String(), Name: "orphan"}
	require.NoError(t, store.CreateNode(orphan))

	nodes, err := store.ListNodesByCluster(clusterID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	count, err := store.CountNodesByCluster(clusterID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestClaimAction(t *testing.T) {
	store := newTestStore(t)

	first := &types.Action{
		ID:     uuid.New().String(),
		Name:   "cluster_create_aaaa1111",
		Kind:   types.ClusterCreate,
		Status: types.ActionStatusReady,
	}
	require.NoError(t, store.CreateAction(first))
	time.Sleep(2 * time.Millisecond)

	second := &types.Action{
		ID:     uuid.New().String(),
		Name:   "cluster_delete_bbbb2222",
		Kind:   types.ClusterDelete,
		Status: types.ActionStatusReady,
	}
	require.NoError(t, store.CreateAction(second))

	// Oldest READY action is claimed first.
	claimed, err := store.ClaimAction("engine-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, types.ActionStatusRunning, claimed.Status)
	assert.Equal(t, "engine-1", claimed.Owner)
	assert.False(t, claimed.StartTime.IsZero())

	claimed, err = store.ClaimAction("engine-2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)

	// Nothing left to claim.
	claimed, err = store.ClaimAction("engine-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimActionByID(t *testing.T) {
	store := newTestStore(t)

	action := &types.Action{
		ID:     uuid.New().String(),
		Status: types.ActionStatusReady,
	}
	require.NoError(t, store.CreateAction(action))

	claimed, err := store.ClaimActionByID(action.ID, "engine-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "engine-1", claimed.Owner)

	// Already claimed: the second attempt yields nil without error.
	claimed, err = store.ClaimActionByID(action.ID, "engine-2")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestMarkActionOwnership(t *testing.T) {
	store := newTestStore(t)

	action := &types.Action{ID: uuid.New().String(), Status: types.ActionStatusReady}
	require.NoError(t, store.CreateAction(action))

	_, err := store.ClaimActionByID(action.ID, "engine-1")
	require.NoError(t, err)

	err = store.MarkAction(action.ID, "engine-2", types.ActionStatusSucceeded,
		map[string]interface{}{"reason": "done"})
	assert.Error(t, err)

	require.NoError(t, store.MarkAction(action.ID, "engine-1", types.ActionStatusSucceeded,
		map[string]interface{}{"reason": "done"}))

	got, err := store.GetAction(action.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusSucceeded, got.Status)
	assert.Empty(t, got.Owner)
	assert.False(t, got.EndTime.IsZero())
	assert.Equal(t, "done", got.Outputs["reason"])
}

func TestReleaseAction(t *testing.T) {
	store := newTestStore(t)

	action := &types.Action{ID: uuid.New().String(), Status: types.ActionStatusReady}
	require.NoError(t, store.CreateAction(action))
	_, err := store.ClaimActionByID(action.ID, "engine-1")
	require.NoError(t, err)

	require.NoError(t, store.ReleaseAction(action.ID))

	got, err := store.GetAction(action.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusReady, got.Status)
	assert.Empty(t, got.Owner)
	assert.Equal(t, 1, got.Attempts)
}

func TestCancelAction(t *testing.T) {
	store := newTestStore(t)

	pending := &types.Action{ID: uuid.New().String(), Status: types.ActionStatusReady}
	require.NoError(t, store.CreateAction(pending))
	require.NoError(t, store.CancelAction(pending.ID))

	got, err := store.GetAction(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusCancelled, got.Status)

	running := &types.Action{ID: uuid.New().String(), Status: types.ActionStatusReady}
	require.NoError(t, store.CreateAction(running))
	_, err = store.ClaimActionByID(running.ID, "engine-1")
	require.NoError(t, err)

	require.NoError(t, store.CancelAction(running.ID))
	got, err = store.GetAction(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusRunning, got.Status)
	assert.True(t, got.Cancelled)
}

func TestDependencies(t *testing.T) {
	store := newTestStore(t)

	parent := &types.Action{ID: uuid.New().String(), Status: types.ActionStatusReady}
	child1 := &types.Action{ID: uuid.New().String(), Status: types.ActionStatusReady}
	child2 := &types.Action{ID: uuid.New().String(), Status: types.ActionStatusReady}
	for _, a := range []*types.Action{parent, child1, child2} {
		require.NoError(t, store.CreateAction(a))
	}

	require.NoError(t, store.AddDependency(child1.ID, parent.ID))
	require.NoError(t, store.AddDependency(child2.ID, parent.ID))

	got, err := store.GetAction(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusWaiting, got.Status)
	assert.Len(t, got.DependsOn, 2)

	readied, err := store.ResolveDependencies(child1.ID)
	require.NoError(t, err)
	assert.Empty(t, readied)

	readied, err = store.ResolveDependencies(child2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{parent.ID}, readied)

	got, err = store.GetAction(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusReady, got.Status)
}

func TestLocks(t *testing.T) {
	store := newTestStore(t)
	target := uuid.New().String()

	ok, err := store.AcquireLock(target, "action-1", "engine-1", true)
	require.NoError(t, err)
	assert.True(t, ok)

	// Exclusive lock blocks everyone else.
	ok, err = store.AcquireLock(target, "action-2", "engine-2", true)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.AcquireLock(target, "action-2", "engine-2", false)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseLock(target, "action-1"))
	_, err = store.GetLock(target)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	// Shared locks stack.
	ok, err = store.AcquireLock(target, "action-3", "engine-1", false)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.AcquireLock(target, "action-4", "engine-2", false)
	require.NoError(t, err)
	assert.True(t, ok)

	lock, err := store.GetLock(target)
	require.NoError(t, err)
	assert.Len(t, lock.ActionIDs, 2)

	// An exclusive request does not preempt shared holders.
	ok, err = store.AcquireLock(target, "action-5", "engine-1", true)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseLock(target, "action-3"))
	require.NoError(t, store.ReleaseLock(target, "action-4"))
}

func TestStealLock(t *testing.T) {
	store := newTestStore(t)
	target := uuid.New().String()

	ok, err := store.AcquireLock(target, "action-1", "dead-engine", true)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.StealLock(target, "action-2", "engine-2"))

	lock, err := store.GetLock(target)
	require.NoError(t, err)
	assert.Equal(t, "engine-2", lock.EngineID)
	assert.Equal(t, []string{"action-2"}, lock.ActionIDs)
}

func TestBindingsSortedByPriority(t *testing.T) {
	store := newTestStore(t)
	clusterID := uuid.New().String()

	high := &types.ClusterPolicy{ClusterID: clusterID, PolicyID: uuid.New().String(), Priority: 500, Enabled: true}
	low := &types.ClusterPolicy{ClusterID: clusterID, PolicyID: uuid.New().String(), Priority: 10, Enabled: true}
	require.NoError(t, store.CreateBinding(high))
	require.NoError(t, store.CreateBinding(low))

	bindings, err := store.ListBindings(clusterID)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, low.PolicyID, bindings[0].PolicyID)
	assert.Equal(t, high.PolicyID, bindings[1].PolicyID)

	require.NoError(t, store.DeleteBinding(clusterID, low.PolicyID))
	_, err = store.GetBinding(clusterID, low.PolicyID)
	assert.True(t, errors.IsKind(err, errors.KindPolicyBindingNotFound))
}

func TestEngineRegistry(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateEngine("engine-1"))
	engines, err := store.ListEngines()
	require.NoError(t, err)
	require.Len(t, engines, 1)
	created := engines[0].CreatedAt

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.UpdateEngine("engine-1"))
	engines, err = store.ListEngines()
	require.NoError(t, err)
	require.Len(t, engines, 1)
	assert.Equal(t, created, engines[0].CreatedAt)
	assert.True(t, engines[0].LastHeartbeat.After(created))

	require.NoError(t, store.DeleteEngine("engine-1"))
	engines, err = store.ListEngines()
	require.NoError(t, err)
	assert.Empty(t, engines)
}

func TestEvents(t *testing.T) {
	store := newTestStore(t)

	e := &types.Event{
		ID:      uuid.New().String(),
		ObjID:   "obj-1",
		ObjType: "CLUSTER",
		Action:  "CLUSTER_CREATE",
		Level:   types.EventLevelInfo,
	}
	require.NoError(t, store.CreateEvent(e))

	events, err := store.ListEvents(ListOptions{Filters: map[string]string{"obj_id": "obj-1"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.IsZero())
}
