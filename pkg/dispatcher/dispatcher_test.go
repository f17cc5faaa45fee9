package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/config"
	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/lock"
	"github.com/cuemby/corral/pkg/policy"
	"github.com/cuemby/corral/pkg/profile"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

type harness struct {
	store    storage.Store
	disp     *Dispatcher
	driver   *profile.FakeDriver
	lbDriver *policy.FakeLBDriver
	broker   *events.Broker
	env      *environment.Environment
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Workers = 1
	cfg.PollInterval = 2 * time.Millisecond
	cfg.LockRetryDelay = time.Millisecond
	cfg.LockRetryLimit = 2
	cfg.DefaultActionTimeout = time.Minute

	driver := profile.NewFakeDriver()
	lbDriver := policy.NewFakeLBDriver()
	env := environment.New()
	require.NoError(t, profile.RegisterContainer(env, driver))
	require.NoError(t, policy.RegisterLoadBalancing(env, lbDriver))

	broker := events.NewBroker(store)
	locks := lock.NewManager(store, "engine-1", cfg.HeartbeatInterval)
	require.NoError(t, store.UpdateEngine("engine-1"))

	return &harness{
		store:    store,
		disp:     New(store, locks, env, broker, cfg, "engine-1"),
		driver:   driver,
		lbDriver: lbDriver,
		broker:   broker,
		env:      env,
	}
}

func (h *harness) seedProfile(t *testing.T) *types.Profile {
	t.Helper()
	p := &types.Profile{
		ID:      uuid.New().String(),
		Name:    "container-profile",
		Type:    "corral.profile.container",
		Version: "1.0",
		Spec:    map[string]interface{}{"image": "nginx:1.27"},
	}
	require.NoError(t, h.store.CreateProfile(p))
	return p
}

func (h *harness) seedCluster(t *testing.T, prof *types.Profile, desired, minSize, maxSize int) *types.Cluster {
	t.Helper()
	c := &types.Cluster{
		ID:              uuid.New().String(),
		Name:            "web",
		ProfileID:       prof.ID,
		DesiredCapacity: desired,
		MinSize:         minSize,
		MaxSize:         maxSize,
		Status:          types.ClusterStatusInit,
		NextIndex:       1,
	}
	require.NoError(t, h.store.CreateCluster(c))
	return c
}

// runAction creates a READY action, claims and executes it, and
// returns the final row.
func (h *harness) runAction(t *testing.T, kind types.ActionKind, target string, inputs interface{}) *types.Action {
	t.Helper()
	var raw []byte
	if inputs != nil {
		var err error
		raw, err = types.EncodeInputs(inputs)
		require.NoError(t, err)
	}
	action := &types.Action{
		ID:      uuid.New().String(),
		Name:    "test_action",
		Target:  target,
		Kind:    kind,
		Cause:   types.CauseRPC,
		Inputs:  raw,
		Status:  types.ActionStatusReady,
		Timeout: time.Minute,
	}
	require.NoError(t, h.store.CreateAction(action))

	claimed, err := h.store.ClaimAction("engine-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, action.ID, claimed.ID)

	h.disp.execute(context.Background(), claimed)

	final, err := h.store.GetAction(action.ID)
	require.NoError(t, err)
	return final
}

func (h *harness) createCluster(t *testing.T, desired int) (*types.Cluster, *types.Profile) {
	t.Helper()
	prof := h.seedProfile(t)
	cluster := h.seedCluster(t, prof, desired, 0, -1)
	final := h.runAction(t, types.ClusterCreate, cluster.ID, nil)
	require.Equal(t, types.ActionStatusSucceeded, final.Status)
	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	return fresh, prof
}

func TestClusterCreateEndToEnd(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 2)

	assert.Equal(t, types.ClusterStatusActive, cluster.Status)
	assert.Equal(t, 2, cluster.DesiredCapacity)

	nodes, err := h.store.ListNodesByCluster(cluster.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, types.NodeStatusActive, n.Status)
		assert.NotEmpty(t, n.PhysicalID)
		assert.True(t, h.driver.Has(n.PhysicalID))
	}
	assert.ElementsMatch(t, []int{1, 2}, []int{nodes[0].Index, nodes[1].Index})

	// The derived node actions all completed.
	actions, err := h.store.ListActions(storage.ListOptions{
		Filters: map[string]string{"action": string(types.NodeCreate)},
	})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, types.ActionStatusSucceeded, a.Status)
		assert.Equal(t, types.CauseDerived, a.Cause)
	}

	// No locks remain.
	_, err = h.store.GetLock(cluster.ID)
	assert.Error(t, err)
}

func TestClusterCreateDriverFailure(t *testing.T) {
	h := newHarness(t)
	h.driver.FailCreate = true

	prof := h.seedProfile(t)
	cluster := h.seedCluster(t, prof, 1, 0, -1)
	final := h.runAction(t, types.ClusterCreate, cluster.ID, nil)
	assert.Equal(t, types.ActionStatusFailed, final.Status)

	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusError, fresh.Status)
}

func TestNodeCreateRetriesTransientDriverFailure(t *testing.T) {
	h := newHarness(t)
	h.driver.FlakyCreates = 2

	prof := h.seedProfile(t)
	cluster := h.seedCluster(t, prof, 1, 0, -1)
	final := h.runAction(t, types.ClusterCreate, cluster.ID, nil)
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)
	assert.Equal(t, 1, h.driver.Count())
}

func TestNodeCreateRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.driver.FlakyCreates = 10

	prof := h.seedProfile(t)
	cluster := h.seedCluster(t, prof, 1, 0, -1)
	final := h.runAction(t, types.ClusterCreate, cluster.ID, nil)
	assert.Equal(t, types.ActionStatusFailed, final.Status)

	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusError, fresh.Status)
}

func TestNodeDeleteRetriesTransientDriverFailure(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 1)

	h.driver.FlakyDeletes = 2
	final := h.runAction(t, types.ClusterDelete, cluster.ID, nil)
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)
	assert.Equal(t, 0, h.driver.Count())
}

func TestClusterScaleOut(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 1)

	final := h.runAction(t, types.ClusterScaleOut, cluster.ID, &types.CountInputs{Count: 2})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.DesiredCapacity)
	assert.Equal(t, types.ClusterStatusActive, fresh.Status)

	nodes, err := h.store.ListNodesByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}

func TestClusterScaleOutBeyondMax(t *testing.T) {
	h := newHarness(t)
	prof := h.seedProfile(t)
	cluster := h.seedCluster(t, prof, 1, 0, 2)
	require.Equal(t, types.ActionStatusSucceeded,
		h.runAction(t, types.ClusterCreate, cluster.ID, nil).Status)

	final := h.runAction(t, types.ClusterScaleOut, cluster.ID, &types.CountInputs{Count: 5})
	assert.Equal(t, types.ActionStatusFailed, final.Status)
	assert.Contains(t, final.Outputs["reason"], "max_size")
}

func TestClusterScaleIn(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 3)

	final := h.runAction(t, types.ClusterScaleIn, cluster.ID, &types.CountInputs{Count: 1})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.DesiredCapacity)

	nodes, err := h.store.ListNodesByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestClusterResizePercentage(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 3)

	// -50% of 3 rounds half away from zero: two nodes leave.
	final := h.runAction(t, types.ClusterResize, cluster.ID, &types.ResizeInputs{
		AdjustmentType: types.ChangeInPercentage,
		Number:         -50,
	})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	nodes, err := h.store.ListNodesByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.DesiredCapacity)
}

func TestClusterResizeNothingToDo(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 2)

	newMax := 5
	final := h.runAction(t, types.ClusterResize, cluster.ID, &types.ResizeInputs{
		MaxSize: &newMax,
	})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)
	assert.Contains(t, final.Outputs["reason"], "nothing to do")

	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, fresh.MaxSize)
	assert.Equal(t, 2, fresh.DesiredCapacity)
}

func TestClusterResizeStrictViolation(t *testing.T) {
	h := newHarness(t)
	prof := h.seedProfile(t)
	cluster := h.seedCluster(t, prof, 2, 1, 3)
	require.Equal(t, types.ActionStatusSucceeded,
		h.runAction(t, types.ClusterCreate, cluster.ID, nil).Status)

	final := h.runAction(t, types.ClusterResize, cluster.ID, &types.ResizeInputs{
		AdjustmentType: types.ChangeInCapacity,
		Number:         5,
		Strict:         true,
	})
	assert.Equal(t, types.ActionStatusFailed, final.Status)

	// Non-strict clamps to max_size.
	final = h.runAction(t, types.ClusterResize, cluster.ID, &types.ResizeInputs{
		AdjustmentType: types.ChangeInCapacity,
		Number:         5,
	})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)
	nodes, err := h.store.ListNodesByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}

func TestClusterDelete(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 2)

	final := h.runAction(t, types.ClusterDelete, cluster.ID, nil)
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	_, err := h.store.GetCluster(cluster.ID)
	assert.Error(t, err)
	nodes, err := h.store.ListNodes(storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Equal(t, 0, h.driver.Count())
}

func TestClusterUpdateProfileChange(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 2)

	newProf := &types.Profile{
		ID:      uuid.New().String(),
		Name:    "container-profile-v2",
		Type:    "corral.profile.container",
		Version: "1.0",
		Spec:    map[string]interface{}{"image": "nginx:1.28"},
	}
	require.NoError(t, h.store.CreateProfile(newProf))

	final := h.runAction(t, types.ClusterUpdate, cluster.ID, &types.UpdateInputs{
		NewProfileID: newProf.ID,
	})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, newProf.ID, fresh.ProfileID)

	nodes, err := h.store.ListNodesByCluster(cluster.ID)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, newProf.ID, n.ProfileID)
	}
}

func TestClusterAddAndDelNodes(t *testing.T) {
	h := newHarness(t)
	cluster, prof := h.createCluster(t, 1)

	orphan := &types.Node{
		ID:        uuid.New().String(),
		Name:      "stray",
		ProfileID: prof.ID,
		Status:    types.NodeStatusActive,
	}
	require.NoError(t, h.store.CreateNode(orphan))

	final := h.runAction(t, types.ClusterAddNodes, cluster.ID,
		&types.NodeSetInputs{Nodes: []string{orphan.ID}})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	fresh, err := h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.DesiredCapacity)

	joined, err := h.store.GetNode(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, joined.ClusterID)
	assert.NotZero(t, joined.Index)

	final = h.runAction(t, types.ClusterDelNodes, cluster.ID,
		&types.NodeSetInputs{Nodes: []string{orphan.ID}})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	fresh, err = h.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.DesiredCapacity)
	_, err = h.store.GetNode(orphan.ID)
	assert.Error(t, err)
}

func TestPolicyAttachScaleOutPostOp(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 1)

	pol := &types.Policy{
		ID:      uuid.New().String(),
		Name:    "lb",
		Type:    "corral.policy.loadbalancing",
		Version: "1.0",
		Spec: map[string]interface{}{
			"pool": map[string]interface{}{"subnet": "pool-net"},
			"vip":  map[string]interface{}{"subnet": "vip-net"},
		},
	}
	require.NoError(t, h.store.CreatePolicy(pol))

	final := h.runAction(t, types.ClusterAttachPolicy, cluster.ID,
		&types.BindingInputs{PolicyID: pol.ID})
	require.Equal(t, types.ActionStatusSucceeded, final.Status)

	binding, err := h.store.GetBinding(cluster.ID, pol.ID)
	require.NoError(t, err)
	assert.Equal(t, policy.LBDefaultPriority, binding.Priority)
	assert.True(t, binding.Enabled)
	lbID, _ := binding.Data["loadbalancer"].(string)
	require.NotEmpty(t, lbID)
	assert.Equal(t, h.lbDriver.PoolID(lbID), binding.Data["pool"])
	assert.Equal(t, 1, h.lbDriver.MemberCount(lbID))

	// Scale out: the post hook enrolls the new node.
	final = h.runAction(t, types.ClusterScaleOut, cluster.ID, &types.CountInputs{Count: 1})
	require.Equal(t, types.ActionStatusSucceeded, final.Status)
	assert.Equal(t, 2, h.lbDriver.MemberCount(lbID))

	// Scale in: the pre hook deregisters the victim first.
	final = h.runAction(t, types.ClusterScaleIn, cluster.ID, &types.CountInputs{Count: 1})
	require.Equal(t, types.ActionStatusSucceeded, final.Status)
	assert.Equal(t, 1, h.lbDriver.MemberCount(lbID))

	// Detach unwinds the load balancer.
	final = h.runAction(t, types.ClusterDetachPolicy, cluster.ID,
		&types.BindingInputs{PolicyID: pol.ID})
	require.Equal(t, types.ActionStatusSucceeded, final.Status)
	assert.False(t, h.lbDriver.HasLB(lbID))
	_, err = h.store.GetBinding(cluster.ID, pol.ID)
	assert.Error(t, err)
}

// noopPolicy is a minimal policy type with no priority preference.
type noopPolicy struct{}

func (noopPolicy) TypeName() string { return "corral.policy.noop@1.0" }
func (noopPolicy) DefaultPriority() int { return 0 }
func (noopPolicy) Targets() []policy.Target { return nil }
func (noopPolicy) Validate() error { return nil }
func (noopPolicy) Attach(ctx context.Context, req *policy.AttachRequest) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}
func (noopPolicy) Detach(ctx context.Context, req *policy.AttachRequest) error { return nil }
func (noopPolicy) PreOp(ctx context.Context, req *policy.Request) error        { return nil }
func (noopPolicy) PostOp(ctx context.Context, req *policy.Request) error       { return nil }

func TestAttachPolicyConfigDefaultPriority(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.env.Policies.Register("corral.policy.noop@1.0",
		policy.Constructor(func(name string, spec map[string]interface{}) (policy.Policy, error) {
			return noopPolicy{}, nil
		})))
	cluster, _ := h.createCluster(t, 1)

	pol := &types.Policy{
		ID:      uuid.New().String(),
		Name:    "noop",
		Type:    "corral.policy.noop",
		Version: "1.0",
		Spec:    map[string]interface{}{},
	}
	require.NoError(t, h.store.CreatePolicy(pol))

	final := h.runAction(t, types.ClusterAttachPolicy, cluster.ID,
		&types.BindingInputs{PolicyID: pol.ID})
	require.Equal(t, types.ActionStatusSucceeded, final.Status)

	binding, err := h.store.GetBinding(cluster.ID, pol.ID)
	require.NoError(t, err)
	assert.Equal(t, h.disp.cfg.DefaultPolicyPriority, binding.Priority)
}

func TestPolicyPreCheckFailureAbortsBody(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 2)

	pol := &types.Policy{
		ID:      uuid.New().String(),
		Name:    "lb",
		Type:    "corral.policy.loadbalancing",
		Version: "1.0",
		Spec: map[string]interface{}{
			"pool": map[string]interface{}{"subnet": "pool-net"},
			"vip":  map[string]interface{}{"subnet": "vip-net"},
		},
	}
	require.NoError(t, h.store.CreatePolicy(pol))
	final := h.runAction(t, types.ClusterAttachPolicy, cluster.ID,
		&types.BindingInputs{PolicyID: pol.ID})
	require.Equal(t, types.ActionStatusSucceeded, final.Status)

	h.lbDriver.FailRemoveMember = true
	final = h.runAction(t, types.ClusterScaleIn, cluster.ID, &types.CountInputs{Count: 1})
	assert.Equal(t, types.ActionStatusFailed, final.Status)
	assert.Contains(t, final.Outputs["reason"], "Policy check failure")
	assert.Equal(t, types.CheckError, final.Data.Status)

	// The body never ran: membership is unchanged.
	nodes, err := h.store.ListNodesByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestDisabledBindingSkipsHooks(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 2)

	pol := &types.Policy{
		ID:      uuid.New().String(),
		Name:    "lb",
		Type:    "corral.policy.loadbalancing",
		Version: "1.0",
		Spec: map[string]interface{}{
			"pool": map[string]interface{}{"subnet": "pool-net"},
			"vip":  map[string]interface{}{"subnet": "vip-net"},
		},
	}
	require.NoError(t, h.store.CreatePolicy(pol))
	enabled := false
	final := h.runAction(t, types.ClusterAttachPolicy, cluster.ID,
		&types.BindingInputs{PolicyID: pol.ID, Enabled: &enabled})
	require.Equal(t, types.ActionStatusSucceeded, final.Status)

	// A hook that would fail is never invoked for a disabled binding.
	h.lbDriver.FailRemoveMember = true
	final = h.runAction(t, types.ClusterScaleIn, cluster.ID, &types.CountInputs{Count: 1})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)
}

func TestLockRequestCoversAffectedNodes(t *testing.T) {
	h := newHarness(t)

	nodesIn, err := types.EncodeInputs(&types.NodeSetInputs{Nodes: []string{"node-a", "node-b"}})
	require.NoError(t, err)

	req, err := h.disp.lockRequest(&types.Action{
		ID: "a1", Kind: types.ClusterAddNodes, Target: "cluster-1", Inputs: nodesIn,
	})
	require.NoError(t, err)
	assert.Equal(t, "cluster-1", req.ClusterID)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, req.NodeIDs)

	req, err = h.disp.lockRequest(&types.Action{
		ID: "a2", Kind: types.ClusterDelNodes, Target: "cluster-1", Inputs: nodesIn,
	})
	require.NoError(t, err)
	assert.Equal(t, "cluster-1", req.ClusterID)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, req.NodeIDs)

	joinIn, err := types.EncodeInputs(&types.JoinInputs{ClusterID: "cluster-1"})
	require.NoError(t, err)
	req, err = h.disp.lockRequest(&types.Action{
		ID: "a3", Kind: types.NodeJoin, Target: "node-a", Inputs: joinIn,
	})
	require.NoError(t, err)
	assert.Equal(t, "cluster-1", req.ClusterID)
	assert.Equal(t, []string{"node-a"}, req.NodeIDs)

	member := &types.Node{ID: uuid.New().String(), Name: "member", ClusterID: "cluster-1"}
	require.NoError(t, h.store.CreateNode(member))
	req, err = h.disp.lockRequest(&types.Action{
		ID: "a4", Kind: types.NodeLeave, Target: member.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "cluster-1", req.ClusterID)
	assert.Equal(t, []string{member.ID}, req.NodeIDs)
}

func TestAddNodesDeferredWhileNodeLocked(t *testing.T) {
	h := newHarness(t)
	cluster, prof := h.createCluster(t, 1)

	orphan := &types.Node{
		ID:        uuid.New().String(),
		Name:      "stray",
		ProfileID: prof.ID,
		Status:    types.NodeStatusActive,
	}
	require.NoError(t, h.store.CreateNode(orphan))

	// Another live engine holds the node lock.
	require.NoError(t, h.store.UpdateEngine("engine-2"))
	ok, err := h.store.AcquireLock(orphan.ID, "foreign-action", "engine-2", true)
	require.NoError(t, err)
	require.True(t, ok)

	final := h.runAction(t, types.ClusterAddNodes, cluster.ID,
		&types.NodeSetInputs{Nodes: []string{orphan.ID}})
	assert.Equal(t, types.ActionStatusReady, final.Status)

	// The cluster lock taken during the failed attempt was rolled back.
	_, err = h.store.GetLock(cluster.ID)
	assert.Error(t, err)
}

func TestLockContentionDefersAction(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 1)

	// Another live engine holds the cluster lock.
	require.NoError(t, h.store.UpdateEngine("engine-2"))
	ok, err := h.store.AcquireLock(cluster.ID, "foreign-action", "engine-2", true)
	require.NoError(t, err)
	require.True(t, ok)

	final := h.runAction(t, types.ClusterScaleOut, cluster.ID, &types.CountInputs{Count: 1})
	assert.Equal(t, types.ActionStatusReady, final.Status)
	assert.Empty(t, final.Owner)
	assert.Equal(t, 1, final.Attempts)
}

func TestCancelledActionFinalizedWithoutBody(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 1)

	action := &types.Action{
		ID:      uuid.New().String(),
		Name:    "test_cancel",
		Target:  cluster.ID,
		Kind:    types.ClusterScaleOut,
		Status:  types.ActionStatusReady,
		Timeout: time.Minute,
	}
	require.NoError(t, h.store.CreateAction(action))

	claimed, err := h.store.ClaimAction("engine-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, h.store.CancelAction(action.ID))

	fresh, err := h.store.GetAction(action.ID)
	require.NoError(t, err)
	h.disp.execute(context.Background(), fresh)

	final, err := h.store.GetAction(action.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusCancelled, final.Status)

	nodes, err := h.store.ListNodesByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestNodeJoinAndLeave(t *testing.T) {
	h := newHarness(t)
	cluster, prof := h.createCluster(t, 1)

	orphan := &types.Node{
		ID:        uuid.New().String(),
		Name:      "stray",
		ProfileID: prof.ID,
		Status:    types.NodeStatusActive,
	}
	require.NoError(t, h.store.CreateNode(orphan))

	final := h.runAction(t, types.NodeJoin, orphan.ID, &types.JoinInputs{ClusterID: cluster.ID})
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	joined, err := h.store.GetNode(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, joined.ClusterID)

	final = h.runAction(t, types.NodeLeave, orphan.ID, nil)
	assert.Equal(t, types.ActionStatusSucceeded, final.Status)

	left, err := h.store.GetNode(orphan.ID)
	require.NoError(t, err)
	assert.Empty(t, left.ClusterID)
	assert.Zero(t, left.Index)
}

func TestEventsRecorded(t *testing.T) {
	h := newHarness(t)
	cluster, _ := h.createCluster(t, 1)

	evts, err := h.store.ListEvents(storage.ListOptions{
		Filters: map[string]string{"obj_id": cluster.ID},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, evts)
}
