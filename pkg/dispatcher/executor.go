package dispatcher

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/lock"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/policy"
	"github.com/cuemby/corral/pkg/types"
)

// errCancelled is returned by bodies that observed the cancel flag.
var errCancelled = stderrors.New("action cancelled")

// execute drives one claimed action to a terminal status.
func (d *Dispatcher) execute(ctx context.Context, action *types.Action) {
	metrics.ActionsClaimed.WithLabelValues(string(action.Kind)).Inc()
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	logger := log.WithActionID(action.ID)
	logger.Info().
		Str("kind", string(action.Kind)).
		Str("target", action.Target).
		Msg("action started")
	start := time.Now()

	status, reason := d.run(ctx, action)
	if status == "" {
		// Deferred: the action went back to READY for a later attempt.
		return
	}

	outputs := map[string]interface{}{"reason": reason}
	if err := d.store.MarkAction(action.ID, d.engineID, status, outputs); err != nil {
		logger.Error().Err(err).Msg("failed to record action result")
		return
	}

	metrics.ActionsCompleted.WithLabelValues(string(action.Kind), string(status)).Inc()
	metrics.ActionDuration.WithLabelValues(string(action.Kind)).Observe(time.Since(start).Seconds())

	level := types.EventLevelInfo
	if status != types.ActionStatusSucceeded {
		level = types.EventLevelError
	}
	d.broker.Record(level, "ACTION", action.ID, action.Name, string(action.Kind), string(status), reason)
	logger.Info().
		Str("status", string(status)).
		Str("reason", reason).
		Msg("action finished")

	if status == types.ActionStatusSucceeded {
		readied, err := d.store.ResolveDependencies(action.ID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to resolve dependents")
		}
		if len(readied) > 0 {
			d.Notify()
		}
	}
}

// run performs locking, planning, hooks and the body. It returns the
// final status, or an empty status when the action was released for
// retry.
func (d *Dispatcher) run(ctx context.Context, action *types.Action) (types.ActionStatus, string) {
	if action.Cancelled {
		return types.ActionStatusCancelled, "Action execution cancelled"
	}

	// Derived actions run inline under the lock envelope their parent
	// already holds; re-acquiring the same targets here would deadlock
	// against the parent.
	if action.Cause != types.CauseDerived {
		req, err := d.lockRequest(action)
		if err != nil {
			return types.ActionStatusFailed, err.Error()
		}
		if ok := d.acquireWithRetry(ctx, action, req); !ok {
			if rerr := d.store.ReleaseAction(action.ID); rerr != nil {
				logger := log.WithActionID(action.ID)
				logger.Error().Err(rerr).Msg("failed to release action")
			}
			return "", ""
		}
		defer func() {
			if rerr := d.locks.Release(req); rerr != nil {
				logger := log.WithActionID(action.ID)
				logger.Warn().Err(rerr).Msg("failed to release locks")
			}
		}()
	}

	if action.Kind.ObjType() == "node" {
		return d.runNodeAction(ctx, action)
	}
	return d.runClusterAction(ctx, action)
}

func (d *Dispatcher) runClusterAction(ctx context.Context, action *types.Action) (types.ActionStatus, string) {
	cluster, err := d.store.GetCluster(action.Target)
	if err != nil {
		return types.ActionStatusFailed, err.Error()
	}

	if err := d.plan(action, cluster); err != nil {
		return types.ActionStatusFailed, err.Error()
	}
	if err := d.store.UpdateAction(action); err != nil {
		return types.ActionStatusFailed, err.Error()
	}

	if err := d.runHooks(ctx, policy.Before, action, cluster); err != nil {
		metrics.PolicyCheckFailures.Inc()
		action.Data.Status = types.CheckError
		action.Data.Reason = err.Error()
		if uerr := d.store.UpdateAction(action); uerr != nil {
			logger := log.WithActionID(action.ID)
			logger.Error().Err(uerr).Msg("failed to persist check result")
		}
		return types.ActionStatusFailed, "Policy check failure: " + err.Error()
	}

	status, reason := d.runBody(ctx, action, func(bctx context.Context) (string, error) {
		return d.runClusterBody(bctx, action, cluster)
	})
	if status != types.ActionStatusSucceeded {
		return status, reason
	}

	// Hooks see post-body state.
	cluster, err = d.store.GetCluster(action.Target)
	if err != nil {
		return types.ActionStatusSucceeded, reason
	}
	if err := d.runHooks(ctx, policy.After, action, cluster); err != nil {
		d.setClusterStatus(cluster, types.ClusterStatusWarning,
			"Policy check failure: "+err.Error(), action.Kind)
		return types.ActionStatusFailed, "Policy check failure: " + err.Error()
	}
	return types.ActionStatusSucceeded, reason
}

func (d *Dispatcher) runNodeAction(ctx context.Context, action *types.Action) (types.ActionStatus, string) {
	node, err := d.store.GetNode(action.Target)
	if err != nil {
		return types.ActionStatusFailed, err.Error()
	}

	// Derived node actions run under their parent's policy envelope;
	// hooks fire only for directly requested node operations.
	var cluster *types.Cluster
	if action.Cause != types.CauseDerived && node.ClusterID != "" {
		cluster, err = d.store.GetCluster(node.ClusterID)
		if err != nil && !errors.IsKind(err, errors.KindNotFound) {
			return types.ActionStatusFailed, err.Error()
		}
	}

	if cluster != nil {
		if err := d.runHooks(ctx, policy.Before, action, cluster); err != nil {
			metrics.PolicyCheckFailures.Inc()
			return types.ActionStatusFailed, "Policy check failure: " + err.Error()
		}
	}

	status, reason := d.runBody(ctx, action, func(bctx context.Context) (string, error) {
		return d.runNodeBody(bctx, action, node)
	})
	if status != types.ActionStatusSucceeded || cluster == nil {
		return status, reason
	}

	if err := d.runHooks(ctx, policy.After, action, cluster); err != nil {
		d.setClusterStatus(cluster, types.ClusterStatusWarning,
			"Policy check failure: "+err.Error(), action.Kind)
		return types.ActionStatusFailed, "Policy check failure: " + err.Error()
	}
	return types.ActionStatusSucceeded, reason
}

// runBody executes a body function under the action's timeout and
// translates cancellation and deadline errors.
func (d *Dispatcher) runBody(ctx context.Context, action *types.Action,
	body func(context.Context) (string, error)) (types.ActionStatus, string) {

	bctx := ctx
	if action.Timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}

	reason, err := body(bctx)
	if err != nil {
		switch {
		case stderrors.Is(err, errCancelled):
			return types.ActionStatusCancelled, "Action execution cancelled"
		case stderrors.Is(err, context.DeadlineExceeded) || bctx.Err() == context.DeadlineExceeded:
			return types.ActionStatusFailed, "Action execution timed out"
		default:
			return types.ActionStatusFailed, err.Error()
		}
	}
	return types.ActionStatusSucceeded, reason
}

// lockRequest maps an action onto its lock targets. Cluster actions
// hold the cluster lock; membership changes with an explicit node list
// also hold each affected node, and node actions that re-parent a node
// hold its cluster.
func (d *Dispatcher) lockRequest(action *types.Action) (lock.Request, error) {
	req := lock.Request{ActionID: action.ID}

	switch action.Kind {
	case types.ClusterAddNodes, types.ClusterDelNodes:
		var in types.NodeSetInputs
		if err := action.DecodeInputs(&in); err != nil {
			return req, err
		}
		req.ClusterID = action.Target
		req.NodeIDs = in.Nodes

	case types.NodeJoin:
		var in types.JoinInputs
		if err := action.DecodeInputs(&in); err != nil {
			return req, err
		}
		req.ClusterID = in.ClusterID
		req.NodeIDs = []string{action.Target}

	case types.NodeLeave:
		node, err := d.store.GetNode(action.Target)
		if err != nil {
			return req, err
		}
		req.ClusterID = node.ClusterID
		req.NodeIDs = []string{action.Target}

	default:
		if action.Kind.ObjType() == "node" {
			req.NodeIDs = []string{action.Target}
		} else {
			req.ClusterID = action.Target
		}
	}
	return req, nil
}

// acquireWithRetry loops on lock acquisition until success, retry
// exhaustion or context cancellation.
func (d *Dispatcher) acquireWithRetry(ctx context.Context, action *types.Action, req lock.Request) bool {
	for attempt := 0; ; attempt++ {
		ok, err := d.locks.Acquire(req)
		if err != nil {
			logger := log.WithActionID(action.ID)
			logger.Error().Err(err).Msg("lock acquisition error")
			return false
		}
		if ok {
			return true
		}
		metrics.LockRetries.Inc()
		if attempt >= d.cfg.LockRetryLimit {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d.cfg.LockRetryDelay):
		}
	}
}

// runHooks executes the policy hooks bound to cluster for one phase,
// in priority order. The first failing hook aborts the chain.
func (d *Dispatcher) runHooks(ctx context.Context, phase policy.Phase,
	action *types.Action, cluster *types.Cluster) error {

	bindings, err := d.store.ListBindings(cluster.ID)
	if err != nil {
		return err
	}

	for _, binding := range bindings {
		if !binding.Enabled {
			continue
		}
		row, err := d.store.GetPolicy(binding.PolicyID)
		if err != nil {
			return err
		}
		inst, err := policy.New(d.env, row)
		if err != nil {
			return err
		}
		if !policy.AppliesTo(inst, phase, action.Kind) {
			continue
		}

		req := &policy.Request{Action: action, Cluster: cluster, Binding: binding, Store: d.store}
		if phase == policy.Before {
			err = inst.PreOp(ctx, req)
		} else {
			err = inst.PostOp(ctx, req)
		}
		if err != nil {
			return err
		}
		// A pre-hook may have refined the plan.
		if phase == policy.Before {
			if uerr := d.store.UpdateAction(action); uerr != nil {
				return uerr
			}
		}
	}
	return nil
}

// cancelled refetches the cancel flag; bodies poll this between steps.
func (d *Dispatcher) cancelled(actionID string) bool {
	a, err := d.store.GetAction(actionID)
	return err == nil && a.Cancelled
}
