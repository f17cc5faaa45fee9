package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/policy"
	"github.com/cuemby/corral/pkg/profile"
	"github.com/cuemby/corral/pkg/types"
)

func (d *Dispatcher) runClusterBody(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	switch action.Kind {
	case types.ClusterCreate:
		return d.handleClusterCreate(ctx, action, cluster)
	case types.ClusterDelete:
		return d.handleClusterDelete(ctx, action, cluster)
	case types.ClusterUpdate:
		return d.handleClusterUpdate(ctx, action, cluster)
	case types.ClusterAddNodes:
		return d.handleClusterAddNodes(ctx, action, cluster)
	case types.ClusterDelNodes:
		return d.handleClusterDelNodes(ctx, action, cluster)
	case types.ClusterScaleOut:
		return d.handleClusterScaleOut(ctx, action, cluster)
	case types.ClusterScaleIn:
		return d.handleClusterScaleIn(ctx, action, cluster)
	case types.ClusterResize:
		return d.handleClusterResize(ctx, action, cluster)
	case types.ClusterAttachPolicy:
		return d.handleAttachPolicy(ctx, action, cluster)
	case types.ClusterDetachPolicy:
		return d.handleDetachPolicy(ctx, action, cluster)
	case types.ClusterUpdatePolicy:
		return d.handleUpdatePolicy(ctx, action, cluster)
	}
	return "", errors.FeatureNotSupported("unsupported action %s", action.Kind)
}

func (d *Dispatcher) runNodeBody(ctx context.Context, action *types.Action, node *types.Node) (string, error) {
	switch action.Kind {
	case types.NodeCreate:
		return d.handleNodeCreate(ctx, action, node)
	case types.NodeDelete:
		return d.handleNodeDelete(ctx, action, node)
	case types.NodeUpdate:
		return d.handleNodeUpdate(ctx, action, node)
	case types.NodeJoin:
		return d.handleNodeJoin(ctx, action, node)
	case types.NodeLeave:
		return d.handleNodeLeave(ctx, action, node)
	}
	return "", errors.FeatureNotSupported("unsupported action %s", action.Kind)
}

// Cluster bodies

func (d *Dispatcher) handleClusterCreate(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	d.setClusterStatus(cluster, types.ClusterStatusCreating, "Cluster creation in progress", action.Kind)

	created, failed, err := d.createNodes(ctx, action, cluster, cluster.DesiredCapacity)
	if err != nil {
		return "", err
	}

	action.Data.Creation = &types.CreationPlan{Count: len(created), Nodes: created}
	if uerr := d.store.UpdateAction(action); uerr != nil {
		return "", uerr
	}

	if len(failed) > 0 {
		d.setClusterStatus(cluster, types.ClusterStatusError,
			fmt.Sprintf("Failed in creating %d node(s)", len(failed)), action.Kind)
		return "", errors.New(errors.KindInternal, "failed in creating %d node(s)", len(failed))
	}
	d.setClusterStatus(cluster, types.ClusterStatusActive, "Cluster creation succeeded", action.Kind)
	return "Cluster creation succeeded", nil
}

func (d *Dispatcher) handleClusterDelete(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	d.setClusterStatus(cluster, types.ClusterStatusDeleting, "Cluster deletion in progress", action.Kind)

	nodes, err := d.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return "", err
	}
	var targets []string
	for _, n := range nodes {
		targets = append(targets, n.ID)
	}

	_, failed, err := d.deleteNodes(ctx, action, targets)
	if err != nil {
		return "", err
	}
	if len(failed) > 0 {
		d.setClusterStatus(cluster, types.ClusterStatusError,
			fmt.Sprintf("Failed in deleting %d node(s)", len(failed)), action.Kind)
		return "", errors.New(errors.KindInternal, "failed in deleting %d node(s)", len(failed))
	}

	if err := d.store.DeleteCluster(cluster.ID); err != nil {
		return "", err
	}
	d.broker.Record(types.EventLevelInfo, "CLUSTER", cluster.ID, cluster.Name,
		string(action.Kind), "DELETED", "Cluster deletion succeeded")
	return "Cluster deletion succeeded", nil
}

func (d *Dispatcher) handleClusterUpdate(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	var in types.UpdateInputs
	if err := action.DecodeInputs(&in); err != nil {
		return "", err
	}

	d.setClusterStatus(cluster, types.ClusterStatusUpdating, "Cluster update in progress", action.Kind)

	if in.Name != "" {
		cluster.Name = in.Name
	}
	if in.Metadata != nil {
		cluster.Metadata = in.Metadata
	}

	if in.NewProfileID != "" && in.NewProfileID != cluster.ProfileID {
		nodes, err := d.store.ListNodesByCluster(cluster.ID)
		if err != nil {
			return "", err
		}
		inputs, err := types.EncodeInputs(&types.UpdateInputs{NewProfileID: in.NewProfileID})
		if err != nil {
			return "", err
		}
		var children []string
		for _, n := range nodes {
			child, err := d.newChildAction(action, types.NodeUpdate, n.ID, inputs)
			if err != nil {
				return "", err
			}
			children = append(children, child.ID)
		}
		_, failed, err := d.runChildren(ctx, action, children)
		if err != nil {
			return "", err
		}
		if len(failed) > 0 {
			d.setClusterStatus(cluster, types.ClusterStatusWarning,
				fmt.Sprintf("Failed in updating %d node(s)", len(failed)), action.Kind)
			return "", errors.New(errors.KindInternal, "failed in updating %d node(s)", len(failed))
		}
		cluster.ProfileID = in.NewProfileID
	}

	d.setClusterStatus(cluster, types.ClusterStatusActive, "Cluster update succeeded", action.Kind)
	return "Cluster update succeeded", nil
}

func (d *Dispatcher) handleClusterAddNodes(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	var in types.NodeSetInputs
	if err := action.DecodeInputs(&in); err != nil {
		return "", err
	}

	for _, nodeID := range in.Nodes {
		node, err := d.store.GetNode(nodeID)
		if err != nil {
			return "", err
		}
		node.ClusterID = cluster.ID
		node.Index = cluster.NextIndex
		cluster.NextIndex++
		if err := d.store.UpdateNode(node); err != nil {
			return "", err
		}
	}

	cluster.DesiredCapacity += len(in.Nodes)
	d.setClusterStatus(cluster, types.ClusterStatusActive, "Completed adding nodes", action.Kind)

	action.Data.Creation = &types.CreationPlan{Count: len(in.Nodes), Nodes: in.Nodes}
	if err := d.store.UpdateAction(action); err != nil {
		return "", err
	}
	return "Completed adding nodes", nil
}

func (d *Dispatcher) handleClusterDelNodes(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	if action.Data.Deletion == nil {
		return "Completed deleting nodes: nothing to do", nil
	}

	_, failed, err := d.deleteNodes(ctx, action, action.Data.Deletion.Candidates)
	if err != nil {
		return "", err
	}
	if len(failed) > 0 {
		d.setClusterStatus(cluster, types.ClusterStatusWarning,
			fmt.Sprintf("Failed in deleting %d node(s)", len(failed)), action.Kind)
		return "", errors.New(errors.KindInternal, "failed in deleting %d node(s)", len(failed))
	}

	cluster.DesiredCapacity -= action.Data.Deletion.Count
	if cluster.DesiredCapacity < 0 {
		cluster.DesiredCapacity = 0
	}
	d.setClusterStatus(cluster, types.ClusterStatusActive, "Completed deleting nodes", action.Kind)
	return "Completed deleting nodes", nil
}

func (d *Dispatcher) handleClusterScaleOut(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	if action.Data.Creation == nil {
		return "Cluster scaling succeeded: nothing to do", nil
	}
	d.setClusterStatus(cluster, types.ClusterStatusResizing, "Cluster scale-out in progress", action.Kind)

	created, failed, err := d.createNodes(ctx, action, cluster, action.Data.Creation.Count)
	if err != nil {
		return "", err
	}
	action.Data.Creation.Nodes = created
	if uerr := d.store.UpdateAction(action); uerr != nil {
		return "", uerr
	}

	cluster.DesiredCapacity += len(created)
	if len(failed) > 0 {
		d.setClusterStatus(cluster, types.ClusterStatusWarning,
			fmt.Sprintf("Failed in creating %d node(s)", len(failed)), action.Kind)
		return "", errors.New(errors.KindInternal, "failed in creating %d node(s)", len(failed))
	}
	d.setClusterStatus(cluster, types.ClusterStatusActive, "Cluster scaling succeeded", action.Kind)
	return "Cluster scaling succeeded", nil
}

func (d *Dispatcher) handleClusterScaleIn(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	if action.Data.Deletion == nil {
		return "Cluster scaling succeeded: nothing to do", nil
	}
	d.setClusterStatus(cluster, types.ClusterStatusResizing, "Cluster scale-in in progress", action.Kind)

	succeeded, failed, err := d.deleteNodes(ctx, action, action.Data.Deletion.Candidates)
	if err != nil {
		return "", err
	}

	cluster.DesiredCapacity -= len(succeeded)
	if cluster.DesiredCapacity < 0 {
		cluster.DesiredCapacity = 0
	}
	if len(failed) > 0 {
		d.setClusterStatus(cluster, types.ClusterStatusWarning,
			fmt.Sprintf("Failed in deleting %d node(s)", len(failed)), action.Kind)
		return "", errors.New(errors.KindInternal, "failed in deleting %d node(s)", len(failed))
	}
	d.setClusterStatus(cluster, types.ClusterStatusActive, "Cluster scaling succeeded", action.Kind)
	return "Cluster scaling succeeded", nil
}

func (d *Dispatcher) handleClusterResize(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	var in types.ResizeInputs
	if err := action.DecodeInputs(&in); err != nil {
		return "", err
	}
	if in.MinSize != nil {
		cluster.MinSize = *in.MinSize
	}
	if in.MaxSize != nil {
		cluster.MaxSize = *in.MaxSize
	}

	if action.Data.Creation == nil && action.Data.Deletion == nil {
		d.setClusterStatus(cluster, types.ClusterStatusActive,
			"Cluster resize succeeded: nothing to do", action.Kind)
		return "Cluster resize succeeded: nothing to do", nil
	}

	d.setClusterStatus(cluster, types.ClusterStatusResizing, "Cluster resize in progress", action.Kind)

	var failedCount int
	if action.Data.Creation != nil {
		created, failed, err := d.createNodes(ctx, action, cluster, action.Data.Creation.Count)
		if err != nil {
			return "", err
		}
		action.Data.Creation.Nodes = created
		if uerr := d.store.UpdateAction(action); uerr != nil {
			return "", uerr
		}
		failedCount = len(failed)
	} else {
		_, failed, err := d.deleteNodes(ctx, action, action.Data.Deletion.Candidates)
		if err != nil {
			return "", err
		}
		failedCount = len(failed)
	}

	count, err := d.store.CountNodesByCluster(cluster.ID)
	if err != nil {
		return "", err
	}
	cluster.DesiredCapacity = count

	if failedCount > 0 {
		d.setClusterStatus(cluster, types.ClusterStatusWarning,
			fmt.Sprintf("Failed in resizing: %d node operation(s) failed", failedCount), action.Kind)
		return "", errors.New(errors.KindInternal, "failed in resizing: %d node operation(s) failed", failedCount)
	}
	d.setClusterStatus(cluster, types.ClusterStatusActive, "Cluster resize succeeded", action.Kind)
	return "Cluster resize succeeded", nil
}

func (d *Dispatcher) handleAttachPolicy(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	var in types.BindingInputs
	if err := action.DecodeInputs(&in); err != nil {
		return "", err
	}

	row, err := d.store.GetPolicy(in.PolicyID)
	if err != nil {
		return "", err
	}
	inst, err := policy.New(d.env, row)
	if err != nil {
		return "", err
	}

	profileRow, err := d.store.GetProfile(cluster.ProfileID)
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return "", err
	}
	nodes, err := d.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return "", err
	}

	data, err := inst.Attach(ctx, &policy.AttachRequest{
		PolicyID: row.ID,
		Cluster:  cluster,
		Profile:  profileRow,
		Nodes:    nodes,
		Store:    d.store,
	})
	if err != nil {
		return "", err
	}

	// Policy types with no priority preference fall back to the
	// configured default.
	priority := inst.DefaultPriority()
	if priority == 0 {
		priority = d.cfg.DefaultPolicyPriority
	}

	binding := &types.ClusterPolicy{
		ClusterID: cluster.ID,
		PolicyID:  row.ID,
		Priority:  priority,
		Level:     row.Level,
		Cooldown:  row.Cooldown,
		Enabled:   true,
		Data:      data,
	}
	if in.Priority != nil {
		binding.Priority = *in.Priority
	}
	if in.Level != nil {
		binding.Level = *in.Level
	}
	if in.Cooldown != nil {
		binding.Cooldown = time.Duration(*in.Cooldown) * time.Second
	}
	if in.Enabled != nil {
		binding.Enabled = *in.Enabled
	}

	if err := d.store.CreateBinding(binding); err != nil {
		return "", err
	}
	return "Policy attached", nil
}

func (d *Dispatcher) handleDetachPolicy(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	var in types.BindingInputs
	if err := action.DecodeInputs(&in); err != nil {
		return "", err
	}

	binding, err := d.store.GetBinding(cluster.ID, in.PolicyID)
	if err != nil {
		return "", err
	}
	row, err := d.store.GetPolicy(in.PolicyID)
	if err != nil {
		return "", err
	}
	inst, err := policy.New(d.env, row)
	if err != nil {
		return "", err
	}
	nodes, err := d.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return "", err
	}

	if err := inst.Detach(ctx, &policy.AttachRequest{
		PolicyID: row.ID,
		Cluster:  cluster,
		Nodes:    nodes,
		Binding:  binding,
		Store:    d.store,
	}); err != nil {
		return "", err
	}

	if err := d.store.DeleteBinding(cluster.ID, in.PolicyID); err != nil {
		return "", err
	}
	return "Policy detached", nil
}

func (d *Dispatcher) handleUpdatePolicy(ctx context.Context, action *types.Action, cluster *types.Cluster) (string, error) {
	var in types.BindingInputs
	if err := action.DecodeInputs(&in); err != nil {
		return "", err
	}

	binding, err := d.store.GetBinding(cluster.ID, in.PolicyID)
	if err != nil {
		return "", err
	}
	if in.Priority != nil {
		binding.Priority = *in.Priority
	}
	if in.Level != nil {
		binding.Level = *in.Level
	}
	if in.Cooldown != nil {
		binding.Cooldown = time.Duration(*in.Cooldown) * time.Second
	}
	if in.Enabled != nil {
		binding.Enabled = *in.Enabled
	}
	if err := d.store.UpdateBinding(binding); err != nil {
		return "", err
	}
	return "Policy updated", nil
}

// Node bodies

func (d *Dispatcher) handleNodeCreate(ctx context.Context, action *types.Action, node *types.Node) (string, error) {
	d.setNodeStatus(node, types.NodeStatusCreating, "Node creation in progress", action.Kind)

	p, err := d.profileFor(node)
	if err != nil {
		d.setNodeStatus(node, types.NodeStatusError, err.Error(), action.Kind)
		return "", err
	}

	var physicalID string
	err = d.withRetry(ctx, func() error {
		var cerr error
		physicalID, cerr = p.CreateObject(ctx, node)
		return cerr
	})
	if err != nil {
		d.setNodeStatus(node, types.NodeStatusError, err.Error(), action.Kind)
		return "", err
	}
	node.PhysicalID = physicalID
	d.setNodeStatus(node, types.NodeStatusActive, "Node created successfully", action.Kind)

	action.Data.Creation = &types.CreationPlan{Count: 1, Nodes: []string{node.ID}}
	if err := d.store.UpdateAction(action); err != nil {
		return "", err
	}
	return "Node created successfully", nil
}

func (d *Dispatcher) handleNodeDelete(ctx context.Context, action *types.Action, node *types.Node) (string, error) {
	d.setNodeStatus(node, types.NodeStatusDeleting, "Node deletion in progress", action.Kind)

	p, err := d.profileFor(node)
	if err != nil {
		d.setNodeStatus(node, types.NodeStatusError, err.Error(), action.Kind)
		return "", err
	}
	if err := d.withRetry(ctx, func() error {
		return p.DeleteObject(ctx, node)
	}); err != nil {
		d.setNodeStatus(node, types.NodeStatusError, err.Error(), action.Kind)
		return "", err
	}

	if err := d.store.DeleteNode(node.ID); err != nil {
		return "", err
	}
	d.broker.Record(types.EventLevelInfo, "NODE", node.ID, node.Name,
		string(action.Kind), "DELETED", "Node deleted successfully")
	return "Node deleted successfully", nil
}

func (d *Dispatcher) handleNodeUpdate(ctx context.Context, action *types.Action, node *types.Node) (string, error) {
	var in types.UpdateInputs
	if err := action.DecodeInputs(&in); err != nil {
		return "", err
	}

	d.setNodeStatus(node, types.NodeStatusUpdating, "Node update in progress", action.Kind)

	if in.Name != "" {
		node.Name = in.Name
	}
	if in.Role != "" {
		node.Role = in.Role
	}
	if in.Metadata != nil {
		node.Metadata = in.Metadata
	}

	if in.NewProfileID != "" && in.NewProfileID != node.ProfileID {
		newProfile, err := d.store.GetProfile(in.NewProfileID)
		if err != nil {
			d.setNodeStatus(node, types.NodeStatusError, err.Error(), action.Kind)
			return "", err
		}
		p, err := d.profileFor(node)
		if err != nil {
			d.setNodeStatus(node, types.NodeStatusError, err.Error(), action.Kind)
			return "", err
		}
		if err := p.UpdateObject(ctx, node, newProfile.Spec); err != nil {
			d.setNodeStatus(node, types.NodeStatusError, err.Error(), action.Kind)
			return "", err
		}
		node.ProfileID = in.NewProfileID
	}

	d.setNodeStatus(node, types.NodeStatusActive, "Node updated successfully", action.Kind)
	return "Node updated successfully", nil
}

func (d *Dispatcher) handleNodeJoin(ctx context.Context, action *types.Action, node *types.Node) (string, error) {
	var in types.JoinInputs
	if err := action.DecodeInputs(&in); err != nil {
		return "", err
	}

	cluster, err := d.store.GetCluster(in.ClusterID)
	if err != nil {
		return "", err
	}

	node.ClusterID = cluster.ID
	node.Index = cluster.NextIndex
	cluster.NextIndex++
	if err := d.store.UpdateCluster(cluster); err != nil {
		return "", err
	}
	d.setNodeStatus(node, types.NodeStatusActive, "Node joined cluster", action.Kind)
	return "Node joined cluster", nil
}

func (d *Dispatcher) handleNodeLeave(ctx context.Context, action *types.Action, node *types.Node) (string, error) {
	node.ClusterID = ""
	node.Index = 0
	d.setNodeStatus(node, types.NodeStatusActive, "Node left cluster", action.Kind)
	return "Node left cluster", nil
}

// Child orchestration

// createNodes materializes count node records in cluster and runs a
// derived NODE_CREATE per node. Returns the IDs of nodes whose
// creation succeeded and of those that failed.
func (d *Dispatcher) createNodes(ctx context.Context, parent *types.Action, cluster *types.Cluster, count int) (created, failed []string, err error) {
	var children []string
	childToNode := make(map[string]string)

	for i := 0; i < count; i++ {
		node := &types.Node{
			ID:        uuid.New().String(),
			Name:      fmt.Sprintf("%s-%03d", cluster.Name, cluster.NextIndex),
			ProfileID: cluster.ProfileID,
			ClusterID: cluster.ID,
			Index:     cluster.NextIndex,
			Status:    types.NodeStatusInit,
			User:      cluster.User,
			Project:   cluster.Project,
			Domain:    cluster.Domain,
		}
		cluster.NextIndex++
		if err := d.store.CreateNode(node); err != nil {
			return nil, nil, err
		}
		child, err := d.newChildAction(parent, types.NodeCreate, node.ID, nil)
		if err != nil {
			return nil, nil, err
		}
		children = append(children, child.ID)
		childToNode[child.ID] = node.ID
	}
	if err := d.store.UpdateCluster(cluster); err != nil {
		return nil, nil, err
	}

	okIDs, badIDs, err := d.runChildren(ctx, parent, children)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range okIDs {
		created = append(created, childToNode[id])
	}
	for _, id := range badIDs {
		failed = append(failed, childToNode[id])
	}
	return created, failed, nil
}

// deleteNodes runs a derived NODE_DELETE per target node.
func (d *Dispatcher) deleteNodes(ctx context.Context, parent *types.Action, nodeIDs []string) (succeeded, failed []string, err error) {
	var children []string
	childToNode := make(map[string]string)

	for _, nodeID := range nodeIDs {
		child, err := d.newChildAction(parent, types.NodeDelete, nodeID, nil)
		if err != nil {
			return nil, nil, err
		}
		children = append(children, child.ID)
		childToNode[child.ID] = nodeID
	}

	okIDs, badIDs, err := d.runChildren(ctx, parent, children)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range okIDs {
		succeeded = append(succeeded, childToNode[id])
	}
	for _, id := range badIDs {
		failed = append(failed, childToNode[id])
	}
	return succeeded, failed, nil
}

// newChildAction records a READY derived action inheriting the
// parent's identity.
func (d *Dispatcher) newChildAction(parent *types.Action, kind types.ActionKind, target string, inputs []byte) (*types.Action, error) {
	child := &types.Action{
		ID:      uuid.New().String(),
		Name:    fmt.Sprintf("%s_%.8s", strings.ToLower(string(kind)), target),
		Target:  target,
		Kind:    kind,
		Cause:   types.CauseDerived,
		Inputs:  inputs,
		Status:  types.ActionStatusReady,
		Timeout: d.cfg.DefaultActionTimeout,
		User:    parent.User,
		Project: parent.Project,
		Domain:  parent.Domain,
	}
	if err := d.store.CreateAction(child); err != nil {
		return nil, err
	}
	return child, nil
}

// runChildren executes derived child actions. Each child is claimed
// by this worker if still available, otherwise its completion by
// another worker is awaited. A cancelled parent cancels all children
// that have not started yet.
func (d *Dispatcher) runChildren(ctx context.Context, parent *types.Action, childIDs []string) (succeeded, failed []string, err error) {
	for i, childID := range childIDs {
		if d.cancelled(parent.ID) {
			for _, pending := range childIDs[i:] {
				if cerr := d.store.CancelAction(pending); cerr != nil {
					logger := log.WithActionID(pending)
					logger.Warn().Err(cerr).Msg("failed to cancel child action")
				}
			}
			return succeeded, failed, errCancelled
		}

		child, err := d.store.ClaimActionByID(childID, d.engineID)
		if err != nil {
			return nil, nil, err
		}
		if child != nil {
			d.execute(ctx, child)
		}

		final, err := d.awaitAction(ctx, childID)
		if err != nil {
			return nil, nil, err
		}
		if final.Status == types.ActionStatusSucceeded {
			succeeded = append(succeeded, childID)
		} else {
			failed = append(failed, childID)
		}
	}
	return succeeded, failed, nil
}

// awaitAction polls until the action reaches a terminal status.
func (d *Dispatcher) awaitAction(ctx context.Context, actionID string) (*types.Action, error) {
	for {
		action, err := d.store.GetAction(actionID)
		if err != nil {
			return nil, err
		}
		if action.Status.Terminal() {
			return action, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// Helpers

// withRetry reruns op after transient failures, backing off from the
// poll interval, until it succeeds or MaxRetries extra attempts are
// spent.
func (d *Dispatcher) withRetry(ctx context.Context, op func() error) error {
	delay := d.cfg.PollInterval
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil || attempt >= d.cfg.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
		if delay > d.cfg.MaxPollInterval {
			delay = d.cfg.MaxPollInterval
		}
	}
}

func (d *Dispatcher) profileFor(node *types.Node) (profile.Profile, error) {
	row, err := d.store.GetProfile(node.ProfileID)
	if err != nil {
		return nil, err
	}
	return profile.New(d.env, row)
}

func (d *Dispatcher) setClusterStatus(cluster *types.Cluster, status types.ClusterStatus, reason string, kind types.ActionKind) {
	cluster.Status = status
	cluster.StatusReason = reason
	if err := d.store.UpdateCluster(cluster); err != nil {
		logger := log.WithClusterID(cluster.ID)
		logger.Error().Err(err).Msg("failed to update cluster status")
		return
	}
	level := types.EventLevelInfo
	if status == types.ClusterStatusError {
		level = types.EventLevelError
	} else if status == types.ClusterStatusWarning {
		level = types.EventLevelWarning
	}
	d.broker.Record(level, "CLUSTER", cluster.ID, cluster.Name, string(kind), string(status), reason)
}

func (d *Dispatcher) setNodeStatus(node *types.Node, status types.NodeStatus, reason string, kind types.ActionKind) {
	node.Status = status
	node.StatusReason = reason
	if err := d.store.UpdateNode(node); err != nil {
		log.Logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to update node status")
		return
	}
	level := types.EventLevelInfo
	if status == types.NodeStatusError {
		level = types.EventLevelError
	}
	d.broker.Record(level, "NODE", node.ID, node.Name, string(kind), string(status), reason)
}
