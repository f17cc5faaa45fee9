package dispatcher

import (
	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/scaling"
	"github.com/cuemby/corral/pkg/types"
)

// plan fixes the membership change an action will make before any
// policy hook runs, so hooks and body operate on the same node set.
// The plan is stored in the action's Data and persisted by the caller.
func (d *Dispatcher) plan(action *types.Action, cluster *types.Cluster) error {
	// A plan may already exist from a previous attempt.
	if action.Data.Creation != nil || action.Data.Deletion != nil {
		return nil
	}

	switch action.Kind {
	case types.ClusterScaleOut:
		var in types.CountInputs
		if err := action.DecodeInputs(&in); err != nil {
			return err
		}
		count := in.Count
		if count == 0 {
			count = 1
		}
		if count < 0 {
			return errors.InvalidParameter("count", count)
		}
		desired := cluster.DesiredCapacity + count
		if err := boundsCheck(cluster, desired); err != nil {
			return err
		}
		action.Data.Creation = &types.CreationPlan{Count: count}

	case types.ClusterScaleIn:
		var in types.CountInputs
		if err := action.DecodeInputs(&in); err != nil {
			return err
		}
		count := in.Count
		if count == 0 {
			count = 1
		}
		if count < 0 {
			return errors.InvalidParameter("count", count)
		}
		desired := cluster.DesiredCapacity - count
		if err := boundsCheck(cluster, desired); err != nil {
			return err
		}
		nodes, err := d.store.ListNodesByCluster(cluster.ID)
		if err != nil {
			return err
		}
		action.Data.Deletion = &types.DeletionPlan{
			Count:      count,
			Candidates: scaling.ChooseCandidates(nodes, count),
		}

	case types.ClusterDelNodes:
		var in types.NodeSetInputs
		if err := action.DecodeInputs(&in); err != nil {
			return err
		}
		action.Data.Deletion = &types.DeletionPlan{
			Count:      len(in.Nodes),
			Candidates: in.Nodes,
		}

	case types.ClusterResize:
		return d.planResize(action, cluster)
	}
	return nil
}

// planResize turns a resize request into a creation or deletion plan.
// A resize that lands on the current capacity leaves both plans empty;
// the body then only applies the new bounds.
func (d *Dispatcher) planResize(action *types.Action, cluster *types.Cluster) error {
	var in types.ResizeInputs
	if err := action.DecodeInputs(&in); err != nil {
		return err
	}

	nodes, err := d.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return err
	}
	current := len(nodes)

	delta, err := scaling.Delta(current, &in)
	if err != nil {
		return err
	}
	minSize, maxSize := scaling.Bounds(cluster, &in)
	desired, err := scaling.Apply(current, delta, minSize, maxSize, in.Strict)
	if err != nil {
		return err
	}

	switch {
	case desired > current:
		action.Data.Creation = &types.CreationPlan{Count: desired - current}
	case desired < current:
		count := current - desired
		action.Data.Deletion = &types.DeletionPlan{
			Count:      count,
			Candidates: scaling.ChooseCandidates(nodes, count),
		}
	}
	return nil
}

func boundsCheck(cluster *types.Cluster, desired int) error {
	if desired < cluster.MinSize {
		return errors.BadRequest(
			"The target capacity (%d) is less than the cluster's min_size (%d)",
			desired, cluster.MinSize)
	}
	if cluster.MaxSize >= 0 && desired > cluster.MaxSize {
		return errors.BadRequest(
			"The target capacity (%d) is greater than the cluster's max_size (%d)",
			desired, cluster.MaxSize)
	}
	return nil
}
