package service

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/scaling"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// ClusterCreate persists a cluster in INIT state and queues the action
// that provisions its initial membership.
func (s *Service) ClusterCreate(rctx *types.RequestContext, name, profileIdentity string,
	desired, minSize, maxSize int, timeout time.Duration,
	metadata map[string]string) (*types.Cluster, *ActionResult, error) {

	if name == "" {
		return nil, nil, errors.InvalidParameter("name", name)
	}
	if err := scaling.CheckSize(desired, minSize, maxSize); err != nil {
		return nil, nil, err
	}
	p, err := s.findProfile(profileIdentity)
	if err != nil {
		return nil, nil, err
	}

	cluster := &types.Cluster{
		ID:              uuid.New().String(),
		Name:            name,
		ProfileID:       p.ID,
		DesiredCapacity: desired,
		MinSize:         minSize,
		MaxSize:         maxSize,
		Timeout:         timeout,
		Metadata:        metadata,
		Status:          types.ClusterStatusInit,
		StatusReason:    "Initializing",
		NextIndex:       1,
	}
	if rctx != nil {
		cluster.User = rctx.User
		cluster.Project = rctx.Project
		cluster.Domain = rctx.Domain
	}
	if err := s.store.CreateCluster(cluster); err != nil {
		return nil, nil, err
	}

	result, err := s.newAction(rctx, types.ClusterCreate, cluster.ID, cluster.ID,
		nil, cluster.Timeout)
	if err != nil {
		return nil, nil, err
	}
	return cluster, result, nil
}

// ClusterGet resolves one cluster.
func (s *Service) ClusterGet(identity string) (*types.Cluster, error) {
	return s.findCluster(identity)
}

// ClusterList lists clusters.
func (s *Service) ClusterList(opts storage.ListOptions) ([]*types.Cluster, error) {
	return s.store.ListClusters(opts)
}

// ClusterUpdate changes a cluster's name, metadata or profile. Name
// and metadata changes apply immediately with a nil result; a profile
// change must stay within the current profile type, is refused while
// the cluster is in ERROR, and rolls out to every member node through
// a queued action.
func (s *Service) ClusterUpdate(rctx *types.RequestContext, identity, name string,
	metadata map[string]string, profileIdentity string) (*ActionResult, error) {

	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}

	inputs := types.UpdateInputs{Name: name, Metadata: metadata}
	if profileIdentity != "" {
		newProfile, err := s.findProfile(profileIdentity)
		if err != nil {
			return nil, err
		}
		oldProfile, err := s.store.GetProfile(cluster.ProfileID)
		if err != nil {
			return nil, err
		}
		if newProfile.TypeName() != oldProfile.TypeName() {
			return nil, errors.ProfileTypeNotMatch(
				"Cannot update a cluster to a different profile type, operation aborted")
		}
		if newProfile.ID != oldProfile.ID {
			inputs.NewProfileID = newProfile.ID
		}
	}

	if inputs.NewProfileID == "" {
		if name != "" {
			cluster.Name = name
		}
		if metadata != nil {
			cluster.Metadata = metadata
		}
		if err := s.store.UpdateCluster(cluster); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if cluster.Status == types.ClusterStatusError {
		return nil, errors.BadRequest(
			"Updating a cluster in error state is not supported, please recover it first")
	}
	return s.newAction(rctx, types.ClusterUpdate, cluster.ID, cluster.ID,
		inputs, cluster.Timeout)
}

// ClusterDelete queues deletion of a cluster and its member nodes. All
// policies must be detached first.
func (s *Service) ClusterDelete(rctx *types.RequestContext, identity string) (*ActionResult, error) {
	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}

	bindings, err := s.store.ListBindings(cluster.ID)
	if err != nil {
		return nil, err
	}
	if len(bindings) > 0 {
		return nil, errors.BadRequest(
			"Cluster %s cannot be deleted without having all policies detached", cluster.ID)
	}

	return s.newAction(rctx, types.ClusterDelete, cluster.ID, cluster.ID,
		nil, cluster.Timeout)
}

// ClusterAddNodes queues the adoption of existing orphan nodes into a
// cluster. Every node must exist, be ACTIVE, be an orphan, and carry
// the cluster's profile type.
func (s *Service) ClusterAddNodes(rctx *types.RequestContext, identity string,
	nodeIdentities []string) (*ActionResult, error) {

	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}
	if len(nodeIdentities) == 0 {
		return nil, errors.InvalidParameter("nodes", nodeIdentities)
	}
	clusterProfile, err := s.store.GetProfile(cluster.ProfileID)
	if err != nil {
		return nil, err
	}

	var found []string
	var notFound, badNodes, ownedNodes, notMatch []string
	for _, ident := range nodeIdentities {
		node, err := s.findNode(ident)
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) {
				notFound = append(notFound, ident)
				continue
			}
			return nil, err
		}
		nodeProfile, err := s.store.GetProfile(node.ProfileID)
		if err != nil {
			return nil, err
		}
		switch {
		case nodeProfile.TypeName() != clusterProfile.TypeName():
			notMatch = append(notMatch, node.ID)
		case node.ClusterID != "":
			ownedNodes = append(ownedNodes, node.ID)
		case node.Status != types.NodeStatusActive:
			badNodes = append(badNodes, node.ID)
		default:
			found = append(found, node.ID)
		}
	}

	switch {
	case len(notMatch) > 0:
		return nil, errors.ProfileTypeNotMatch(
			"Profile type of nodes %v does not match that of the cluster", notMatch)
	case len(ownedNodes) > 0:
		return nil, errors.NodeNotOrphan(
			"Nodes %v already owned by some cluster", ownedNodes)
	case len(badNodes) > 0:
		return nil, errors.BadRequest("Nodes are not ACTIVE: %v", badNodes)
	case len(notFound) > 0:
		return nil, errors.BadRequest("Nodes not found: %v", notFound)
	}

	return s.newAction(rctx, types.ClusterAddNodes, cluster.ID, cluster.ID,
		types.NodeSetInputs{Nodes: found}, cluster.Timeout)
}

// ClusterDelNodes queues the removal of specific member nodes.
func (s *Service) ClusterDelNodes(rctx *types.RequestContext, identity string,
	nodeIdentities []string) (*ActionResult, error) {

	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}
	if len(nodeIdentities) == 0 {
		return nil, errors.InvalidParameter("nodes", nodeIdentities)
	}

	var members []string
	var notFound, notMember []string
	for _, ident := range nodeIdentities {
		node, err := s.findNode(ident)
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) {
				notFound = append(notFound, ident)
				continue
			}
			return nil, err
		}
		if node.ClusterID != cluster.ID {
			notMember = append(notMember, node.ID)
			continue
		}
		members = append(members, node.ID)
	}

	switch {
	case len(notFound) > 0:
		return nil, errors.BadRequest("Nodes not found: %v", notFound)
	case len(notMember) > 0:
		return nil, errors.BadRequest(
			"Nodes not members of specified cluster: %v", notMember)
	}

	return s.newAction(rctx, types.ClusterDelNodes, cluster.ID, cluster.ID,
		types.NodeSetInputs{Nodes: members}, cluster.Timeout)
}

// ResizeParams is the raw resize request before normalization. Nil
// fields were not supplied by the caller.
type ResizeParams struct {
	AdjustmentType *types.AdjustmentType
	Number         *float64
	MinSize        *int
	MaxSize        *int
	MinStep        *int
	Strict         *bool
}

// ClusterResize validates and queues a resize.
func (s *Service) ClusterResize(rctx *types.RequestContext, identity string,
	params ResizeParams) (*ActionResult, error) {

	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}

	inputs, err := normalizeResize(cluster, params)
	if err != nil {
		return nil, err
	}
	return s.newAction(rctx, types.ClusterResize, cluster.ID, cluster.ID,
		inputs, cluster.Timeout)
}

func normalizeResize(cluster *types.Cluster, params ResizeParams) (*types.ResizeInputs, error) {
	if params.AdjustmentType == nil && params.Number == nil &&
		params.MinSize == nil && params.MaxSize == nil {
		return nil, errors.BadRequest("Not enough parameters to do resize action")
	}

	inputs := &types.ResizeInputs{
		MinSize: params.MinSize,
		MaxSize: params.MaxSize,
	}
	if params.Strict != nil {
		inputs.Strict = *params.Strict
	}

	if params.AdjustmentType != nil {
		at := *params.AdjustmentType
		if !types.AdjustmentTypes[at] {
			return nil, errors.InvalidParameter("adjustment_type", at)
		}
		if params.Number == nil {
			return nil, errors.BadRequest("Missing number value for size adjustment")
		}
		number := *params.Number
		if at != types.ChangeInPercentage {
			if number != math.Trunc(number) {
				return nil, errors.InvalidParameter("number", number)
			}
			if at == types.ExactCapacity && number < 0 {
				return nil, errors.InvalidParameter("number", number)
			}
		} else if number == 0 {
			return nil, errors.InvalidParameter("number", number)
		}
		inputs.AdjustmentType = at
		inputs.Number = number
	} else if params.Number != nil {
		return nil, errors.BadRequest("Missing adjustment_type value for size adjustment")
	}

	if params.MinStep != nil {
		if params.AdjustmentType == nil || *params.AdjustmentType != types.ChangeInPercentage {
			return nil, errors.BadRequest(
				"Min step is only used with percentage adjustment")
		}
		if *params.MinStep < 0 {
			return nil, errors.InvalidParameter("min_step", *params.MinStep)
		}
		inputs.MinStep = *params.MinStep
	}

	minSize, maxSize := scaling.Bounds(cluster, inputs)
	if minSize < 0 {
		return nil, errors.InvalidParameter("min_size", minSize)
	}
	if maxSize < -1 {
		return nil, errors.InvalidParameter("max_size", maxSize)
	}
	if maxSize >= 0 && maxSize < minSize {
		return nil, errors.BadRequest(
			"Cluster max_size, if specified, must be greater than or equal to its min_size. Setting max_size to -1 means no upper limit on cluster size")
	}
	return inputs, nil
}

// ClusterScaleOut queues a grow by count nodes (default one).
func (s *Service) ClusterScaleOut(rctx *types.RequestContext, identity string,
	count *int) (*ActionResult, error) {
	return s.scale(rctx, identity, types.ClusterScaleOut, count)
}

// ClusterScaleIn queues a shrink by count nodes (default one).
func (s *Service) ClusterScaleIn(rctx *types.RequestContext, identity string,
	count *int) (*ActionResult, error) {
	return s.scale(rctx, identity, types.ClusterScaleIn, count)
}

func (s *Service) scale(rctx *types.RequestContext, identity string,
	kind types.ActionKind, count *int) (*ActionResult, error) {

	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}

	var inputs interface{}
	if count != nil {
		if *count <= 0 {
			return nil, errors.InvalidParameter("count", *count)
		}
		inputs = types.CountInputs{Count: *count}
	}
	return s.newAction(rctx, kind, cluster.ID, cluster.ID, inputs, cluster.Timeout)
}

// ClusterAttachPolicy queues the attachment of a policy to a cluster.
func (s *Service) ClusterAttachPolicy(rctx *types.RequestContext, identity,
	policyIdentity string, priority, level, cooldown *int, enabled *bool) (*ActionResult, error) {

	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}
	p, err := s.findPolicy(policyIdentity)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetBinding(cluster.ID, p.ID); err == nil {
		return nil, errors.BadRequest(
			"The policy (%s) is already attached to the cluster (%s)", p.ID, cluster.ID)
	} else if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}

	inputs := types.BindingInputs{
		PolicyID: p.ID,
		Priority: priority,
		Level:    level,
		Cooldown: cooldown,
		Enabled:  enabled,
	}
	return s.newAction(rctx, types.ClusterAttachPolicy, cluster.ID, cluster.ID,
		inputs, cluster.Timeout)
}

// ClusterDetachPolicy queues the detachment of an attached policy.
func (s *Service) ClusterDetachPolicy(rctx *types.RequestContext, identity,
	policyIdentity string) (*ActionResult, error) {

	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}
	p, err := s.findPolicy(policyIdentity)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetBinding(cluster.ID, p.ID); err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil, errors.PolicyBindingNotFound(p.ID, cluster.ID)
		}
		return nil, err
	}

	return s.newAction(rctx, types.ClusterDetachPolicy, cluster.ID, cluster.ID,
		types.BindingInputs{PolicyID: p.ID}, cluster.Timeout)
}

// ClusterUpdatePolicy queues an update of an existing binding's
// settings.
func (s *Service) ClusterUpdatePolicy(rctx *types.RequestContext, identity,
	policyIdentity string, priority, level, cooldown *int, enabled *bool) (*ActionResult, error) {

	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}
	p, err := s.findPolicy(policyIdentity)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetBinding(cluster.ID, p.ID); err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil, errors.PolicyBindingNotFound(p.ID, cluster.ID)
		}
		return nil, err
	}

	inputs := types.BindingInputs{
		PolicyID: p.ID,
		Priority: priority,
		Level:    level,
		Cooldown: cooldown,
		Enabled:  enabled,
	}
	return s.newAction(rctx, types.ClusterUpdatePolicy, cluster.ID, cluster.ID,
		inputs, cluster.Timeout)
}

// ClusterPolicyList lists the policies attached to a cluster in
// evaluation order.
func (s *Service) ClusterPolicyList(identity string) ([]*types.ClusterPolicy, error) {
	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}
	return s.store.ListBindings(cluster.ID)
}

// ClusterPolicyGet returns one binding.
func (s *Service) ClusterPolicyGet(identity, policyIdentity string) (*types.ClusterPolicy, error) {
	cluster, err := s.findCluster(identity)
	if err != nil {
		return nil, err
	}
	p, err := s.findPolicy(policyIdentity)
	if err != nil {
		return nil, err
	}
	binding, err := s.store.GetBinding(cluster.ID, p.ID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil, errors.PolicyBindingNotFound(p.ID, cluster.ID)
		}
		return nil, err
	}
	return binding, nil
}
