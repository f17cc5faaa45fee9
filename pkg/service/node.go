package service

import (
	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// NodeCreate persists a node in INIT state and queues its
// provisioning. A node created into a cluster takes the cluster's next
// index and must carry the cluster's profile type.
func (s *Service) NodeCreate(rctx *types.RequestContext, name, profileIdentity,
	clusterIdentity, role string, metadata map[string]string) (*types.Node, *ActionResult, error) {

	if name == "" {
		return nil, nil, errors.InvalidParameter("name", name)
	}
	p, err := s.findProfile(profileIdentity)
	if err != nil {
		return nil, nil, err
	}

	node := &types.Node{
		ID:           uuid.New().String(),
		Name:         name,
		ProfileID:    p.ID,
		Role:         role,
		Metadata:     metadata,
		Status:       types.NodeStatusInit,
		StatusReason: "Initializing",
	}
	if rctx != nil {
		node.User = rctx.User
		node.Project = rctx.Project
		node.Domain = rctx.Domain
	}

	if clusterIdentity != "" {
		cluster, err := s.findCluster(clusterIdentity)
		if err != nil {
			return nil, nil, err
		}
		clusterProfile, err := s.store.GetProfile(cluster.ProfileID)
		if err != nil {
			return nil, nil, err
		}
		if p.TypeName() != clusterProfile.TypeName() {
			return nil, nil, errors.ProfileTypeNotMatch(
				"Node and cluster have different profile type, operation aborted")
		}
		node.ClusterID = cluster.ID
		node.Index = cluster.NextIndex
		cluster.NextIndex++
		if err := s.store.UpdateCluster(cluster); err != nil {
			return nil, nil, err
		}
	}

	if err := s.store.CreateNode(node); err != nil {
		return nil, nil, err
	}
	result, err := s.newAction(rctx, types.NodeCreate, node.ID, node.ID, nil, 0)
	if err != nil {
		return nil, nil, err
	}
	return node, result, nil
}

// NodeGet resolves one node.
func (s *Service) NodeGet(identity string) (*types.Node, error) {
	return s.findNode(identity)
}

// NodeList lists nodes, optionally scoped to one cluster.
func (s *Service) NodeList(clusterIdentity string, opts storage.ListOptions) ([]*types.Node, error) {
	if clusterIdentity == "" {
		return s.store.ListNodes(opts)
	}
	cluster, err := s.findCluster(clusterIdentity)
	if err != nil {
		return nil, err
	}
	return s.store.ListNodesByCluster(cluster.ID)
}

// NodeUpdate queues an update of the node's name, role, metadata or
// profile. A profile change must stay within the current profile type.
func (s *Service) NodeUpdate(rctx *types.RequestContext, identity, name, role string,
	metadata map[string]string, profileIdentity string) (*ActionResult, error) {

	node, err := s.findNode(identity)
	if err != nil {
		return nil, err
	}

	inputs := types.UpdateInputs{Name: name, Role: role, Metadata: metadata}
	if profileIdentity != "" {
		newProfile, err := s.findProfile(profileIdentity)
		if err != nil {
			return nil, err
		}
		oldProfile, err := s.store.GetProfile(node.ProfileID)
		if err != nil {
			return nil, err
		}
		if newProfile.TypeName() != oldProfile.TypeName() {
			return nil, errors.ProfileTypeNotMatch(
				"Cannot update a node to a different profile type, operation aborted")
		}
		if newProfile.ID != oldProfile.ID {
			inputs.NewProfileID = newProfile.ID
		}
	}

	return s.newAction(rctx, types.NodeUpdate, node.ID, node.ID, inputs, 0)
}

// NodeDelete queues deletion of a node.
func (s *Service) NodeDelete(rctx *types.RequestContext, identity string) (*ActionResult, error) {
	node, err := s.findNode(identity)
	if err != nil {
		return nil, err
	}
	return s.newAction(rctx, types.NodeDelete, node.ID, node.ID, nil, 0)
}

// NodeJoin queues the adoption of an orphan node into a cluster.
func (s *Service) NodeJoin(rctx *types.RequestContext, identity,
	clusterIdentity string) (*ActionResult, error) {

	node, err := s.findNode(identity)
	if err != nil {
		return nil, err
	}
	cluster, err := s.findCluster(clusterIdentity)
	if err != nil {
		return nil, err
	}
	if node.ClusterID != "" {
		return nil, errors.NodeNotOrphan(
			"Node %s already owned by cluster %s", node.ID, node.ClusterID)
	}

	nodeProfile, err := s.store.GetProfile(node.ProfileID)
	if err != nil {
		return nil, err
	}
	clusterProfile, err := s.store.GetProfile(cluster.ProfileID)
	if err != nil {
		return nil, err
	}
	if nodeProfile.TypeName() != clusterProfile.TypeName() {
		return nil, errors.ProfileTypeNotMatch(
			"Node and cluster have different profile type, operation aborted")
	}

	return s.newAction(rctx, types.NodeJoin, node.ID, node.ID,
		types.JoinInputs{ClusterID: cluster.ID}, 0)
}

// NodeLeave queues the departure of a node from its cluster.
func (s *Service) NodeLeave(rctx *types.RequestContext, identity string) (*ActionResult, error) {
	node, err := s.findNode(identity)
	if err != nil {
		return nil, err
	}
	if node.ClusterID == "" {
		return nil, errors.BadRequest(
			"Node %s is not a member of any cluster", node.ID)
	}
	return s.newAction(rctx, types.NodeLeave, node.ID, node.ID, nil, 0)
}
