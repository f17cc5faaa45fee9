package policy

import (
	"context"
	"strings"

	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/scaling"
	"github.com/cuemby/corral/pkg/types"
)

// LoadBalancingTypeName is the versioned registry name of the
// load-balancing policy type.
const LoadBalancingTypeName = "corral.policy.loadbalancing@1.0"

// LBDefaultPriority places load-balancing hooks after most other
// policies so membership changes are already decided when they run.
const LBDefaultPriority = 500

// lbProfileType is the profile type family this policy can manage.
const lbProfileType = "corral.profile.container"

// dataKeyMember is where the member ID lives in node data.
const dataKeyMember = "lb_member"

// dataKeyLBs is where per-policy LB descriptors live in cluster data.
const dataKeyLBs = "loadbalancers"

// LBSpec is the schema of the load-balancing policy.
type LBSpec struct {
	Pool struct {
		Protocol  string `json:"protocol,omitempty"`
		Port      int    `json:"port,omitempty"`
		Subnet    string `json:"subnet"`
		Algorithm string `json:"algorithm,omitempty"`
	} `json:"pool"`
	VIP struct {
		Subnet   string `json:"subnet"`
		Address  string `json:"address,omitempty"`
		Protocol string `json:"protocol,omitempty"`
		Port     int    `json:"port,omitempty"`
	} `json:"vip"`
	HealthMonitor *struct {
		Type       string `json:"type"`
		Delay      int    `json:"delay,omitempty"`
		Timeout    int    `json:"timeout,omitempty"`
		MaxRetries int    `json:"max_retries,omitempty"`
	} `json:"health_monitor,omitempty"`
}

// LoadBalancingPolicy keeps an external load balancer's pool in sync
// with cluster membership.
type LoadBalancingPolicy struct {
	name   string
	spec   LBSpec
	driver LBDriver
}

// NewLoadBalancingPolicy is the Constructor for the load-balancing
// policy type, bound to the given driver.
func NewLoadBalancingPolicy(driver LBDriver) Constructor {
	return func(name string, spec map[string]interface{}) (Policy, error) {
		p := &LoadBalancingPolicy{name: name, driver: driver}
		if err := decodeSpec(spec, &p.spec); err != nil {
			return nil, err
		}
		p.applyDefaults()
		return p, nil
	}
}

// RegisterLoadBalancing registers the load-balancing policy type.
func RegisterLoadBalancing(env *environment.Environment, driver LBDriver) error {
	return env.Policies.Register(LoadBalancingTypeName, NewLoadBalancingPolicy(driver))
}

func (p *LoadBalancingPolicy) applyDefaults() {
	if p.spec.Pool.Protocol == "" {
		p.spec.Pool.Protocol = "HTTP"
	}
	if p.spec.Pool.Port == 0 {
		p.spec.Pool.Port = 80
	}
	if p.spec.Pool.Algorithm == "" {
		p.spec.Pool.Algorithm = "ROUND_ROBIN"
	}
	if p.spec.VIP.Protocol == "" {
		p.spec.VIP.Protocol = "HTTP"
	}
	if p.spec.VIP.Port == 0 {
		p.spec.VIP.Port = 80
	}
}

func (p *LoadBalancingPolicy) TypeName() string {
	return LoadBalancingTypeName
}

func (p *LoadBalancingPolicy) DefaultPriority() int {
	return LBDefaultPriority
}

func (p *LoadBalancingPolicy) Targets() []Target {
	return []Target{
		{After, types.ClusterAddNodes},
		{After, types.ClusterScaleOut},
		{After, types.ClusterResize},
		{After, types.NodeCreate},
		{Before, types.ClusterDelNodes},
		{Before, types.ClusterScaleIn},
		{Before, types.ClusterResize},
		{Before, types.NodeDelete},
	}
}

func (p *LoadBalancingPolicy) Validate() error {
	if p.spec.VIP.Subnet == "" {
		return errors.InvalidSpec("load-balancing policy requires vip.subnet")
	}
	if p.spec.Pool.Subnet == "" {
		return errors.InvalidSpec("load-balancing policy requires pool.subnet")
	}
	switch p.spec.Pool.Algorithm {
	case "ROUND_ROBIN", "LEAST_CONNECTIONS", "SOURCE_IP":
	default:
		return errors.InvalidSpec("unsupported pool algorithm %q", p.spec.Pool.Algorithm)
	}
	return nil
}

// Attach provisions a load balancer, enrolls current members and
// records the LB descriptor in cluster data. On a mid-flight failure
// the half-built LB is torn down.
func (p *LoadBalancingPolicy) Attach(ctx context.Context, req *AttachRequest) (map[string]interface{}, error) {
	if req.Profile != nil && !strings.HasPrefix(req.Profile.Type, lbProfileType) {
		return nil, errors.ProfileTypeNotMatch(
			"Policy %s cannot be attached to clusters of profile type %s",
			p.name, req.Profile.Type)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	lb, err := p.driver.CreateLoadBalancer(ctx, p.spec)
	if err != nil {
		return nil, err
	}

	for _, node := range req.Nodes {
		memberID, err := p.driver.AddMember(ctx, lb.ID, node)
		if err != nil {
			if derr := p.driver.DeleteLoadBalancer(ctx, lb.ID); derr != nil {
				log.Logger.Warn().Err(derr).Str("lb_id", lb.ID).
					Msg("failed to clean up load balancer after attach failure")
			}
			return nil, err
		}
		if node.Data == nil {
			node.Data = make(map[string]interface{})
		}
		node.Data[dataKeyMember] = memberID
		if err := req.Store.UpdateNode(node); err != nil {
			return nil, err
		}
	}

	descriptor := map[string]interface{}{
		"loadbalancer": lb.ID,
		"pool":         lb.PoolID,
		"vip_address":  lb.VIPAddress,
	}
	if lb.HealthMonitorID != "" {
		descriptor["healthmonitor"] = lb.HealthMonitorID
	}
	if req.Cluster.Data == nil {
		req.Cluster.Data = make(map[string]interface{})
	}
	lbs, _ := req.Cluster.Data[dataKeyLBs].(map[string]interface{})
	if lbs == nil {
		lbs = make(map[string]interface{})
	}
	lbs[req.PolicyID] = descriptor
	req.Cluster.Data[dataKeyLBs] = lbs
	if err := req.Store.UpdateCluster(req.Cluster); err != nil {
		return nil, err
	}

	return descriptor, nil
}

// Detach removes every member, deletes the load balancer and scrubs
// the descriptors written at attach time.
func (p *LoadBalancingPolicy) Detach(ctx context.Context, req *AttachRequest) error {
	lbID := p.lbID(req.Binding)
	if lbID == "" {
		return nil
	}

	for _, node := range req.Nodes {
		memberID, _ := node.Data[dataKeyMember].(string)
		if memberID == "" {
			continue
		}
		if err := p.driver.RemoveMember(ctx, lbID, memberID); err != nil {
			return err
		}
		delete(node.Data, dataKeyMember)
		if err := req.Store.UpdateNode(node); err != nil {
			return err
		}
	}

	if err := p.driver.DeleteLoadBalancer(ctx, lbID); err != nil {
		return err
	}

	if lbs, ok := req.Cluster.Data[dataKeyLBs].(map[string]interface{}); ok {
		delete(lbs, req.PolicyID)
		if len(lbs) == 0 {
			delete(req.Cluster.Data, dataKeyLBs)
		}
		if err := req.Store.UpdateCluster(req.Cluster); err != nil {
			return err
		}
	}
	return nil
}

// PreOp deregisters the nodes about to leave the cluster. The victim
// set comes from the planner when it already ran; otherwise the policy
// derives it from the action and records it so the body removes the
// same nodes.
func (p *LoadBalancingPolicy) PreOp(ctx context.Context, req *Request) error {
	candidates, err := p.deleteCandidates(req)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	lbID := p.lbID(req.Binding)
	if lbID == "" {
		return errors.New(errors.KindInternal,
			"binding for policy on cluster %s carries no load balancer", req.Cluster.ID)
	}

	for _, nodeID := range candidates {
		node, err := req.Store.GetNode(nodeID)
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) {
				continue
			}
			return err
		}
		memberID, _ := node.Data[dataKeyMember].(string)
		if memberID == "" {
			continue
		}
		if err := p.driver.RemoveMember(ctx, lbID, memberID); err != nil {
			return errors.Wrap(errors.KindInternal, err,
				"failed to remove node %s from load balancer", nodeID)
		}
		delete(node.Data, dataKeyMember)
		if err := req.Store.UpdateNode(node); err != nil {
			return err
		}
	}
	return nil
}

// PostOp enrolls the nodes the action added.
func (p *LoadBalancingPolicy) PostOp(ctx context.Context, req *Request) error {
	nodeIDs := p.createdNodes(req)
	if len(nodeIDs) == 0 {
		return nil
	}

	lbID := p.lbID(req.Binding)
	if lbID == "" {
		return errors.New(errors.KindInternal,
			"binding for policy on cluster %s carries no load balancer", req.Cluster.ID)
	}

	for _, nodeID := range nodeIDs {
		node, err := req.Store.GetNode(nodeID)
		if err != nil {
			return err
		}
		memberID, err := p.driver.AddMember(ctx, lbID, node)
		if err != nil {
			return errors.Wrap(errors.KindInternal, err,
				"failed to add node %s to load balancer", nodeID)
		}
		if node.Data == nil {
			node.Data = make(map[string]interface{})
		}
		node.Data[dataKeyMember] = memberID
		if err := req.Store.UpdateNode(node); err != nil {
			return err
		}
	}
	return nil
}

// deleteCandidates resolves which nodes the action will remove,
// preferring a plan already recorded on the action.
func (p *LoadBalancingPolicy) deleteCandidates(req *Request) ([]string, error) {
	action := req.Action
	if action.Data.Deletion != nil && len(action.Data.Deletion.Candidates) > 0 {
		return action.Data.Deletion.Candidates, nil
	}

	switch action.Kind {
	case types.NodeDelete:
		return []string{action.Target}, nil

	case types.ClusterDelNodes:
		var in types.NodeSetInputs
		if err := action.DecodeInputs(&in); err != nil {
			return nil, err
		}
		return in.Nodes, nil

	case types.ClusterScaleIn, types.ClusterResize:
		count, err := p.shrinkCount(req)
		if err != nil || count <= 0 {
			return nil, err
		}
		nodes, err := req.Store.ListNodesByCluster(req.Cluster.ID)
		if err != nil {
			return nil, err
		}
		candidates := scaling.ChooseCandidates(nodes, count)
		// Record the plan so the body deletes the nodes we removed.
		action.Data.Deletion = &types.DeletionPlan{Count: count, Candidates: candidates}
		return candidates, nil
	}
	return nil, nil
}

func (p *LoadBalancingPolicy) shrinkCount(req *Request) (int, error) {
	action := req.Action
	if action.Kind == types.ClusterScaleIn {
		var in types.CountInputs
		if err := action.DecodeInputs(&in); err != nil {
			return 0, err
		}
		if in.Count == 0 {
			return 1, nil
		}
		return abs(in.Count), nil
	}

	var in types.ResizeInputs
	if err := action.DecodeInputs(&in); err != nil {
		return 0, err
	}
	count, err := req.Store.CountNodesByCluster(req.Cluster.ID)
	if err != nil {
		return 0, err
	}
	delta, err := scaling.Delta(count, &in)
	if err != nil {
		return 0, err
	}
	if delta >= 0 {
		return 0, nil
	}
	minSize, maxSize := scaling.Bounds(req.Cluster, &in)
	desired, err := scaling.Apply(count, delta, minSize, maxSize, in.Strict)
	if err != nil {
		return 0, err
	}
	return count - desired, nil
}

// createdNodes resolves which nodes the action added.
func (p *LoadBalancingPolicy) createdNodes(req *Request) []string {
	action := req.Action
	if action.Data.Creation != nil && len(action.Data.Creation.Nodes) > 0 {
		return action.Data.Creation.Nodes
	}
	if action.Kind == types.ClusterAddNodes {
		var in types.NodeSetInputs
		if err := action.DecodeInputs(&in); err == nil {
			return in.Nodes
		}
	}
	if action.Kind == types.NodeCreate {
		return []string{action.Target}
	}
	return nil
}

func (p *LoadBalancingPolicy) lbID(binding *types.ClusterPolicy) string {
	if binding == nil {
		return ""
	}
	id, _ := binding.Data["loadbalancer"].(string)
	return id
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
