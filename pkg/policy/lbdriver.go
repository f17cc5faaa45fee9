package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
)

// LoadBalancer is the driver-side descriptor of one provisioned LB
// stack: the balancer itself, its member pool and the optional health
// monitor.
type LoadBalancer struct {
	ID              string
	VIPAddress      string
	PoolID          string
	HealthMonitorID string // empty when the spec carries no health_monitor
}

// LBDriver provisions load balancers and manages pool membership.
type LBDriver interface {
	CreateLoadBalancer(ctx context.Context, spec LBSpec) (*LoadBalancer, error)
	DeleteLoadBalancer(ctx context.Context, lbID string) error
	AddMember(ctx context.Context, lbID string, node *types.Node) (string, error)
	RemoveMember(ctx context.Context, lbID, memberID string) error
}

type fakeLB struct {
	spec    LBSpec
	poolID  string
	hmID    string
	members map[string]string // memberID -> nodeID
}

// FakeLBDriver is an in-memory LBDriver for tests and development.
type FakeLBDriver struct {
	mu       sync.Mutex
	lbs      map[string]*fakeLB
	nextAddr int

	FailCreate       bool
	FailAddMember    bool
	FailRemoveMember bool
}

// NewFakeLBDriver creates an empty fake driver.
func NewFakeLBDriver() *FakeLBDriver {
	return &FakeLBDriver{lbs: make(map[string]*fakeLB)}
}

func (d *FakeLBDriver) CreateLoadBalancer(ctx context.Context, spec LBSpec) (*LoadBalancer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCreate {
		return nil, errors.New(errors.KindInternal, "lb driver refused to create")
	}
	id := uuid.New().String()
	lb := &fakeLB{
		spec:    spec,
		poolID:  uuid.New().String(),
		members: make(map[string]string),
	}
	if spec.HealthMonitor != nil {
		lb.hmID = uuid.New().String()
	}
	d.lbs[id] = lb
	d.nextAddr++
	return &LoadBalancer{
		ID:              id,
		VIPAddress:      fmt.Sprintf("10.0.0.%d", d.nextAddr),
		PoolID:          lb.poolID,
		HealthMonitorID: lb.hmID,
	}, nil
}

func (d *FakeLBDriver) DeleteLoadBalancer(ctx context.Context, lbID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lbs, lbID)
	return nil
}

func (d *FakeLBDriver) AddMember(ctx context.Context, lbID string, node *types.Node) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailAddMember {
		return "", errors.New(errors.KindInternal, "lb driver refused member %s", node.ID)
	}
	lb, ok := d.lbs[lbID]
	if !ok {
		return "", errors.NotFound("loadbalancer", lbID)
	}
	memberID := uuid.New().String()
	lb.members[memberID] = node.ID
	return memberID, nil
}

func (d *FakeLBDriver) RemoveMember(ctx context.Context, lbID, memberID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailRemoveMember {
		return errors.New(errors.KindInternal, "lb driver refused to remove member %s", memberID)
	}
	if lb, ok := d.lbs[lbID]; ok {
		delete(lb.members, memberID)
	}
	return nil
}

// MemberCount returns the pool size of a load balancer; test helper.
func (d *FakeLBDriver) MemberCount(lbID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lb, ok := d.lbs[lbID]; ok {
		return len(lb.members)
	}
	return 0
}

// HasLB reports whether the load balancer exists; test helper.
func (d *FakeLBDriver) HasLB(lbID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.lbs[lbID]
	return ok
}

// PoolID returns the pool of a load balancer; test helper.
func (d *FakeLBDriver) PoolID(lbID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lb, ok := d.lbs[lbID]; ok {
		return lb.poolID
	}
	return ""
}

// HasHealthMonitor reports whether a health monitor was provisioned
// for the load balancer; test helper.
func (d *FakeLBDriver) HasHealthMonitor(lbID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	lb, ok := d.lbs[lbID]
	return ok && lb.hmID != ""
}
