package storage

import (
	"github.com/cuemby/corral/pkg/types"
)

// ListOptions controls list queries. The zero value lists every live
// row in creation order.
type ListOptions struct {
	Limit       int
	Marker      string // list rows strictly after this ID
	SortKey     string // "created_at" (default) or "name"
	SortDesc    bool
	Filters     map[string]string // matched against entity projection fields
	ShowDeleted bool
	Project     string // when non-empty, only rows owned by this project
}

// Store is the durable repository shared by all engine processes. It is
// the only authoritative shared state: per-cluster ordering is derived
// from the lock operations and claim CAS implemented here, all of which
// run inside serializable transactions.
type Store interface {
	// Profiles
	CreateProfile(profile *types.Profile) error
	GetProfile(id string) (*types.Profile, error)
	GetProfileByName(name string) (*types.Profile, error)
	GetProfileByShortID(prefix string) (*types.Profile, error)
	ListProfiles(opts ListOptions) ([]*types.Profile, error)
	UpdateProfile(profile *types.Profile) error
	DeleteProfile(id string) error

	// Policies
	CreatePolicy(policy *types.Policy) error
	GetPolicy(id string) (*types.Policy, error)
	GetPolicyByName(name string) (*types.Policy, error)
	GetPolicyByShortID(prefix string) (*types.Policy, error)
	ListPolicies(opts ListOptions) ([]*types.Policy, error)
	UpdatePolicy(policy *types.Policy) error
	DeletePolicy(id string) error

	// Clusters
	CreateCluster(cluster *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	GetClusterByName(name string) (*types.Cluster, error)
	GetClusterByShortID(prefix string) (*types.Cluster, error)
	ListClusters(opts ListOptions) ([]*types.Cluster, error)
	UpdateCluster(cluster *types.Cluster) error
	DeleteCluster(id string) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByName(name string) (*types.Node, error)
	GetNodeByShortID(prefix string) (*types.Node, error)
	ListNodes(opts ListOptions) ([]*types.Node, error)
	ListNodesByCluster(clusterID string) ([]*types.Node, error)
	CountNodesByCluster(clusterID string) (int, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Cluster-policy bindings. ListBindings returns bindings sorted by
	// priority ascending, ties broken by creation time.
	CreateBinding(binding *types.ClusterPolicy) error
	GetBinding(clusterID, policyID string) (*types.ClusterPolicy, error)
	ListBindings(clusterID string) ([]*types.ClusterPolicy, error)
	UpdateBinding(binding *types.ClusterPolicy) error
	DeleteBinding(clusterID, policyID string) error

	// Actions
	CreateAction(action *types.Action) error
	GetAction(id string) (*types.Action, error)
	GetActionByName(name string) (*types.Action, error)
	GetActionByShortID(prefix string) (*types.Action, error)
	ListActions(opts ListOptions) ([]*types.Action, error)
	ListActionsByOwner(engineID string, status types.ActionStatus) ([]*types.Action, error)
	UpdateAction(action *types.Action) error
	DeleteAction(id string) error

	// ClaimAction atomically picks one READY action whose dependencies
	// are all satisfied, marks it RUNNING and owned by engineID.
	// Returns nil when nothing is claimable.
	ClaimAction(engineID string) (*types.Action, error)

	// ClaimActionByID claims one specific action; returns nil when the
	// action is not in READY state (claimed elsewhere or terminal).
	ClaimActionByID(actionID, engineID string) (*types.Action, error)

	// MarkAction performs a terminal transition, persisting the outputs
	// map for clients polling the action; it fails unless the caller is
	// the current owner.
	MarkAction(actionID, engineID string, status types.ActionStatus, outputs map[string]interface{}) error

	// ReleaseAction returns a RUNNING action to READY (lock contention
	// or engine recovery), incrementing its attempt count.
	ReleaseAction(actionID string) error

	// CancelAction cancels a pending action directly, or raises the
	// cooperative cancel flag on a RUNNING one.
	CancelAction(actionID string) error

	// AddDependency makes dependent wait on dep; the dependent is
	// parked in WAITING until all of its dependencies succeed.
	AddDependency(depID, dependentID string) error

	// ResolveDependencies unblocks actions waiting on a succeeded
	// action; returns the IDs of actions moved to READY.
	ResolveDependencies(actionID string) ([]string, error)

	// Locks
	AcquireLock(targetID, actionID, engineID string, exclusive bool) (bool, error)
	ReleaseLock(targetID, actionID string) error
	StealLock(targetID, actionID, engineID string) error
	GetLock(targetID string) (*types.Lock, error)
	ListLocksByEngine(engineID string) ([]*types.Lock, error)

	// Events
	CreateEvent(event *types.Event) error
	GetEvent(id string) (*types.Event, error)
	GetEventByShortID(prefix string) (*types.Event, error)
	ListEvents(opts ListOptions) ([]*types.Event, error)

	// Webhooks
	CreateWebhook(webhook *types.Webhook) error
	GetWebhook(id string) (*types.Webhook, error)
	GetWebhookByName(name string) (*types.Webhook, error)
	GetWebhookByShortID(prefix string) (*types.Webhook, error)
	ListWebhooks(opts ListOptions) ([]*types.Webhook, error)
	DeleteWebhook(id string) error

	// Triggers
	CreateTrigger(trigger *types.Trigger) error
	GetTrigger(id string) (*types.Trigger, error)
	GetTriggerByName(name string) (*types.Trigger, error)
	GetTriggerByShortID(prefix string) (*types.Trigger, error)
	ListTriggers(opts ListOptions) ([]*types.Trigger, error)
	UpdateTrigger(trigger *types.Trigger) error
	DeleteTrigger(id string) error

	// Engine registry
	UpdateEngine(engineID string) error
	ListEngines() ([]*types.EngineRegistry, error)
	DeleteEngine(engineID string) error

	// Utility
	Close() error
}
