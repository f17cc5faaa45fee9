package types

import (
	"time"
)

// Cluster is a named set of homogeneous nodes plus size bounds and a
// profile reference. All mutations go through the action pipeline.
type Cluster struct {
	ID              string
	Name            string
	ProfileID       string
	Parent          string // parent cluster ID for nested clusters, empty if none
	DesiredCapacity int
	MinSize         int
	MaxSize         int // -1 means unbounded
	Timeout         time.Duration
	Metadata        map[string]string
	Status          ClusterStatus
	StatusReason    string
	User            string
	Project         string
	Domain          string

	// Data holds ancillary per-cluster state written by policies, e.g.
	// attached load-balancer descriptors keyed by policy ID.
	Data map[string]interface{}

	// NextIndex is the index assigned to the next node joining the
	// cluster. Indices are dense at creation and never re-packed.
	NextIndex int

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt time.Time
}

// ClusterStatus represents the lifecycle state of a cluster
type ClusterStatus string

const (
	ClusterStatusInit     ClusterStatus = "INIT"
	ClusterStatusCreating ClusterStatus = "CREATING"
	ClusterStatusActive   ClusterStatus = "ACTIVE"
	ClusterStatusUpdating ClusterStatus = "UPDATING"
	ClusterStatusResizing ClusterStatus = "RESIZING"
	ClusterStatusDeleting ClusterStatus = "DELETING"
	ClusterStatusError    ClusterStatus = "ERROR"
	ClusterStatusWarning  ClusterStatus = "WARNING"
)

// Node is a provisionable unit; it may be an orphan or a member of
// exactly one cluster.
type Node struct {
	ID           string
	Name         string
	ProfileID    string
	ClusterID    string // empty means orphan
	Role         string
	Index        int // 1-based index within the cluster, 0 for orphans
	Status       NodeStatus
	StatusReason string
	PhysicalID   string // driver-assigned resource ID, empty until provisioned
	Metadata     map[string]string
	User         string
	Project      string
	Domain       string

	// Data holds per-node state written by policies, e.g. the
	// load-balancer member ID under "lb_member".
	Data map[string]interface{}

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt time.Time
}

// NodeStatus represents the lifecycle state of a node
type NodeStatus string

const (
	NodeStatusInit     NodeStatus = "INIT"
	NodeStatusCreating NodeStatus = "CREATING"
	NodeStatusActive   NodeStatus = "ACTIVE"
	NodeStatusUpdating NodeStatus = "UPDATING"
	NodeStatusDeleting NodeStatus = "DELETING"
	NodeStatusError    NodeStatus = "ERROR"
	NodeStatusWarning  NodeStatus = "WARNING"
)

// Profile is a versioned spec describing how to materialize a node of a
// given type. The spec is immutable after creation; updating a profile
// with a new spec produces a new profile row.
type Profile struct {
	ID         string
	Name       string
	Type       string // registered type name, e.g. "corral.profile.container"
	Version    string
	Spec       map[string]interface{}
	Permission string
	Metadata   map[string]string
	User       string
	Project    string
	Domain     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  time.Time
}

// TypeName returns the registry key for the profile's plugin.
func (p *Profile) TypeName() string {
	return p.Type + "@" + p.Version
}

// Policy is a governance rule with pre/post hooks firing on specific
// action kinds. The spec is immutable by contract.
type Policy struct {
	ID        string
	Name      string
	Type      string
	Version   string
	Spec      map[string]interface{}
	Level     int // enforcement level, 0-100
	Cooldown  time.Duration
	User      string
	Project   string
	Domain    string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt time.Time
}

// TypeName returns the registry key for the policy's plugin.
func (p *Policy) TypeName() string {
	return p.Type + "@" + p.Version
}

// PolicyLevelShould is the default enforcement level for new policies.
const PolicyLevelShould = 50

// ClusterPolicy is the attachment of a policy to a cluster, with
// per-binding settings and data persisted by the policy at attach time.
type ClusterPolicy struct {
	ClusterID string
	PolicyID  string
	Priority  int
	Level     int
	Cooldown  time.Duration
	Enabled   bool
	Data      map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is an append-only record of a state transition.
type Event struct {
	ID           string
	Timestamp    time.Time
	ObjID        string
	ObjType      string // "CLUSTER", "NODE", "ACTION", ...
	ObjName      string
	Action       string
	Status       string
	StatusReason string
	Level        EventLevel
	User         string
	Project      string
	CreatedAt    time.Time
	DeletedAt    time.Time
}

// EventLevel indicates event severity
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// Webhook triggers a predefined action on a target object when its
// opaque URL is invoked. The creator's credential is stored encrypted so
// the triggered action runs with the creator's identity.
type Webhook struct {
	ID         string
	Name       string
	ObjID      string
	ObjType    string // one of WebhookObjTypes
	ActionKind ActionKind
	Credential []byte // AES-256-GCM ciphertext
	Params     map[string]interface{}
	User       string
	Project    string
	Domain     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  time.Time
}

// WebhookObjTypes lists the object types a webhook may target.
var WebhookObjTypes = []string{"cluster", "node", "policy"}

// Trigger is a named, validated spec that external monitors use to fire
// webhooks; it carries no engine-side behavior beyond CRUD.
type Trigger struct {
	ID          string
	Name        string
	Type        string
	Version     string
	Spec        map[string]interface{}
	Description string
	Enabled     bool
	State       string
	Severity    string
	User        string
	Project     string
	Domain      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   time.Time
}

// TypeName returns the registry key for the trigger's plugin.
func (t *Trigger) TypeName() string {
	return t.Type + "@" + t.Version
}

// Lock is an atomic per-target claim held for the duration of a
// mutating action. Multiple holders are allowed only for shared locks.
type Lock struct {
	TargetID  string
	ActionIDs []string
	EngineID  string
	Exclusive bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EngineRegistry is a liveness row for a running engine process. Locks
// held by an engine whose heartbeat is stale may be stolen.
type EngineRegistry struct {
	EngineID      string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// RequestContext carries the identity of the caller through the façade
// into actions created on its behalf.
type RequestContext struct {
	User    string
	Project string
	Domain  string
	IsAdmin bool
	Trusts  []string
}
