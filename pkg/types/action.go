package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Action is a durable, asynchronous unit of work against one target,
// governed by a status machine. Inputs are a per-kind payload serialized
// as JSON; Data carries ephemeral planner output consumed by policy
// hooks (the creation/deletion descriptors).
type Action struct {
	ID         string
	Name       string
	Target     string // cluster or node ID
	Kind       ActionKind
	Cause      ActionCause
	Inputs     json.RawMessage
	Outputs    map[string]interface{}
	Status     ActionStatus
	Owner      string // engine ID while RUNNING, empty otherwise
	DependsOn  []string
	DependedBy []string
	StartTime  time.Time
	EndTime    time.Time
	Timeout    time.Duration
	Data       ActionData
	Cancelled  bool
	Attempts   int
	User       string
	Project    string
	Domain     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  time.Time
}

// ActionData is the scratch area shared between the planner, the policy
// hooks and the action body.
type ActionData struct {
	Status   string // set to CheckError by a failing pre-hook
	Reason   string
	Creation *CreationPlan
	Deletion *DeletionPlan
}

// CheckError marks a policy check failure in ActionData.Status; it
// aborts the action before the body runs.
const CheckError = "CHECK_ERROR"

// CreationPlan describes nodes to be added by the action body.
type CreationPlan struct {
	Count int
	Nodes []string // IDs of nodes created, filled in by the body
}

// DeletionPlan describes nodes to be removed by the action body. The
// candidate set is fixed before pre-hooks run so hooks and body agree.
type DeletionPlan struct {
	Count      int
	Candidates []string
}

// ActionStatus represents the state of an action
type ActionStatus string

const (
	ActionStatusInit      ActionStatus = "INIT"
	ActionStatusWaiting   ActionStatus = "WAITING"
	ActionStatusReady     ActionStatus = "READY"
	ActionStatusRunning   ActionStatus = "RUNNING"
	ActionStatusSuspended ActionStatus = "SUSPENDED"
	ActionStatusSucceeded ActionStatus = "SUCCEEDED"
	ActionStatusFailed    ActionStatus = "FAILED"
	ActionStatusCancelled ActionStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether moving from s to next follows the
// action status graph.
func (s ActionStatus) ValidTransition(next ActionStatus) bool {
	switch s {
	case ActionStatusInit:
		return next == ActionStatusWaiting || next == ActionStatusReady ||
			next == ActionStatusCancelled
	case ActionStatusWaiting:
		return next == ActionStatusReady || next == ActionStatusCancelled
	case ActionStatusReady:
		return next == ActionStatusRunning || next == ActionStatusCancelled
	case ActionStatusRunning:
		return next == ActionStatusSucceeded || next == ActionStatusFailed ||
			next == ActionStatusCancelled || next == ActionStatusSuspended
	case ActionStatusSuspended:
		return next == ActionStatusReady || next == ActionStatusCancelled
	}
	return false
}

// ActionCause records why an action was created
type ActionCause string

const (
	CauseRPC     ActionCause = "RPC"
	CauseDerived ActionCause = "DERIVED"
	CauseRetry   ActionCause = "RETRY"
)

// ActionKind identifies the operation an action performs
type ActionKind string

const (
	ClusterCreate       ActionKind = "CLUSTER_CREATE"
	ClusterUpdate       ActionKind = "CLUSTER_UPDATE"
	ClusterDelete       ActionKind = "CLUSTER_DELETE"
	ClusterAddNodes     ActionKind = "CLUSTER_ADD_NODES"
	ClusterDelNodes     ActionKind = "CLUSTER_DEL_NODES"
	ClusterResize       ActionKind = "CLUSTER_RESIZE"
	ClusterScaleIn      ActionKind = "CLUSTER_SCALE_IN"
	ClusterScaleOut     ActionKind = "CLUSTER_SCALE_OUT"
	ClusterAttachPolicy ActionKind = "CLUSTER_ATTACH_POLICY"
	ClusterDetachPolicy ActionKind = "CLUSTER_DETACH_POLICY"
	ClusterUpdatePolicy ActionKind = "CLUSTER_UPDATE_POLICY"
	NodeCreate          ActionKind = "NODE_CREATE"
	NodeUpdate          ActionKind = "NODE_UPDATE"
	NodeDelete          ActionKind = "NODE_DELETE"
	NodeJoin            ActionKind = "NODE_JOIN"
	NodeLeave           ActionKind = "NODE_LEAVE"
)

// ActionKinds is the closed set of valid action kinds.
var ActionKinds = map[ActionKind]bool{
	ClusterCreate:       true,
	ClusterUpdate:       true,
	ClusterDelete:       true,
	ClusterAddNodes:     true,
	ClusterDelNodes:     true,
	ClusterResize:       true,
	ClusterScaleIn:      true,
	ClusterScaleOut:     true,
	ClusterAttachPolicy: true,
	ClusterDetachPolicy: true,
	ClusterUpdatePolicy: true,
	NodeCreate:          true,
	NodeUpdate:          true,
	NodeDelete:          true,
	NodeJoin:            true,
	NodeLeave:           true,
}

// ObjType returns the lower-cased first underscore segment of the kind,
// used to check webhook applicability ("cluster", "node").
func (k ActionKind) ObjType() string {
	s := string(k)
	if i := strings.Index(s, "_"); i > 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

// AdjustmentType selects how a resize number is interpreted
type AdjustmentType string

const (
	ExactCapacity      AdjustmentType = "EXACT_CAPACITY"
	ChangeInCapacity   AdjustmentType = "CHANGE_IN_CAPACITY"
	ChangeInPercentage AdjustmentType = "CHANGE_IN_PERCENTAGE"
)

// AdjustmentTypes is the closed set of valid adjustment types.
var AdjustmentTypes = map[AdjustmentType]bool{
	ExactCapacity:      true,
	ChangeInCapacity:   true,
	ChangeInPercentage: true,
}

// Per-kind action input payloads. The payload type is implied by the
// action kind; unknown fields are ignored on decode.

// UpdateInputs carries CLUSTER_UPDATE and NODE_UPDATE parameters.
type UpdateInputs struct {
	NewProfileID string            `json:"new_profile_id,omitempty"`
	Name         string            `json:"name,omitempty"`
	Role         string            `json:"role,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NodeSetInputs carries CLUSTER_ADD_NODES and CLUSTER_DEL_NODES node
// ID lists.
type NodeSetInputs struct {
	Nodes []string `json:"nodes"`
}

// ResizeInputs carries the normalized CLUSTER_RESIZE request.
type ResizeInputs struct {
	AdjustmentType AdjustmentType `json:"adjustment_type,omitempty"`
	Number         float64        `json:"number,omitempty"`
	MinSize        *int           `json:"min_size,omitempty"`
	MaxSize        *int           `json:"max_size,omitempty"`
	MinStep        int            `json:"min_step,omitempty"`
	Strict         bool           `json:"strict"`
}

// CountInputs carries CLUSTER_SCALE_IN / CLUSTER_SCALE_OUT counts. The
// count is always positive; the action kind gives the direction. A
// missing count means one node.
type CountInputs struct {
	Count int `json:"count"`
}

// BindingInputs carries the CLUSTER_ATTACH_POLICY / _DETACH_POLICY /
// _UPDATE_POLICY binding parameters.
type BindingInputs struct {
	PolicyID string `json:"policy_id"`
	Priority *int   `json:"priority,omitempty"`
	Level    *int   `json:"level,omitempty"`
	Cooldown *int   `json:"cooldown,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

// JoinInputs carries the NODE_JOIN target cluster.
type JoinInputs struct {
	ClusterID string `json:"cluster_id"`
}

// DecodeInputs unmarshals the action's inputs into the given payload
// struct. Actions with no inputs decode into the zero value.
func (a *Action) DecodeInputs(v interface{}) error {
	if len(a.Inputs) == 0 {
		return nil
	}
	return json.Unmarshal(a.Inputs, v)
}

// EncodeInputs marshals a payload for storage on an action.
func EncodeInputs(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}
