/*
Package policy defines the policy plugin contract and the built-in
policy types. A policy attaches to a cluster and intercepts matching
actions before or after their body runs; hook failures before the body
abort the action, failures after it degrade the cluster to WARNING.
*/
package policy

import (
	"context"
	"encoding/json"

	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Phase says whether a hook fires before or after the action body.
type Phase string

const (
	Before Phase = "BEFORE"
	After  Phase = "AFTER"
)

// Target is one (phase, action kind) pair a policy subscribes to.
type Target struct {
	Phase Phase
	Kind  types.ActionKind
}

// Request carries everything a hook needs. Hooks may mutate the
// action's Data and persist node or cluster rows through Store; the
// executor persists the action itself after the hook chain runs.
type Request struct {
	Action  *types.Action
	Cluster *types.Cluster
	Binding *types.ClusterPolicy
	Store   storage.Store
}

// AttachRequest carries the context for attach and detach operations.
type AttachRequest struct {
	PolicyID string
	Cluster  *types.Cluster
	Profile  *types.Profile
	Nodes    []*types.Node
	Binding  *types.ClusterPolicy // nil on attach
	Store    storage.Store
}

// Policy is the behavior contract every policy type implements.
type Policy interface {
	// TypeName returns the versioned type name this instance was
	// registered under.
	TypeName() string

	// DefaultPriority is the binding priority used when the caller
	// does not choose one. Lower runs earlier.
	DefaultPriority() int

	// Targets enumerates the (phase, kind) pairs the policy hooks.
	Targets() []Target

	// Validate checks the spec for structural and semantic errors.
	Validate() error

	// Attach prepares external state for a cluster and returns the
	// data to persist on the binding.
	Attach(ctx context.Context, req *AttachRequest) (map[string]interface{}, error)

	// Detach tears down whatever Attach built.
	Detach(ctx context.Context, req *AttachRequest) error

	// PreOp runs before the action body. A returned error is a policy
	// check failure and aborts the action.
	PreOp(ctx context.Context, req *Request) error

	// PostOp runs after the action body succeeded.
	PostOp(ctx context.Context, req *Request) error
}

// Constructor builds a policy instance from a stored spec.
type Constructor func(name string, spec map[string]interface{}) (Policy, error)

// New instantiates the plugin for a stored policy row.
func New(env *environment.Environment, p *types.Policy) (Policy, error) {
	c, err := env.Policies.Get(p.TypeName())
	if err != nil {
		return nil, err
	}
	ctor, ok := c.(Constructor)
	if !ok {
		return nil, errors.New(errors.KindInternal,
			"policy type %q registered with wrong constructor type", p.TypeName())
	}
	return ctor(p.Name, p.Spec)
}

// Validate instantiates and validates a spec without keeping the
// instance.
func Validate(env *environment.Environment, typeName string, spec map[string]interface{}) error {
	c, err := env.Policies.Get(typeName)
	if err != nil {
		return err
	}
	ctor, ok := c.(Constructor)
	if !ok {
		return errors.New(errors.KindInternal,
			"policy type %q registered with wrong constructor type", typeName)
	}
	p, err := ctor("validate", spec)
	if err != nil {
		return err
	}
	return p.Validate()
}

// decodeSpec unmarshals a generic spec map into a typed spec struct
// via a JSON round trip.
func decodeSpec(spec map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return errors.InvalidSpec("spec is not serializable: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.InvalidSpec("spec does not match schema: %v", err)
	}
	return nil
}

// AppliesTo reports whether the policy hooks the given phase and kind.
func AppliesTo(p Policy, phase Phase, kind types.ActionKind) bool {
	for _, t := range p.Targets() {
		if t.Phase == phase && t.Kind == kind {
			return true
		}
	}
	return false
}
