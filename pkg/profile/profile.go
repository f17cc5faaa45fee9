/*
Package profile defines the profile plugin contract. A profile is a
versioned spec describing how to materialize a node of a given type;
the engine drives nodes exclusively through this interface and never
touches a backend API directly.

Profile types are registered in an environment.Registry under their
versioned name (for example "corral.profile.container@1.0") and
instantiated per node operation from the stored spec.
*/
package profile

import (
	"context"
	"encoding/json"

	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
)

// Profile is the behavior contract every profile type implements.
type Profile interface {
	// TypeName returns the versioned type name this instance was
	// registered under.
	TypeName() string

	// Validate checks the spec for structural and semantic errors.
	Validate() error

	// CreateObject provisions the physical resource for a node and
	// returns its driver-assigned ID.
	CreateObject(ctx context.Context, node *types.Node) (string, error)

	// DeleteObject tears down the node's physical resource. Deleting a
	// node with no physical ID is a no-op.
	DeleteObject(ctx context.Context, node *types.Node) error

	// UpdateObject reconciles the node's physical resource to a new
	// spec in place, where the backend supports it.
	UpdateObject(ctx context.Context, node *types.Node, newSpec map[string]interface{}) error
}

// Constructor builds a profile instance from a stored spec.
type Constructor func(name string, spec map[string]interface{}) (Profile, error)

// New instantiates the plugin for a stored profile row.
func New(env *environment.Environment, p *types.Profile) (Profile, error) {
	c, err := env.Profiles.Get(p.TypeName())
	if err != nil {
		return nil, err
	}
	ctor, ok := c.(Constructor)
	if !ok {
		return nil, errors.New(errors.KindInternal,
			"profile type %q registered with wrong constructor type", p.TypeName())
	}
	return ctor(p.Name, p.Spec)
}

// Validate instantiates and validates a spec without keeping the
// instance; used by the create and validate operations.
func Validate(env *environment.Environment, typeName string, spec map[string]interface{}) error {
	c, err := env.Profiles.Get(typeName)
	if err != nil {
		return err
	}
	ctor, ok := c.(Constructor)
	if !ok {
		return errors.New(errors.KindInternal,
			"profile type %q registered with wrong constructor type", typeName)
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
