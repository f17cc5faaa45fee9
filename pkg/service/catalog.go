package service

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/policy"
	"github.com/cuemby/corral/pkg/profile"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// splitTypeName splits "type@version" into its parts.
func splitTypeName(typeName string) (string, string, error) {
	i := strings.LastIndex(typeName, "@")
	if i <= 0 || i == len(typeName)-1 {
		return "", "", errors.BadRequest(
			"Type name %q is not of the form <type>@<version>", typeName)
	}
	return typeName[:i], typeName[i+1:], nil
}

// ProfileCreate validates the spec against the registered profile type
// and persists a new profile.
func (s *Service) ProfileCreate(rctx *types.RequestContext, name, typeName string,
	spec map[string]interface{}, permission string, metadata map[string]string) (*types.Profile, error) {

	if name == "" {
		return nil, errors.InvalidParameter("name", name)
	}
	ptype, version, err := splitTypeName(typeName)
	if err != nil {
		return nil, err
	}
	if !s.env.Profiles.IsRegistered(typeName) {
		return nil, errors.NotFound("profile_type", typeName)
	}
	if err := profile.Validate(s.env, typeName, spec); err != nil {
		return nil, err
	}

	p := &types.Profile{
		ID:         uuid.New().String(),
		Name:       name,
		Type:       ptype,
		Version:    version,
		Spec:       spec,
		Permission: permission,
		Metadata:   metadata,
	}
	if rctx != nil {
		p.User = rctx.User
		p.Project = rctx.Project
		p.Domain = rctx.Domain
	}
	if err := s.store.CreateProfile(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ProfileGet resolves one profile.
func (s *Service) ProfileGet(identity string) (*types.Profile, error) {
	return s.findProfile(identity)
}

// ProfileList lists profiles.
func (s *Service) ProfileList(opts storage.ListOptions) ([]*types.Profile, error) {
	return s.store.ListProfiles(opts)
}

// ProfileUpdate changes the mutable properties of a profile. The spec
// is immutable: updating with a new spec validates it and creates a
// fresh profile row, leaving the original untouched.
func (s *Service) ProfileUpdate(rctx *types.RequestContext, identity, name, permission string,
	metadata map[string]string, newSpec map[string]interface{}) (*types.Profile, error) {

	p, err := s.findProfile(identity)
	if err != nil {
		return nil, err
	}

	if newSpec != nil {
		if err := profile.Validate(s.env, p.TypeName(), newSpec); err != nil {
			return nil, err
		}
		replacement := &types.Profile{
			ID:         uuid.New().String(),
			Name:       p.Name,
			Type:       p.Type,
			Version:    p.Version,
			Spec:       newSpec,
			Permission: p.Permission,
			Metadata:   p.Metadata,
		}
		if name != "" {
			replacement.Name = name
		}
		if permission != "" {
			replacement.Permission = permission
		}
		if metadata != nil {
			replacement.Metadata = metadata
		}
		if rctx != nil {
			replacement.User = rctx.User
			replacement.Project = rctx.Project
			replacement.Domain = rctx.Domain
		}
		if err := s.store.CreateProfile(replacement); err != nil {
			return nil, err
		}
		return replacement, nil
	}

	if name != "" {
		p.Name = name
	}
	if permission != "" {
		p.Permission = permission
	}
	if metadata != nil {
		p.Metadata = metadata
	}
	if err := s.store.UpdateProfile(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ProfileDelete removes a profile that no live cluster or node uses.
func (s *Service) ProfileDelete(identity string) error {
	p, err := s.findProfile(identity)
	if err != nil {
		return err
	}

	clusters, err := s.store.ListClusters(storage.ListOptions{})
	if err != nil {
		return err
	}
	for _, c := range clusters {
		if c.ProfileID == p.ID {
			return errors.ResourceInUse("profile", p.ID)
		}
	}
	nodes, err := s.store.ListNodes(storage.ListOptions{})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.ProfileID == p.ID {
			return errors.ResourceInUse("profile", p.ID)
		}
	}
	return s.store.DeleteProfile(p.ID)
}

// PolicyCreate validates the spec against the registered policy type
// and persists a new policy.
func (s *Service) PolicyCreate(rctx *types.RequestContext, name, typeName string,
	spec map[string]interface{}, level int, cooldown time.Duration) (*types.Policy, error) {

	if name == "" {
		return nil, errors.InvalidParameter("name", name)
	}
	ptype, version, err := splitTypeName(typeName)
	if err != nil {
		return nil, err
	}
	if !s.env.Policies.IsRegistered(typeName) {
		return nil, errors.NotFound("policy_type", typeName)
	}
	if err := policy.Validate(s.env, typeName, spec); err != nil {
		return nil, err
	}
	if level < 0 || level > 100 {
		return nil, errors.InvalidParameter("level", level)
	}
	if level == 0 {
		level = types.PolicyLevelShould
	}

	p := &types.Policy{
		ID:       uuid.New().String(),
		Name:     name,
		Type:     ptype,
		Version:  version,
		Spec:     spec,
		Level:    level,
		Cooldown: cooldown,
	}
	if rctx != nil {
		p.User = rctx.User
		p.Project = rctx.Project
		p.Domain = rctx.Domain
	}
	if err := s.store.CreatePolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}

// PolicyGet resolves one policy.
func (s *Service) PolicyGet(identity string) (*types.Policy, error) {
	return s.findPolicy(identity)
}

// PolicyList lists policies.
func (s *Service) PolicyList(opts storage.ListOptions) ([]*types.Policy, error) {
	return s.store.ListPolicies(opts)
}

// PolicyUpdate renames a policy. The spec, level and cooldown are
// fixed at creation; bindings carry their own overrides.
func (s *Service) PolicyUpdate(identity, name string) (*types.Policy, error) {
	p, err := s.findPolicy(identity)
	if err != nil {
		return nil, err
	}
	if name != "" {
		p.Name = name
	}
	if err := s.store.UpdatePolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}

// PolicyDelete removes a policy that is not attached to any cluster.
func (s *Service) PolicyDelete(identity string) error {
	p, err := s.findPolicy(identity)
	if err != nil {
		return err
	}

	clusters, err := s.store.ListClusters(storage.ListOptions{})
	if err != nil {
		return err
	}
	for _, c := range clusters {
		bindings, err := s.store.ListBindings(c.ID)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			if b.PolicyID == p.ID {
				return errors.ResourceInUse("policy", p.ID)
			}
		}
	}
	return s.store.DeletePolicy(p.ID)
}

// TriggerValidator checks a trigger spec; one is registered per
// trigger type.
type TriggerValidator func(spec map[string]interface{}) error

// TriggerCreate validates the spec against the registered trigger type
// and persists a new trigger.
func (s *Service) TriggerCreate(rctx *types.RequestContext, name, typeName string,
	spec map[string]interface{}, description, severity string, enabled bool) (*types.Trigger, error) {

	if name == "" {
		return nil, errors.InvalidParameter("name", name)
	}
	ttype, version, err := splitTypeName(typeName)
	if err != nil {
		return nil, err
	}
	v, err := s.env.Triggers.Get(typeName)
	if err != nil {
		return nil, err
	}
	if validate, ok := v.(TriggerValidator); ok {
		if err := validate(spec); err != nil {
			return nil, err
		}
	}

	tr := &types.Trigger{
		ID:          uuid.New().String(),
		Name:        name,
		Type:        ttype,
		Version:     version,
		Spec:        spec,
		Description: description,
		Enabled:     enabled,
		State:       "ok",
		Severity:    severity,
	}
	if tr.Severity == "" {
		tr.Severity = "low"
	}
	if rctx != nil {
		tr.User = rctx.User
		tr.Project = rctx.Project
		tr.Domain = rctx.Domain
	}
	if err := s.store.CreateTrigger(tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// TriggerGet resolves one trigger.
func (s *Service) TriggerGet(identity string) (*types.Trigger, error) {
	return s.findTrigger(identity)
}

// TriggerList lists triggers.
func (s *Service) TriggerList(opts storage.ListOptions) ([]*types.Trigger, error) {
	return s.store.ListTriggers(opts)
}

// TriggerUpdate changes the mutable properties of a trigger.
func (s *Service) TriggerUpdate(identity, name, description string,
	enabled *bool) (*types.Trigger, error) {

	tr, err := s.findTrigger(identity)
	if err != nil {
		return nil, err
	}
	if name != "" {
		tr.Name = name
	}
	if description != "" {
		tr.Description = description
	}
	if enabled != nil {
		tr.Enabled = *enabled
	}
	if err := s.store.UpdateTrigger(tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// TriggerDelete removes a trigger.
func (s *Service) TriggerDelete(identity string) error {
	tr, err := s.findTrigger(identity)
	if err != nil {
		return err
	}
	return s.store.DeleteTrigger(tr.ID)
}
