/*
Package service is the front door of the engine. It validates and
resolves client requests, persists new entities and enqueues actions
for the dispatcher; it never mutates physical resources itself.

Entities are resolved from a name, a full UUID or an unambiguous ID
prefix. Mutating operations return an ActionResult carrying the ID of
the queued action so callers can track completion.
*/
package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/config"
	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
	"github.com/cuemby/corral/pkg/webhook"
)

// ActionResult identifies the action queued for an asynchronous
// operation.
type ActionResult struct {
	ActionID string
}

// Service exposes the engine API.
type Service struct {
	store  storage.Store
	env    *environment.Environment
	cfg    *config.Config
	codec  *webhook.Codec
	notify func()
}

// New creates a service. notify wakes the dispatcher after actions are
// queued and may be nil.
func New(store storage.Store, env *environment.Environment, cfg *config.Config,
	codec *webhook.Codec, notify func()) *Service {
	return &Service{
		store:  store,
		env:    env,
		cfg:    cfg,
		codec:  codec,
		notify: notify,
	}
}

func (s *Service) wake() {
	if s.notify != nil {
		s.notify()
	}
}

// newAction queues one READY action on behalf of the caller.
func (s *Service) newAction(rctx *types.RequestContext, kind types.ActionKind,
	target, targetID string, inputs interface{}, timeout time.Duration) (*ActionResult, error) {

	var raw []byte
	if inputs != nil {
		var err error
		raw, err = types.EncodeInputs(inputs)
		if err != nil {
			return nil, errors.Internal(err, "failed to encode action inputs")
		}
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultActionTimeout
	}

	action := &types.Action{
		ID:      uuid.New().String(),
		Name:    fmt.Sprintf("%s_%.8s", kindSlug(kind), targetID),
		Target:  target,
		Kind:    kind,
		Cause:   types.CauseRPC,
		Inputs:  raw,
		Status:  types.ActionStatusReady,
		Timeout: timeout,
	}
	if rctx != nil {
		action.User = rctx.User
		action.Project = rctx.Project
		action.Domain = rctx.Domain
	}
	if err := s.store.CreateAction(action); err != nil {
		return nil, err
	}
	s.wake()
	return &ActionResult{ActionID: action.ID}, nil
}

func kindSlug(kind types.ActionKind) string {
	out := make([]byte, len(kind))
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// isUUID reports whether identity parses as a UUID.
func isUUID(identity string) bool {
	_, err := uuid.Parse(identity)
	return err == nil
}

// Entity resolution: a UUID-looking identity is tried as an ID first,
// then as a name; anything else as a name first, then as an ID prefix.

func (s *Service) findCluster(identity string) (*types.Cluster, error) {
	if isUUID(identity) {
		c, err := s.store.GetCluster(identity)
		if err == nil {
			return c, nil
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		return s.store.GetClusterByName(identity)
	}
	c, err := s.store.GetClusterByName(identity)
	if err == nil {
		return c, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	return s.store.GetClusterByShortID(identity)
}

func (s *Service) findNode(identity string) (*types.Node, error) {
	if isUUID(identity) {
		n, err := s.store.GetNode(identity)
		if err == nil {
			return n, nil
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		return s.store.GetNodeByName(identity)
	}
	n, err := s.store.GetNodeByName(identity)
	if err == nil {
		return n, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	return s.store.GetNodeByShortID(identity)
}

func (s *Service) findProfile(identity string) (*types.Profile, error) {
	if isUUID(identity) {
		p, err := s.store.GetProfile(identity)
		if err == nil {
			return p, nil
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		return s.store.GetProfileByName(identity)
	}
	p, err := s.store.GetProfileByName(identity)
	if err == nil {
		return p, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	return s.store.GetProfileByShortID(identity)
}

func (s *Service) findPolicy(identity string) (*types.Policy, error) {
	if isUUID(identity) {
		p, err := s.store.GetPolicy(identity)
		if err == nil {
			return p, nil
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		return s.store.GetPolicyByName(identity)
	}
	p, err := s.store.GetPolicyByName(identity)
	if err == nil {
		return p, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	return s.store.GetPolicyByShortID(identity)
}

func (s *Service) findWebhook(identity string) (*types.Webhook, error) {
	if isUUID(identity) {
		w, err := s.store.GetWebhook(identity)
		if err == nil {
			return w, nil
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		return s.store.GetWebhookByName(identity)
	}
	w, err := s.store.GetWebhookByName(identity)
	if err == nil {
		return w, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	return s.store.GetWebhookByShortID(identity)
}

func (s *Service) findTrigger(identity string) (*types.Trigger, error) {
	if isUUID(identity) {
		tr, err := s.store.GetTrigger(identity)
		if err == nil {
			return tr, nil
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		return s.store.GetTriggerByName(identity)
	}
	tr, err := s.store.GetTriggerByName(identity)
	if err == nil {
		return tr, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	return s.store.GetTriggerByShortID(identity)
}

func (s *Service) findAction(identity string) (*types.Action, error) {
	if isUUID(identity) {
		a, err := s.store.GetAction(identity)
		if err == nil {
			return a, nil
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		return s.store.GetActionByName(identity)
	}
	a, err := s.store.GetActionByName(identity)
	if err == nil {
		return a, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	return s.store.GetActionByShortID(identity)
}

// ActionGet resolves one action.
func (s *Service) ActionGet(identity string) (*types.Action, error) {
	return s.findAction(identity)
}

// ActionList lists actions.
func (s *Service) ActionList(opts storage.ListOptions) ([]*types.Action, error) {
	return s.store.ListActions(opts)
}

// ActionCancel requests cancellation of an action.
func (s *Service) ActionCancel(identity string) error {
	action, err := s.findAction(identity)
	if err != nil {
		return err
	}
	return s.store.CancelAction(action.ID)
}

// EventGet resolves one event by ID or ID prefix.
func (s *Service) EventGet(identity string) (*types.Event, error) {
	if isUUID(identity) {
		return s.store.GetEvent(identity)
	}
	return s.store.GetEventByShortID(identity)
}

// EventList lists events.
func (s *Service) EventList(opts storage.ListOptions) ([]*types.Event, error) {
	return s.store.ListEvents(opts)
}
