package service

import (
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
	"github.com/cuemby/corral/pkg/webhook"
)

// WebhookCreate persists a webhook firing the given action kind on a
// target object. Only the target's owner or an admin may create one;
// the creator's credential is sealed onto the row so triggers run with
// the creator's identity.
func (s *Service) WebhookCreate(rctx *types.RequestContext, name, objType, objIdentity string,
	kind types.ActionKind, params map[string]interface{}) (*types.Webhook, error) {

	if name == "" {
		return nil, errors.InvalidParameter("name", name)
	}
	objType = strings.ToLower(objType)
	if !validWebhookObjType(objType) {
		return nil, errors.BadRequest(
			"Webhook obj_type %q is not supported", objType)
	}
	if !types.ActionKinds[kind] {
		return nil, errors.InvalidParameter("action", kind)
	}
	if kind.ObjType() != objType {
		return nil, errors.BadRequest(
			"Action %s is not applicable to object of type %s", kind, objType)
	}

	objID, owner, err := s.resolveWebhookTarget(objType, objIdentity)
	if err != nil {
		return nil, err
	}
	if rctx == nil || (!rctx.IsAdmin && rctx.User != owner) {
		return nil, errors.Forbidden()
	}
	if s.codec == nil {
		return nil, errors.New(errors.KindInternal, "webhook credential codec not configured")
	}
	sealed, err := s.codec.Encrypt(&webhook.Credential{
		User:    rctx.User,
		Project: rctx.Project,
		Domain:  rctx.Domain,
		Trusts:  rctx.Trusts,
	})
	if err != nil {
		return nil, errors.Internal(err, "failed to encrypt webhook credential")
	}

	w := &types.Webhook{
		ID:         uuid.New().String(),
		Name:       name,
		ObjID:      objID,
		ObjType:    objType,
		ActionKind: kind,
		Credential: sealed,
		Params:     params,
		User:       rctx.User,
		Project:    rctx.Project,
		Domain:     rctx.Domain,
	}
	if err := s.store.CreateWebhook(w); err != nil {
		return nil, err
	}
	return w, nil
}

// WebhookGet resolves one webhook.
func (s *Service) WebhookGet(identity string) (*types.Webhook, error) {
	return s.findWebhook(identity)
}

// WebhookList lists webhooks.
func (s *Service) WebhookList(opts storage.ListOptions) ([]*types.Webhook, error) {
	return s.store.ListWebhooks(opts)
}

// WebhookDelete removes a webhook.
func (s *Service) WebhookDelete(identity string) error {
	w, err := s.findWebhook(identity)
	if err != nil {
		return err
	}
	return s.store.DeleteWebhook(w.ID)
}

// WebhookTrigger fires a webhook's action with the creator's stored
// identity. Params given at trigger time override the params recorded
// at creation.
func (s *Service) WebhookTrigger(identity string,
	params map[string]interface{}) (*ActionResult, error) {

	w, err := s.findWebhook(identity)
	if err != nil {
		return nil, err
	}

	// The target must still exist.
	if _, _, err := s.resolveWebhookTarget(w.ObjType, w.ObjID); err != nil {
		return nil, err
	}
	if s.codec == nil {
		return nil, errors.New(errors.KindInternal, "webhook credential codec not configured")
	}
	cred, err := s.codec.Decrypt(w.Credential)
	if err != nil {
		return nil, errors.Internal(err, "failed to decrypt webhook credential")
	}
	rctx := &types.RequestContext{
		User:    cred.User,
		Project: cred.Project,
		Domain:  cred.Domain,
		Trusts:  cred.Trusts,
	}

	merged := make(map[string]interface{}, len(w.Params)+len(params))
	for k, v := range w.Params {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	var inputs interface{}
	if len(merged) > 0 {
		inputs = merged
	}
	return s.newAction(rctx, w.ActionKind, w.ObjID, w.ObjID, inputs, 0)
}

func validWebhookObjType(objType string) bool {
	for _, t := range types.WebhookObjTypes {
		if t == objType {
			return true
		}
	}
	return false
}

// resolveWebhookTarget resolves a webhook target to its ID and owner.
func (s *Service) resolveWebhookTarget(objType, identity string) (id, owner string, err error) {
	switch objType {
	case "cluster":
		c, err := s.findCluster(identity)
		if err != nil {
			return "", "", err
		}
		return c.ID, c.User, nil
	case "node":
		n, err := s.findNode(identity)
		if err != nil {
			return "", "", err
		}
		return n.ID, n.User, nil
	case "policy":
		p, err := s.findPolicy(identity)
		if err != nil {
			return "", "", err
		}
		return p.ID, p.User, nil
	default:
		return "", "", errors.BadRequest("Webhook obj_type %q is not supported", objType)
	}
}
