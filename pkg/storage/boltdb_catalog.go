package storage

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Profile operations

func (s *BoltStore) CreateProfile(profile *types.Profile) error {
	now := time.Now()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketProfiles), profile.ID, profile)
	})
}

func (s *BoltStore) GetProfile(id string) (*types.Profile, error) {
	var profile types.Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getLive(tx.Bucket(bucketProfiles), "profile", id)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &profile)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *BoltStore) GetProfileByName(name string) (*types.Profile, error) {
	var profile types.Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByName(tx.Bucket(bucketProfiles), "profile", name)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &profile)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *BoltStore) GetProfileByShortID(prefix string) (*types.Profile, error) {
	var profile types.Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByShortID(tx.Bucket(bucketProfiles), "profile", prefix)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &profile)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *BoltStore) ListProfiles(opts ListOptions) ([]*types.Profile, error) {
	var profiles []*types.Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			var profile types.Profile
			if err := json.Unmarshal(v, &profile); err != nil {
				return err
			}
			profiles = append(profiles, &profile)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyListOptions(opts, profiles, func(p *types.Profile) rowMeta {
		return rowMeta{
			id:        p.ID,
			name:      p.Name,
			project:   p.Project,
			createdAt: p.CreatedAt,
			deletedAt: p.DeletedAt,
			fields: map[string]string{
				"name": p.Name,
				"type": p.Type,
			},
		}
	}), nil
}

func (s *BoltStore) UpdateProfile(profile *types.Profile) error {
	profile.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		if _, err := getLive(b, "profile", profile.ID); err != nil {
			return err
		}
		return putJSON(b, profile.ID, profile)
	})
}

func (s *BoltStore) DeleteProfile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		v, err := getLive(b, "profile", id)
		if err != nil {
			return err
		}
		var profile types.Profile
		if err := json.Unmarshal(v, &profile); err != nil {
			return err
		}
		profile.DeletedAt = time.Now()
		return putJSON(b, id, &profile)
	})
}

// Policy operations

func (s *BoltStore) CreatePolicy(policy *types.Policy) error {
	now := time.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPolicies), policy.ID, policy)
	})
}

func (s *BoltStore) GetPolicy(id string) (*types.Policy, error) {
	var policy types.Policy
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getLive(tx.Bucket(bucketPolicies), "policy", id)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) GetPolicyByName(name string) (*types.Policy, error) {
	var policy types.Policy
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByName(tx.Bucket(bucketPolicies), "policy", name)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) GetPolicyByShortID(prefix string) (*types.Policy, error) {
	var policy types.Policy
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByShortID(tx.Bucket(bucketPolicies), "policy", prefix)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) ListPolicies(opts ListOptions) ([]*types.Policy, error) {
	var policies []*types.Policy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var policy types.Policy
			if err := json.Unmarshal(v, &policy); err != nil {
				return err
			}
			policies = append(policies, &policy)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyListOptions(opts, policies, func(p *types.Policy) rowMeta {
		return rowMeta{
			id:        p.ID,
			name:      p.Name,
			project:   p.Project,
			createdAt: p.CreatedAt,
			deletedAt: p.DeletedAt,
			fields: map[string]string{
				"name": p.Name,
				"type": p.Type,
			},
		}
	}), nil
}

func (s *BoltStore) UpdatePolicy(policy *types.Policy) error {
	policy.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		if _, err := getLive(b, "policy", policy.ID); err != nil {
			return err
		}
		return putJSON(b, policy.ID, policy)
	})
}

func (s *BoltStore) DeletePolicy(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		v, err := getLive(b, "policy", id)
		if err != nil {
			return err
		}
		var policy types.Policy
		if err := json.Unmarshal(v, &policy); err != nil {
			return err
		}
		policy.DeletedAt = time.Now()
		return putJSON(b, id, &policy)
	})
}

// Cluster-policy binding operations. Bindings are keyed by
// clusterID/policyID and hard-deleted on detach.

func bindingKey(clusterID, policyID string) string {
	return clusterID + "/" + policyID
}

func (s *BoltStore) CreateBinding(binding *types.ClusterPolicy) error {
	now := time.Now()
	binding.CreatedAt = now
	binding.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketBindings),
			bindingKey(binding.ClusterID, binding.PolicyID), binding)
	})
}

func (s *BoltStore) GetBinding(clusterID, policyID string) (*types.ClusterPolicy, error) {
	var binding types.ClusterPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBindings).Get([]byte(bindingKey(clusterID, policyID)))
		if v == nil {
			return errors.PolicyBindingNotFound(policyID, clusterID)
		}
		return json.Unmarshal(v, &binding)
	})
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *BoltStore) ListBindings(clusterID string) ([]*types.ClusterPolicy, error) {
	var bindings []*types.ClusterPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).ForEach(func(k, v []byte) error {
			var binding types.ClusterPolicy
			if err := json.Unmarshal(v, &binding); err != nil {
				return err
			}
			if binding.ClusterID == clusterID {
				bindings = append(bindings, &binding)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bindings, func(i, j int) bool {
		if bindings[i].Priority != bindings[j].Priority {
			return bindings[i].Priority < bindings[j].Priority
		}
		return bindings[i].CreatedAt.Before(bindings[j].CreatedAt)
	})
	return bindings, nil
}

func (s *BoltStore) UpdateBinding(binding *types.ClusterPolicy) error {
	binding.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		key := bindingKey(binding.ClusterID, binding.PolicyID)
		if b.Get([]byte(key)) == nil {
			return errors.PolicyBindingNotFound(binding.PolicyID, binding.ClusterID)
		}
		return putJSON(b, key, binding)
	})
}

func (s *BoltStore) DeleteBinding(clusterID, policyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBindings)
		key := bindingKey(clusterID, policyID)
		if b.Get([]byte(key)) == nil {
			return errors.PolicyBindingNotFound(policyID, clusterID)
		}
		return b.Delete([]byte(key))
	})
}

// Event operations. Events are append-only; there is no update or
// delete path.

func (s *BoltStore) CreateEvent(event *types.Event) error {
	event.CreatedAt = time.Now()
	if event.Timestamp.IsZero() {
		event.Timestamp = event.CreatedAt
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketEvents), event.ID, event)
	})
}

func (s *BoltStore) GetEvent(id string) (*types.Event, error) {
	var event types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getLive(tx.Bucket(bucketEvents), "event", id)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &event)
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *BoltStore) GetEventByShortID(prefix string) (*types.Event, error) {
	var event types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByShortID(tx.Bucket(bucketEvents), "event", prefix)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &event)
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *BoltStore) ListEvents(opts ListOptions) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyListOptions(opts, events, func(e *types.Event) rowMeta {
		return rowMeta{
			id:        e.ID,
			name:      e.ObjName,
			project:   e.Project,
			createdAt: e.CreatedAt,
			deletedAt: e.DeletedAt,
			fields: map[string]string{
				"obj_id":   e.ObjID,
				"obj_type": e.ObjType,
				"obj_name": e.ObjName,
				"action":   e.Action,
				"level":    string(e.Level),
			},
		}
	}), nil
}

// Webhook operations

func (s *BoltStore) CreateWebhook(webhook *types.Webhook) error {
	now := time.Now()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketWebhooks), webhook.ID, webhook)
	})
}

func (s *BoltStore) GetWebhook(id string) (*types.Webhook, error) {
	var webhook types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getLive(tx.Bucket(bucketWebhooks), "webhook", id)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &webhook)
	})
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (s *BoltStore) GetWebhookByName(name string) (*types.Webhook, error) {
	var webhook types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByName(tx.Bucket(bucketWebhooks), "webhook", name)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &webhook)
	})
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (s *BoltStore) GetWebhookByShortID(prefix string) (*types.Webhook, error) {
	var webhook types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByShortID(tx.Bucket(bucketWebhooks), "webhook", prefix)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &webhook)
	})
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (s *BoltStore) ListWebhooks(opts ListOptions) ([]*types.Webhook, error) {
	var webhooks []*types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhooks).ForEach(func(k, v []byte) error {
			var webhook types.Webhook
			if err := json.Unmarshal(v, &webhook); err != nil {
				return err
			}
			webhooks = append(webhooks, &webhook)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyListOptions(opts, webhooks, func(w *types.Webhook) rowMeta {
		return rowMeta{
			id:        w.ID,
			name:      w.Name,
			project:   w.Project,
			createdAt: w.CreatedAt,
			deletedAt: w.DeletedAt,
			fields: map[string]string{
				"name":     w.Name,
				"obj_id":   w.ObjID,
				"obj_type": w.ObjType,
			},
		}
	}), nil
}

func (s *BoltStore) DeleteWebhook(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebhooks)
		v, err := getLive(b, "webhook", id)
		if err != nil {
			return err
		}
		var webhook types.Webhook
		if err := json.Unmarshal(v, &webhook); err != nil {
			return err
		}
		webhook.DeletedAt = time.Now()
		return putJSON(b, id, &webhook)
	})
}

// Trigger operations

func (s *BoltStore) CreateTrigger(trigger *types.Trigger) error {
	now := time.Now()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTriggers), trigger.ID, trigger)
	})
}

func (s *BoltStore) GetTrigger(id string) (*types.Trigger, error) {
	var trigger types.Trigger
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getLive(tx.Bucket(bucketTriggers), "trigger", id)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &trigger)
	})
	if err != nil {
		return nil, err
	}
	return &trigger, nil
}

func (s *BoltStore) GetTriggerByName(name string) (*types.Trigger, error) {
	var trigger types.Trigger
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByName(tx.Bucket(bucketTriggers), "trigger", name)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &trigger)
	})
	if err != nil {
		return nil, err
	}
	return &trigger, nil
}

func (s *BoltStore) GetTriggerByShortID(prefix string) (*types.Trigger, error) {
	var trigger types.Trigger
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := findByShortID(tx.Bucket(bucketTriggers), "trigger", prefix)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &trigger)
	})
	if err != nil {
		return nil, err
	}
	return &trigger, nil
}

func (s *BoltStore) ListTriggers(opts ListOptions) ([]*types.Trigger, error) {
	var triggers []*types.Trigger
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTriggers).ForEach(func(k, v []byte) error {
			var trigger types.Trigger
			if err := json.Unmarshal(v, &trigger); err != nil {
				return err
			}
			triggers = append(triggers, &trigger)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyListOptions(opts, triggers, func(t *types.Trigger) rowMeta {
		return rowMeta{
			id:        t.ID,
			name:      t.Name,
			project:   t.Project,
			createdAt: t.CreatedAt,
			deletedAt: t.DeletedAt,
			fields: map[string]string{
				"name":     t.Name,
				"type":     t.Type,
				"state":    t.State,
				"severity": t.Severity,
			},
		}
	}), nil
}

func (s *BoltStore) UpdateTrigger(trigger *types.Trigger) error {
	trigger.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTriggers)
		if _, err := getLive(b, "trigger", trigger.ID); err != nil {
			return err
		}
		return putJSON(b, trigger.ID, trigger)
	})
}

func (s *BoltStore) DeleteTrigger(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTriggers)
		v, err := getLive(b, "trigger", id)
		if err != nil {
			return err
		}
		var trigger types.Trigger
		if err := json.Unmarshal(v, &trigger); err != nil {
			return err
		}
		trigger.DeletedAt = time.Now()
		return putJSON(b, id, &trigger)
	})
}
