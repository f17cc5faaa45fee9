package api

import (
	"net/http"
	"time"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/service"
	"github.com/cuemby/corral/pkg/types"
)

type clusterCreateRequest struct {
	Name            string            `json:"name"`
	Profile         string            `json:"profile"`
	DesiredCapacity int               `json:"desired_capacity"`
	MinSize         int               `json:"min_size"`
	MaxSize         *int              `json:"max_size"`
	TimeoutSeconds  int               `json:"timeout"`
	Metadata        map[string]string `json:"metadata"`
}

func (s *Server) handleClusterCreate(w http.ResponseWriter, r *http.Request) {
	var req clusterCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	maxSize := -1
	if req.MaxSize != nil {
		maxSize = *req.MaxSize
	}
	cluster, result, err := s.svc.ClusterCreate(requestContext(r), req.Name, req.Profile,
		req.DesiredCapacity, req.MinSize, maxSize,
		time.Duration(req.TimeoutSeconds)*time.Second, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"cluster": cluster,
		"action":  result.ActionID,
	})
}

func (s *Server) handleClusterGet(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.svc.ClusterGet(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cluster": cluster})
}

func (s *Server) handleClusterList(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.svc.ClusterList(listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": clusters})
}

type clusterUpdateRequest struct {
	Name     string            `json:"name"`
	Profile  string            `json:"profile"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleClusterUpdate(w http.ResponseWriter, r *http.Request) {
	var req clusterUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.ClusterUpdate(requestContext(r), r.PathValue("id"),
		req.Name, req.Metadata, req.Profile)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		// Name/metadata changes apply synchronously.
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action": result.ActionID})
}

func (s *Server) handleClusterDelete(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.ClusterDelete(requestContext(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action": result.ActionID})
}

type countParams struct {
	Count *int `json:"count"`
}

type nodesParams struct {
	Nodes []string `json:"nodes"`
}

type resizeParams struct {
	AdjustmentType *string  `json:"adjustment_type"`
	Number         *float64 `json:"number"`
	MinSize        *int     `json:"min_size"`
	MaxSize        *int     `json:"max_size"`
	MinStep        *int     `json:"min_step"`
	Strict         *bool    `json:"strict"`
}

type bindingParams struct {
	Policy   string `json:"policy"`
	Priority *int   `json:"priority"`
	Level    *int   `json:"level"`
	Cooldown *int   `json:"cooldown"`
	Enabled  *bool  `json:"enabled"`
}

// clusterActionRequest is a one-of: exactly one field may be set.
type clusterActionRequest struct {
	ScaleOut     *countParams   `json:"scale_out"`
	ScaleIn      *countParams   `json:"scale_in"`
	Resize       *resizeParams  `json:"resize"`
	AddNodes     *nodesParams   `json:"add_nodes"`
	DelNodes     *nodesParams   `json:"del_nodes"`
	PolicyAttach *bindingParams `json:"policy_attach"`
	PolicyDetach *bindingParams `json:"policy_detach"`
	PolicyUpdate *bindingParams `json:"policy_update"`
}

func (s *Server) handleClusterAction(w http.ResponseWriter, r *http.Request) {
	var req clusterActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rctx := requestContext(r)
	id := r.PathValue("id")

	var result *service.ActionResult
	var err error
	switch {
	case req.ScaleOut != nil:
		result, err = s.svc.ClusterScaleOut(rctx, id, req.ScaleOut.Count)
	case req.ScaleIn != nil:
		result, err = s.svc.ClusterScaleIn(rctx, id, req.ScaleIn.Count)
	case req.Resize != nil:
		params := service.ResizeParams{
			Number:  req.Resize.Number,
			MinSize: req.Resize.MinSize,
			MaxSize: req.Resize.MaxSize,
			MinStep: req.Resize.MinStep,
			Strict:  req.Resize.Strict,
		}
		if req.Resize.AdjustmentType != nil {
			at := types.AdjustmentType(*req.Resize.AdjustmentType)
			params.AdjustmentType = &at
		}
		result, err = s.svc.ClusterResize(rctx, id, params)
	case req.AddNodes != nil:
		result, err = s.svc.ClusterAddNodes(rctx, id, req.AddNodes.Nodes)
	case req.DelNodes != nil:
		result, err = s.svc.ClusterDelNodes(rctx, id, req.DelNodes.Nodes)
	case req.PolicyAttach != nil:
		p := req.PolicyAttach
		result, err = s.svc.ClusterAttachPolicy(rctx, id, p.Policy,
			p.Priority, p.Level, p.Cooldown, p.Enabled)
	case req.PolicyDetach != nil:
		result, err = s.svc.ClusterDetachPolicy(rctx, id, req.PolicyDetach.Policy)
	case req.PolicyUpdate != nil:
		p := req.PolicyUpdate
		result, err = s.svc.ClusterUpdatePolicy(rctx, id, p.Policy,
			p.Priority, p.Level, p.Cooldown, p.Enabled)
	default:
		err = errors.BadRequest("no recognized action specified")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action": result.ActionID})
}

func (s *Server) handleClusterPolicyList(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.svc.ClusterPolicyList(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cluster_policies": bindings})
}

func (s *Server) handleClusterPolicyGet(w http.ResponseWriter, r *http.Request) {
	binding, err := s.svc.ClusterPolicyGet(r.PathValue("id"), r.PathValue("policy"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cluster_policy": binding})
}

type nodeCreateRequest struct {
	Name     string            `json:"name"`
	Profile  string            `json:"profile"`
	Cluster  string            `json:"cluster"`
	Role     string            `json:"role"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleNodeCreate(w http.ResponseWriter, r *http.Request) {
	var req nodeCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	node, result, err := s.svc.NodeCreate(requestContext(r), req.Name, req.Profile,
		req.Cluster, req.Role, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"node":   node,
		"action": result.ActionID,
	})
}

func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	node, err := s.svc.NodeGet(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"node": node})
}

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	cluster := ""
	if opts.Filters != nil {
		cluster = opts.Filters["cluster"]
		delete(opts.Filters, "cluster")
	}
	nodes, err := s.svc.NodeList(cluster, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

type nodeUpdateRequest struct {
	Name     string            `json:"name"`
	Role     string            `json:"role"`
	Profile  string            `json:"profile"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleNodeUpdate(w http.ResponseWriter, r *http.Request) {
	var req nodeUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.NodeUpdate(requestContext(r), r.PathValue("id"),
		req.Name, req.Role, req.Metadata, req.Profile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action": result.ActionID})
}

func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.NodeDelete(requestContext(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action": result.ActionID})
}

type nodeActionRequest struct {
	Join *struct {
		Cluster string `json:"cluster"`
	} `json:"join"`
	Leave *struct{} `json:"leave"`
}

func (s *Server) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	var req nodeActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rctx := requestContext(r)
	id := r.PathValue("id")

	var result *service.ActionResult
	var err error
	switch {
	case req.Join != nil:
		result, err = s.svc.NodeJoin(rctx, id, req.Join.Cluster)
	case req.Leave != nil:
		result, err = s.svc.NodeLeave(rctx, id)
	default:
		err = errors.BadRequest("no recognized action specified")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action": result.ActionID})
}

type profileCreateRequest struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Spec       map[string]interface{} `json:"spec"`
	Permission string                 `json:"permission"`
	Metadata   map[string]string      `json:"metadata"`
}

func (s *Server) handleProfileCreate(w http.ResponseWriter, r *http.Request) {
	var req profileCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.svc.ProfileCreate(requestContext(r), req.Name, req.Type,
		req.Spec, req.Permission, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"profile": p})
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.ProfileGet(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profile": p})
}

func (s *Server) handleProfileList(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.svc.ProfileList(listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": profiles})
}

type profileUpdateRequest struct {
	Name       string                 `json:"name"`
	Permission string                 `json:"permission"`
	Metadata   map[string]string      `json:"metadata"`
	Spec       map[string]interface{} `json:"spec"`
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	var req profileUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.svc.ProfileUpdate(requestContext(r), r.PathValue("id"),
		req.Name, req.Permission, req.Metadata, req.Spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profile": p})
}

func (s *Server) handleProfileDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ProfileDelete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type policyCreateRequest struct {
	Name            string                 `json:"name"`
	Type            string                 `json:"type"`
	Spec            map[string]interface{} `json:"spec"`
	Level           int                    `json:"level"`
	CooldownSeconds int                    `json:"cooldown"`
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	var req policyCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.svc.PolicyCreate(requestContext(r), req.Name, req.Type,
		req.Spec, req.Level, time.Duration(req.CooldownSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"policy": p})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.PolicyGet(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policy": p})
}

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	policies, err := s.svc.PolicyList(listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": policies})
}

func (s *Server) handlePolicyUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.svc.PolicyUpdate(r.PathValue("id"), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policy": p})
}

func (s *Server) handlePolicyDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.PolicyDelete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type webhookCreateRequest struct {
	Name    string                 `json:"name"`
	ObjType string                 `json:"obj_type"`
	ObjID   string                 `json:"obj_id"`
	Action  string                 `json:"action"`
	Params  map[string]interface{} `json:"params"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req webhookCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	hook, err := s.svc.WebhookCreate(requestContext(r), req.Name, req.ObjType,
		req.ObjID, types.ActionKind(req.Action), req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"webhook": hook})
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	hook, err := s.svc.WebhookGet(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhook": hook})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.svc.WebhookList(listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": hooks})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.WebhookDelete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	params := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &params); err != nil {
			writeError(w, err)
			return
		}
	}
	result, err := s.svc.WebhookTrigger(r.PathValue("id"), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action": result.ActionID})
}

type triggerCreateRequest struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Spec        map[string]interface{} `json:"spec"`
	Description string                 `json:"description"`
	Severity    string                 `json:"severity"`
	Enabled     *bool                  `json:"enabled"`
}

func (s *Server) handleTriggerCreate(w http.ResponseWriter, r *http.Request) {
	var req triggerCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	tr, err := s.svc.TriggerCreate(requestContext(r), req.Name, req.Type,
		req.Spec, req.Description, req.Severity, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"trigger": tr})
}

func (s *Server) handleTriggerGet(w http.ResponseWriter, r *http.Request) {
	tr, err := s.svc.TriggerGet(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trigger": tr})
}

func (s *Server) handleTriggerList(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.svc.TriggerList(listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"triggers": triggers})
}

func (s *Server) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     *bool  `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tr, err := s.svc.TriggerUpdate(r.PathValue("id"), req.Name, req.Description, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trigger": tr})
}

func (s *Server) handleTriggerDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TriggerDelete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleActionGet(w http.ResponseWriter, r *http.Request) {
	action, err := s.svc.ActionGet(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"action": action})
}

func (s *Server) handleActionList(w http.ResponseWriter, r *http.Request) {
	actions, err := s.svc.ActionList(listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (s *Server) handleActionCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ActionCancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleEventGet(w http.ResponseWriter, r *http.Request) {
	event, err := s.svc.EventGet(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event": event})
}

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.EventList(listOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
