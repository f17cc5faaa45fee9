/*
Package api exposes the service façade over HTTP. The surface follows
the one-URL-per-entity convention with entity actions posted to an
/actions subresource; webhooks are triggered by their opaque URL with
no further authentication.

Caller identity is read from the X-Auth-User, X-Auth-Project and
X-Auth-Domain headers; an upstream gateway is expected to have
authenticated them.
*/
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/service"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Server serves the engine API.
type Server struct {
	svc  *service.Service
	http *http.Server
}

// NewServer creates a server for the given service.
func NewServer(svc *service.Service) *Server {
	s := &Server{svc: svc}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /v1/clusters", s.handleClusterList)
	mux.HandleFunc("POST /v1/clusters", s.handleClusterCreate)
	mux.HandleFunc("GET /v1/clusters/{id}", s.handleClusterGet)
	mux.HandleFunc("PATCH /v1/clusters/{id}", s.handleClusterUpdate)
	mux.HandleFunc("DELETE /v1/clusters/{id}", s.handleClusterDelete)
	mux.HandleFunc("POST /v1/clusters/{id}/actions", s.handleClusterAction)
	mux.HandleFunc("GET /v1/clusters/{id}/policies", s.handleClusterPolicyList)
	mux.HandleFunc("GET /v1/clusters/{id}/policies/{policy}", s.handleClusterPolicyGet)

	mux.HandleFunc("GET /v1/nodes", s.handleNodeList)
	mux.HandleFunc("POST /v1/nodes", s.handleNodeCreate)
	mux.HandleFunc("GET /v1/nodes/{id}", s.handleNodeGet)
	mux.HandleFunc("PATCH /v1/nodes/{id}", s.handleNodeUpdate)
	mux.HandleFunc("DELETE /v1/nodes/{id}", s.handleNodeDelete)
	mux.HandleFunc("POST /v1/nodes/{id}/actions", s.handleNodeAction)

	mux.HandleFunc("GET /v1/profiles", s.handleProfileList)
	mux.HandleFunc("POST /v1/profiles", s.handleProfileCreate)
	mux.HandleFunc("GET /v1/profiles/{id}", s.handleProfileGet)
	mux.HandleFunc("PATCH /v1/profiles/{id}", s.handleProfileUpdate)
	mux.HandleFunc("DELETE /v1/profiles/{id}", s.handleProfileDelete)

	mux.HandleFunc("GET /v1/policies", s.handlePolicyList)
	mux.HandleFunc("POST /v1/policies", s.handlePolicyCreate)
	mux.HandleFunc("GET /v1/policies/{id}", s.handlePolicyGet)
	mux.HandleFunc("PATCH /v1/policies/{id}", s.handlePolicyUpdate)
	mux.HandleFunc("DELETE /v1/policies/{id}", s.handlePolicyDelete)

	mux.HandleFunc("GET /v1/webhooks", s.handleWebhookList)
	mux.HandleFunc("POST /v1/webhooks", s.handleWebhookCreate)
	mux.HandleFunc("GET /v1/webhooks/{id}", s.handleWebhookGet)
	mux.HandleFunc("DELETE /v1/webhooks/{id}", s.handleWebhookDelete)
	mux.HandleFunc("POST /v1/webhooks/{id}/trigger", s.handleWebhookTrigger)

	mux.HandleFunc("GET /v1/triggers", s.handleTriggerList)
	mux.HandleFunc("POST /v1/triggers", s.handleTriggerCreate)
	mux.HandleFunc("GET /v1/triggers/{id}", s.handleTriggerGet)
	mux.HandleFunc("PATCH /v1/triggers/{id}", s.handleTriggerUpdate)
	mux.HandleFunc("DELETE /v1/triggers/{id}", s.handleTriggerDelete)

	mux.HandleFunc("GET /v1/actions", s.handleActionList)
	mux.HandleFunc("GET /v1/actions/{id}", s.handleActionGet)
	mux.HandleFunc("POST /v1/actions/{id}/cancel", s.handleActionCancel)

	mux.HandleFunc("GET /v1/events", s.handleEventList)
	mux.HandleFunc("GET /v1/events/{id}", s.handleEventGet)

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http.Addr = addr
	logger := log.WithComponent("api")

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestContext builds the caller identity from trusted headers.
func requestContext(r *http.Request) *types.RequestContext {
	return &types.RequestContext{
		User:    r.Header.Get("X-Auth-User"),
		Project: r.Header.Get("X-Auth-Project"),
		Domain:  r.Header.Get("X-Auth-Domain"),
		IsAdmin: r.Header.Get("X-Roles") == "admin",
	}
}

// listOptions maps common query parameters to storage list options.
func listOptions(r *http.Request) storage.ListOptions {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Marker:   q.Get("marker"),
		SortKey:  q.Get("sort"),
		Project:  q.Get("project"),
		SortDesc: q.Get("order") == "desc",
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if q.Get("show_deleted") == "true" {
		opts.ShowDeleted = true
	}
	for key, values := range q {
		switch key {
		case "marker", "sort", "order", "limit", "project", "show_deleted":
		default:
			if opts.Filters == nil {
				opts.Filters = make(map[string]string)
			}
			opts.Filters[key] = values[0]
		}
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger := log.WithComponent("api")
			logger.Error().Err(err).Msg("response encoding failed")
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := errors.KindInternal

	var e *errors.Error
	if stderrors.As(err, &e) {
		kind = e.Kind
		switch e.Kind {
		case errors.KindNotFound, errors.KindPolicyBindingNotFound:
			status = http.StatusNotFound
		case errors.KindBadRequest, errors.KindInvalidSpec, errors.KindInvalidParameter,
			errors.KindProfileTypeNotMatch, errors.KindNodeNotOrphan,
			errors.KindFeatureNotSupported:
			status = http.StatusBadRequest
		case errors.KindResourceInUse, errors.KindResourceBusy:
			status = http.StatusConflict
		case errors.KindForbidden:
			status = http.StatusForbidden
		}
	}
	writeJSON(w, status, map[string]string{
		"error":   string(kind),
		"message": err.Error(),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.BadRequest("malformed request body: %v", err)
	}
	return nil
}
