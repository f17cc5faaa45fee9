package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/config"
	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/policy"
	"github.com/cuemby/corral/pkg/profile"
	"github.com/cuemby/corral/pkg/service"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
	"github.com/cuemby/corral/pkg/webhook"
)

func newTestServer(t *testing.T) (*httptest.Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := environment.New()
	require.NoError(t, profile.RegisterContainer(env, profile.NewFakeDriver()))
	require.NoError(t, policy.RegisterLoadBalancing(env, policy.NewFakeLBDriver()))

	codec, err := webhook.NewCodecFromPassword("test-secret")
	require.NoError(t, err)

	svc := service.New(store, env, config.Default(), codec, nil)
	ts := httptest.NewServer(NewServer(svc).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

// doJSON issues a request with the standard identity headers and
// decodes the JSON response.
func doJSON(t *testing.T, ts *httptest.Server, method, path string, body interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Auth-User", "alice")
	req.Header.Set("X-Auth-Project", "p1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]json.RawMessage{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func createProfileHTTP(t *testing.T, ts *httptest.Server) *types.Profile {
	t.Helper()
	status, out := doJSON(t, ts, http.MethodPost, "/v1/profiles", map[string]interface{}{
		"name": "container-profile",
		"type": profile.ContainerTypeName,
		"spec": map[string]interface{}{"image": "nginx:1.27"},
	})
	require.Equal(t, http.StatusCreated, status)
	var p types.Profile
	require.NoError(t, json.Unmarshal(out["profile"], &p))
	return &p
}

func TestClusterLifecycleOverHTTP(t *testing.T) {
	ts, store := newTestServer(t)
	p := createProfileHTTP(t, ts)

	status, out := doJSON(t, ts, http.MethodPost, "/v1/clusters", map[string]interface{}{
		"name":             "web",
		"profile":          p.ID,
		"desired_capacity": 2,
		"min_size":         1,
		"max_size":         5,
	})
	require.Equal(t, http.StatusAccepted, status)
	var cluster types.Cluster
	require.NoError(t, json.Unmarshal(out["cluster"], &cluster))
	var actionID string
	require.NoError(t, json.Unmarshal(out["action"], &actionID))

	action, err := store.GetAction(actionID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterCreate, action.Kind)
	assert.Equal(t, "alice", action.User)

	status, _ = doJSON(t, ts, http.MethodPost,
		fmt.Sprintf("/v1/clusters/%s/actions", cluster.ID),
		map[string]interface{}{"scale_out": map[string]interface{}{"count": 2}})
	assert.Equal(t, http.StatusAccepted, status)

	// Unknown action body is rejected.
	status, _ = doJSON(t, ts, http.MethodPost,
		fmt.Sprintf("/v1/clusters/%s/actions", cluster.ID),
		map[string]interface{}{"explode": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = doJSON(t, ts, http.MethodGet, "/v1/clusters/web", nil)
	require.Equal(t, http.StatusOK, status)
	var byName types.Cluster
	require.NoError(t, json.Unmarshal(out["cluster"], &byName))
	assert.Equal(t, cluster.ID, byName.ID)
}

func TestErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t)

	status, out := doJSON(t, ts, http.MethodGet, "/v1/clusters/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, status)
	var kind string
	require.NoError(t, json.Unmarshal(out["error"], &kind))
	assert.Equal(t, "NotFound", kind)

	p := createProfileHTTP(t, ts)
	status, _ = doJSON(t, ts, http.MethodPost, "/v1/clusters", map[string]interface{}{
		"name":             "web",
		"profile":          p.ID,
		"desired_capacity": 1,
		"min_size":         3,
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebhookTriggerOverHTTP(t *testing.T) {
	ts, store := newTestServer(t)
	p := createProfileHTTP(t, ts)

	status, out := doJSON(t, ts, http.MethodPost, "/v1/clusters", map[string]interface{}{
		"name":             "web",
		"profile":          p.ID,
		"desired_capacity": 1,
	})
	require.Equal(t, http.StatusAccepted, status)
	var cluster types.Cluster
	require.NoError(t, json.Unmarshal(out["cluster"], &cluster))

	status, out = doJSON(t, ts, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"name":     "scale-up",
		"obj_type": "cluster",
		"obj_id":   cluster.ID,
		"action":   "CLUSTER_SCALE_OUT",
		"params":   map[string]interface{}{"count": 1},
	})
	require.Equal(t, http.StatusCreated, status)
	var hook types.Webhook
	require.NoError(t, json.Unmarshal(out["webhook"], &hook))

	// The trigger URL needs no identity headers.
	resp, err := http.Post(ts.URL+"/v1/webhooks/"+hook.ID+"/trigger", "application/json",
		bytes.NewBufferString(`{"count": 3}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var trigOut map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trigOut))
	action, err := store.GetAction(trigOut["action"])
	require.NoError(t, err)
	assert.Equal(t, types.ClusterScaleOut, action.Kind)
	assert.Equal(t, "alice", action.User)
	var inputs types.CountInputs
	require.NoError(t, action.DecodeInputs(&inputs))
	assert.Equal(t, 3, inputs.Count)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
