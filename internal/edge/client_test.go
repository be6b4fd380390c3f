package edge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("EDGE_TEST_TOKEN", "secret-token")
	return NewClient(config.EdgeConfig{
		BaseURL:  srv.URL + "/",
		TokenEnv: "EDGE_TEST_TOKEN",
		Timeout:  2 * time.Second,
	}, zap.NewNop())
}

func daDefinition(name string) types.ConnectionDefinition {
	return types.ConnectionDefinition{
		ConnectionName: name,
		Control:        types.ControlDeploy,
		Protocol:       types.ProtocolOPCDA,
		OpcDa: &types.OpcDaConfig{
			MachineIP:  "10.0.0.5",
			ServerName: "Matrikon.OPC.Simulation",
			Interval:   1,
			Iterations: 5,
			Tags:       []string{"Random.Int4"},
		},
	}
}

func TestClient_CreateComponentPostsRecipe(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/components", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/x-yaml", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "ComponentName: m2c2-line1")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"arn":"arn:components:m2c2-line1:1.0.0"}`))
	})

	arn, err := client.CreateComponent(context.Background(), Collector(daDefinition("line1"), "1.0.0", ""))
	require.NoError(t, err)
	assert.Equal(t, "arn:components:m2c2-line1:1.0.0", arn)
}

func TestClient_CreateComponentSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"component version already exists"}`))
	})

	_, err := client.CreateComponent(context.Background(), Collector(daDefinition("line1"), "1.0.0", ""))
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "component version already exists")
}

func TestClient_DeleteComponentIgnoresNotFound(t *testing.T) {
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	require.NoError(t, client.DeleteComponent(context.Background(), "m2c2-line1-publisher"))
	assert.Equal(t, []string{"/components/m2c2-line1-publisher"}, paths)
}

func TestClient_DeleteComponentFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.DeleteComponent(context.Background(), "m2c2-line1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestClient_SubmitDeployment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deployments", r.URL.Path)

		var req DeploymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "arn:thing/gw-1", req.TargetArn)
		assert.Equal(t, []string{"m2c2-line1", "m2c2-line1-publisher"}, req.ToAdd)

		_, _ = w.Write([]byte(`{"deploymentId":"dep-42"}`))
	})

	id, err := client.SubmitDeployment(context.Background(), DeploymentRequest{
		TargetArn: "arn:thing/gw-1",
		ToAdd:     []string{"m2c2-line1", "m2c2-line1-publisher"},
	})
	require.NoError(t, err)
	assert.Equal(t, "dep-42", id)
}

func TestClient_SubmitDeploymentRejectsOverlappingSets(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := client.SubmitDeployment(context.Background(), DeploymentRequest{
		TargetArn: "arn:thing/gw-1",
		ToAdd:     []string{"m2c2-line1"},
		ToRemove:  []string{"m2c2-line1"},
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestClient_GetDeploymentStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/deployments/dep-42", r.URL.Path)
		_, _ = w.Write([]byte(`{"deploymentId":"dep-42","status":"COMPLETED"}`))
	})

	status, err := client.GetDeploymentStatus(context.Background(), "dep-42")
	require.NoError(t, err)
	assert.Equal(t, DeploymentCompleted, status)
	assert.True(t, status.IsTerminal())

	_, err = client.GetDeploymentStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeploymentNotFound))
}

func TestDeploymentRequest_Validate(t *testing.T) {
	assert.Error(t, DeploymentRequest{}.Validate())
	assert.NoError(t, DeploymentRequest{
		TargetArn:     "arn",
		ToAdd:         []string{"a"},
		ToRemove:      []string{"b"},
		ToReconfigure: map[string]string{"c": "{}"},
	}.Validate())
	assert.Error(t, DeploymentRequest{
		TargetArn:     "arn",
		ToRemove:      []string{"a"},
		ToReconfigure: map[string]string{"a": "{}"},
	}.Validate())
}

func TestDeploymentStatus_IsTerminal(t *testing.T) {
	assert.False(t, DeploymentSubmitted.IsTerminal())
	assert.False(t, DeploymentActive.IsTerminal())
	assert.True(t, DeploymentCanceled.IsTerminal())
	assert.True(t, DeploymentFailed.IsTerminal())
}
