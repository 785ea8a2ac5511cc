package mgmt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikiz24/callmon"
)

func TestClient_RoundTrip(t *testing.T) {
	ctrl := newControl(t)
	srv := httptest.NewServer(NewServer(ctrl).Handler())
	defer srv.Close()

	client := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", status.ActiveBackend)

	status, err = client.SetEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.False(t, ctrl.IsEnabled())

	status, err = client.SetTracing(ctx, true)
	require.NoError(t, err)
	assert.True(t, status.Tracing)

	status, err = client.SetActiveBackend(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", status.ActiveBackend)

	status, err = client.SetPurpose(ctx, "load test")
	require.NoError(t, err)
	assert.Equal(t, "load test", status.Purpose)

	backends, err := client.Backends(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", backends.Active)
	assert.Len(t, backends.Backends, 3)
}

func TestClient_UnknownBackend(t *testing.T) {
	ctrl := newControl(t)
	srv := httptest.NewServer(NewServer(ctrl).Handler())
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).SetActiveBackend(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, callmon.ErrUnknownKey)
	assert.Equal(t, "a", ctrl.ActiveBackendKey())
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Status(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "down for maintenance", apiErr.Message)
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil).Status(context.Background())
	assert.Error(t, err)
}
