package callmon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
namespace: shop
service_name: checkout
custom_labels:
  zone: eu-1
remote_write:
  url: http://localhost:9090/api/v1/write
  interval: 30s
  dns:
    enable: true
    udp_servers: ["1.1.1.1:53"]
interceptor:
  enabled: false
  tracing: true
  backend: rec
  purpose: latency audit
management:
  listen: 127.0.0.1:9999
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "shop", cfg.Namespace)
	assert.Equal(t, "prod", cfg.Subsystem, "unset keys keep their defaults")
	assert.Equal(t, "checkout", cfg.ServiceName)
	assert.Equal(t, "eu-1", cfg.CustomLabels["zone"])
	assert.Equal(t, 30*time.Second, cfg.RemoteWrite.Interval)
	assert.True(t, cfg.RemoteWrite.DNS.Enable)
	assert.Equal(t, []string{"1.1.1.1:53"}, cfg.RemoteWrite.DNS.UDPServers)
	assert.Equal(t, InterceptorConfig{Enabled: false, Tracing: true, Backend: "rec", Purpose: "latency audit"}, cfg.Interceptor)
	assert.Equal(t, "127.0.0.1:9999", cfg.Management.Listen)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "interceptor: [unterminated"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "purpose: "+strings.Repeat("x", MaxConfigFileSize)))
	assert.ErrorContains(t, err, "limit")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Interceptor.Enabled)
	assert.Equal(t, MetricsKey, cfg.Interceptor.Backend)
	assert.Equal(t, 15*time.Second, cfg.RemoteWrite.Interval)
	assert.NotEmpty(t, cfg.Management.Listen)
}

func TestInterceptorConfig_Apply(t *testing.T) {
	rec := newRecordingBackend("rec")
	ctrl, err := NewController(func() *Registry {
		r := NewRegistry()
		require.NoError(t, r.Register("rec", rec))
		return r
	}())
	require.NoError(t, err)

	ic := InterceptorConfig{Enabled: false, Tracing: true, Backend: "rec", Purpose: "audit"}
	require.NoError(t, ic.Apply(ctrl))
	assert.False(t, ctrl.IsEnabled())
	assert.True(t, ctrl.IsTracing())
	assert.Equal(t, "rec", ctrl.ActiveBackendKey())
	assert.Equal(t, "audit", ctrl.Purpose())

	// an empty purpose keeps the current one
	require.NoError(t, InterceptorConfig{Enabled: true, Backend: "rec"}.Apply(ctrl))
	assert.Equal(t, "audit", ctrl.Purpose())
	assert.True(t, ctrl.IsEnabled())

	err = InterceptorConfig{Enabled: true, Backend: "missing"}.Apply(ctrl)
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Equal(t, "rec", ctrl.ActiveBackendKey())
}

func TestInterceptorConfig_ApplyRejectedBackendChangesNothing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("rec", newRecordingBackend("rec")))
	ctrl, err := NewController(r, WithBackend("rec"), WithPurpose("baseline"))
	require.NoError(t, err)
	before := ctrl.Status()

	ic := InterceptorConfig{Enabled: false, Tracing: true, Backend: "missing", Purpose: "reload"}
	require.ErrorIs(t, ic.Apply(ctrl), ErrUnknownKey)

	after := ctrl.Status()
	assert.Equal(t, before.Enabled, after.Enabled)
	assert.Equal(t, before.Tracing, after.Tracing)
	assert.Equal(t, "baseline", after.Purpose)
	assert.Equal(t, "rec", after.ActiveBackend)
}
