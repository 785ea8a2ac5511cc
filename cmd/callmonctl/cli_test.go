package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikiz24/callmon"
	"github.com/nikiz24/callmon/mgmt"
)

type named struct {
	callmon.NoopBackend
	name string
}

func (n named) Name() string        { return n.name }
func (n named) Description() string { return n.name + " backend" }

func newTestEngine(t *testing.T) (*callmon.Controller, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := callmon.NewRegistry()
	require.NoError(t, r.Register("log", named{name: "log"}))
	require.NoError(t, r.Register("prometheus", named{name: "prometheus"}))
	ctrl, err := callmon.NewController(r, callmon.WithBackend("log"))
	require.NoError(t, err)
	srv := httptest.NewServer(mgmt.NewServer(ctrl).Handler())
	t.Cleanup(srv.Close)
	return ctrl, srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCmd(t *testing.T) {
	_, addr := newTestEngine(t)

	out, err := run(t, "status", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "purpose:          -\n")
	assert.Contains(t, out, "enabled:          true\n")
	assert.Contains(t, out, "active backend:   log (log backend)\n")
	assert.Contains(t, out, "valid backends:   log, noop, prometheus\n")
}

func TestStatusCmd_JSON(t *testing.T) {
	_, addr := newTestEngine(t)

	out, err := run(t, "status", "--addr", addr, "--json")
	require.NoError(t, err)
	var status callmon.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "log", status.ActiveBackend)
	assert.Equal(t, []string{"log", "noop", "prometheus"}, status.ValidBackends)
}

func TestSwitchCmds(t *testing.T) {
	ctrl, addr := newTestEngine(t)

	_, err := run(t, "disable", "--addr", addr)
	require.NoError(t, err)
	assert.False(t, ctrl.IsEnabled())

	_, err = run(t, "enable", "--addr", addr)
	require.NoError(t, err)
	assert.True(t, ctrl.IsEnabled())

	out, err := run(t, "tracing", "on", "--addr", addr)
	require.NoError(t, err)
	assert.True(t, ctrl.IsTracing())
	assert.Contains(t, out, "tracing:          true\n")

	_, err = run(t, "use", "prometheus", "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "prometheus", ctrl.ActiveBackendKey())

	out, err = run(t, "purpose", "latency", "investigation", "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "latency investigation", ctrl.Purpose())
	assert.Contains(t, out, "purpose:          latency investigation\n")
}

func TestUseCmd_UnknownBackend(t *testing.T) {
	ctrl, addr := newTestEngine(t)

	_, err := run(t, "use", "statsd", "--addr", addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, callmon.ErrUnknownKey)
	assert.Equal(t, "log", ctrl.ActiveBackendKey())
}

func TestTracingCmd_RejectsInvalidArg(t *testing.T) {
	ctrl, addr := newTestEngine(t)

	_, err := run(t, "tracing", "maybe", "--addr", addr)
	require.Error(t, err)
	assert.False(t, ctrl.IsTracing())
}

func TestBackendsCmd(t *testing.T) {
	_, addr := newTestEngine(t)

	out, err := run(t, "backends", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "* log          log backend\n")
	assert.Contains(t, out, "  prometheus   prometheus backend\n")
	assert.Contains(t, out, "  noop")
}

func TestLoadBackendsConfig(t *testing.T) {
	bcfg, err := loadBackendsConfig("")
	require.NoError(t, err)
	assert.Equal(t, float64(1000), bcfg.Log.RatePerSecond)
	assert.Equal(t, 100, bcfg.Log.Burst)

	path := filepath.Join(t.TempDir(), "callmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_name: checkout
backends:
  log:
    level: debug
    rate_per_second: 50
  journal:
    path: /var/lib/callmon/calls.db
  influx:
    url: http://influx:8086
    org: ops
    bucket: calls
  fanout: [log, prometheus]
`), 0o644))

	bcfg, err = loadBackendsConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", bcfg.Log.Level)
	assert.Equal(t, float64(50), bcfg.Log.RatePerSecond)
	assert.Equal(t, 100, bcfg.Log.Burst)
	assert.Equal(t, "/var/lib/callmon/calls.db", bcfg.Journal.Path)
	assert.Equal(t, "http://influx:8086", bcfg.Influx.URL)
	assert.Equal(t, []string{"log", "prometheus"}, bcfg.Fanout)

	_, err = loadBackendsConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func backendNames(backends []callmon.Backend) []string {
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	return names
}

func TestBuildBackends(t *testing.T) {
	var bcfg backendsConfig
	bcfg.Journal.Path = filepath.Join(t.TempDir(), "calls.db")
	bcfg.Fanout = []string{"log", "journal"}

	parts, err := buildBackends(callmon.DefaultConfig(), bcfg, zap.NewNop())
	require.NoError(t, err)
	defer parts.Close()

	assert.Equal(t, []string{"log", "prometheus", "otel", "stream", "journal", FanoutKey}, backendNames(parts.backends))
	assert.NotNil(t, parts.hub)

	fanout := parts.backends[len(parts.backends)-1]
	assert.Contains(t, fanout.Description(), "fanout to [")

	families, err := parts.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBuildBackends_Errors(t *testing.T) {
	var bcfg backendsConfig
	bcfg.Fanout = []string{"log", "statsd"}
	_, err := buildBackends(callmon.DefaultConfig(), bcfg, zap.NewNop())
	assert.ErrorIs(t, err, callmon.ErrUnknownKey)

	bcfg = backendsConfig{}
	bcfg.Log.Level = "loud"
	_, err = buildBackends(callmon.DefaultConfig(), bcfg, zap.NewNop())
	assert.Error(t, err)
}
