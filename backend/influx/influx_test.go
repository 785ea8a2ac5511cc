package influx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikiz24/callmon"
)

type writeServer struct {
	*httptest.Server
	mutex sync.Mutex
	lines []string
	query []string
}

func newWriteServer(t *testing.T, status int) *writeServer {
	t.Helper()
	ws := &writeServer{}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		ws.mutex.Lock()
		ws.query = append(ws.query, r.URL.RawQuery)
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				ws.lines = append(ws.lines, line)
			}
		}
		ws.mutex.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *writeServer) received() []string {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	return append([]string(nil), ws.lines...)
}

func TestBackend_WritesPoints(t *testing.T) {
	srv := newWriteServer(t, http.StatusNoContent)
	b, err := New(Config{URL: srv.URL, Token: "t", Org: "shop", Bucket: "calls", FlushInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer b.Close()

	r := callmon.NewRegistry()
	require.NoError(t, r.Register(Key, b))
	ctrl, err := callmon.NewController(r, callmon.WithBackend(Key))
	require.NoError(t, err)

	site := callmon.NewMethod("orders.Service", "Place", callmon.Public)
	_, _ = ctrl.Intercept(context.Background(), site, func(context.Context) (any, error) { return nil, nil })
	_, _ = ctrl.Intercept(context.Background(), site, func(context.Context) (any, error) { return nil, errors.New("no stock") })
	b.Flush()

	assert.Eventually(t, func() bool { return len(srv.received()) == 2 }, 5*time.Second, 20*time.Millisecond)

	lines := srv.received()
	var ok, failed string
	for _, l := range lines {
		if strings.Contains(l, "outcome=ok") {
			ok = l
		} else {
			failed = l
		}
	}
	assert.True(t, strings.HasPrefix(ok, "calls,"), ok)
	assert.Contains(t, ok, "owner=orders.Service")
	assert.Contains(t, ok, "member=Place")
	assert.Contains(t, ok, "duration_ns=")
	assert.Contains(t, failed, "outcome=error")
	assert.Contains(t, failed, `error="no stock"`)
	assert.Zero(t, b.WriteErrors())
	assert.Equal(t, "influxdb point per call to shop/calls", b.Description())

	srv.mutex.Lock()
	assert.Contains(t, srv.query[0], "bucket=calls")
	srv.mutex.Unlock()
}

func TestBackend_CountsWriteErrors(t *testing.T) {
	srv := newWriteServer(t, http.StatusBadRequest)
	b, err := New(Config{URL: srv.URL, Org: "shop", Bucket: "calls", FlushInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer b.Close()

	mc, err := b.Start(context.Background(), callmon.NewMethod("orders.Service", "Place", callmon.Public))
	require.NoError(t, err)
	require.NoError(t, b.Stop(mc, nil))
	b.Flush()

	assert.Eventually(t, func() bool { return b.WriteErrors() > 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestNew_RequiresTarget(t *testing.T) {
	_, err := New(Config{URL: "http://localhost:8086"}, nil)
	assert.Error(t, err)
}
