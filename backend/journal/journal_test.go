package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nikiz24/callmon"
)

func openJournal(t *testing.T, opts Options) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "data", "calls.db"), zaptest.NewLogger(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func newController(t *testing.T, j *Journal) *callmon.Controller {
	t.Helper()
	r := callmon.NewRegistry()
	require.NoError(t, r.Register(Key, j))
	ctrl, err := callmon.NewController(r, callmon.WithBackend(Key))
	require.NoError(t, err)
	return ctrl
}

func TestJournal_RecordsCalls(t *testing.T) {
	j := openJournal(t, Options{FlushInterval: time.Hour})
	ctrl := newController(t, j)
	ctx := context.Background()
	place := callmon.NewMethod("orders.Service", "Place", callmon.Public)
	cancel := callmon.NewMethod("orders.Service", "cancel", callmon.Private)

	_, _ = ctrl.Intercept(ctx, place, func(context.Context) (any, error) { return 1, nil })
	time.Sleep(2 * time.Millisecond)
	_, _ = ctrl.Intercept(ctx, cancel, func(context.Context) (any, error) { return nil, errors.New("already shipped") })

	require.NoError(t, j.Flush())

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	records, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "cancel", records[0].Member)
	assert.Equal(t, "private", records[0].Visibility)
	assert.Equal(t, "error", records[0].Outcome)
	assert.Equal(t, "already shipped", records[0].Error)

	assert.Equal(t, "Place", records[1].Member)
	assert.Equal(t, "method", records[1].Kind)
	assert.Equal(t, "ok", records[1].Outcome)
	assert.Empty(t, records[1].Error)
	assert.NotEqual(t, records[0].ID, records[1].ID)
	assert.Len(t, records[1].ID, 36)
}

func TestJournal_BatchesConcurrentWriters(t *testing.T) {
	j := openJournal(t, Options{BatchSize: 16, FlushInterval: 10 * time.Millisecond})
	ctrl := newController(t, j)
	site := callmon.NewMethod("orders.Service", "Place", callmon.Public)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = ctrl.Intercept(context.Background(), site, func(context.Context) (any, error) { return nil, nil })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, j.Flush())

	n, err := j.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 400, n)
	assert.Zero(t, j.Dropped())
}

func TestJournal_FullQueueDropsAndReports(t *testing.T) {
	// no writer goroutine, so the queue stays full
	j := &Journal{records: make(chan Record, 1)}
	site := callmon.NewMethod("orders.Service", "Place", callmon.Public)

	mc, err := j.Start(context.Background(), site)
	require.NoError(t, err)
	require.NoError(t, j.Stop(mc, nil))
	assert.ErrorContains(t, j.Stop(mc, nil), "queue full")
	assert.ErrorContains(t, j.Exception(mc, errors.New("boom")), "queue full")
	assert.EqualValues(t, 2, j.Dropped())
}

func TestJournal_CloseWritesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.db")
	j, err := Open(path, nil, Options{FlushInterval: time.Hour})
	require.NoError(t, err)

	site := callmon.NewConstructor("orders.Service", callmon.Public)
	mc, err := j.Start(context.Background(), site)
	require.NoError(t, err)
	require.NoError(t, j.Stop(mc, nil))
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Stop(mc, nil), ErrClosed)
	assert.ErrorIs(t, j.Flush(), ErrClosed)
	require.NoError(t, j.Close())

	reopened, err := Open(path, nil, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
