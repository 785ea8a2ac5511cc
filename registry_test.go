package callmon

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolveAndList(t *testing.T) {
	r := NewRegistry()
	backendA := newRecordingBackend("backendA")
	require.NoError(t, r.Register("backendA", backendA))

	got, err := r.Resolve("backendA")
	require.NoError(t, err)
	assert.Same(t, backendA, got)

	assert.Equal(t, []string{"backendA", "noop"}, r.ListKeys())

	_, err = r.Resolve("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKey)
	var uk *UnknownKeyError
	require.ErrorAs(t, err, &uk)
	assert.Equal(t, "missing", uk.Key)
}

func TestRegistry_NoopAlwaysPresent(t *testing.T) {
	r := NewRegistry()
	b, err := r.Resolve(NoopKey)
	require.NoError(t, err)
	assert.Equal(t, NoopKey, b.Name())

	assert.ErrorIs(t, r.Register(NoopKey, newRecordingBackend("x")), ErrDuplicateKey)
	assert.Error(t, r.Unregister(NoopKey))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	first := newRecordingBackend("first")
	second := newRecordingBackend("second")
	require.NoError(t, r.Register("k", first))
	require.NoError(t, r.Register("k", second))

	got, err := r.Resolve("k")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRegistry_Strict(t *testing.T) {
	r := NewRegistry(StrictRegistry())
	require.NoError(t, r.Register("k", newRecordingBackend("first")))

	err := r.Register("k", newRecordingBackend("second"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	got, _ := r.Resolve("k")
	assert.Equal(t, "first", got.Name())
}

func TestRegistry_RejectsEmpty(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", newRecordingBackend("x")))
	assert.Error(t, r.Register("x", nil))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("k", newRecordingBackend("k")))
	require.NoError(t, r.Unregister("k"))
	assert.ErrorIs(t, r.Unregister("k"), ErrUnknownKey)
	assert.Equal(t, []string{"noop"}, r.ListKeys())
}

func TestRegistry_Describe(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("rec", newRecordingBackend("rec")))
	d := r.Describe()
	assert.Equal(t, "recording backend rec", d["rec"])
	assert.Contains(t, d[NoopKey], "no-op")
}

func TestRegistry_ConcurrentRegisterResolve(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("b%d-%d", i, j)
				assert.NoError(t, r.Register(key, newRecordingBackend(key)))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_, err := r.Resolve(NoopKey)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 801, r.Len())
}
