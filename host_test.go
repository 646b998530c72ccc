package wapc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wapc "github.com/waporg/wapc-runtime"
	"github.com/waporg/wapc-runtime/engines/faketest"
)

func newTestHost(t *testing.T, guest faketest.Guest, handler wapc.HostCallHandler) *wapc.Host {
	t.Helper()
	host, err := wapc.NewHost(context.Background(), wapc.HostConfig{
		Engine:          faketest.Engine(guest),
		Code:            []byte("module"),
		HostCallHandler: handler,
	})
	require.NoError(t, err)
	return host
}

// Scenario 1: echo.
func TestHost_Echo(t *testing.T) {
	ctx := context.Background()
	host := newTestHost(t, faketest.DefaultGuest(), wapc.NoOpHostCallHandler)
	defer host.Close(ctx)

	result, err := host.Call(ctx, "echo", []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(result))
}

// Scenario 2: host callback.
func TestHost_Ping(t *testing.T) {
	ctx := context.Background()
	var gotHostID wapc.HostId
	handler := func(ctx context.Context, hostID wapc.HostId, binding, namespace, operation string, payload []byte) ([]byte, error) {
		gotHostID = hostID
		assert.Equal(t, "pong", operation)
		return payload, nil
	}
	host := newTestHost(t, faketest.DefaultGuest(), handler)
	defer host.Close(ctx)

	result, err := host.Call(ctx, "ping", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(result))
	assert.Equal(t, host.ID(), gotHostID, "Host Callback must observe the dispatching Host's HostId")
}

// Scenario 3: guest error.
func TestHost_GuestError(t *testing.T) {
	ctx := context.Background()
	host := newTestHost(t, faketest.DefaultGuest(), wapc.NoOpHostCallHandler)
	defer host.Close(ctx)

	_, err := host.Call(ctx, "boom", nil)
	require.Error(t, err)

	var guestErr *wapc.GuestError
	require.True(t, errors.As(err, &guestErr))
	assert.Equal(t, "boom", guestErr.Message)
}

// Scenario 4: callback error visible to guest as a guest error.
func TestHost_CallbackErrorReemittedAsGuestError(t *testing.T) {
	ctx := context.Background()
	handler := func(ctx context.Context, hostID wapc.HostId, binding, namespace, operation string, payload []byte) ([]byte, error) {
		return nil, errors.New("nope")
	}
	host := newTestHost(t, faketest.DefaultGuest(), handler)
	defer host.Close(ctx)

	_, err := host.Call(ctx, "ping_reemit", []byte("hi"))
	require.Error(t, err)

	var guestErr *wapc.GuestError
	require.True(t, errors.As(err, &guestErr))
	assert.Contains(t, guestErr.Message, "nope")
}

// Scenario 5: hot swap.
func TestHost_ReplaceModule(t *testing.T) {
	ctx := context.Background()
	guestA := faketest.Guest{"a": faketest.Echo}
	guestB := faketest.Guest{"b": faketest.Echo}

	host, err := wapc.NewHost(ctx, wapc.HostConfig{
		Engine: faketest.EngineFromCodeMap(map[string]faketest.Guest{
			"module-a": guestA,
			"module-b": guestB,
		}),
		Code:            []byte("module-a"),
		HostCallHandler: wapc.NoOpHostCallHandler,
	})
	require.NoError(t, err)
	defer host.Close(ctx)

	result, err := host.Call(ctx, "a", []byte("before"))
	require.NoError(t, err)
	assert.Equal(t, "before", string(result))

	require.NoError(t, host.ReplaceModule(ctx, []byte("module-b")))

	_, err = host.Call(ctx, "a", []byte("after"))
	require.Error(t, err)
	var guestErr *wapc.GuestError
	require.True(t, errors.As(err, &guestErr))

	result, err = host.Call(ctx, "b", []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, "after", string(result))
}

func TestHost_ReplaceModuleRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	host := newTestHost(t, faketest.DefaultGuest(), wapc.NoOpHostCallHandler)
	defer host.Close(ctx)

	err := host.ReplaceModule(ctx, []byte("invalid"))
	require.Error(t, err)

	var invalidModule *wapc.InvalidModuleError
	assert.True(t, errors.As(err, &invalidModule))

	// The host must still be usable with its pre-replace module.
	result, err := host.Call(ctx, "echo", []byte("still alive"))
	require.NoError(t, err)
	assert.Equal(t, "still alive", string(result))
}

// Concurrency invariant: exactly one call runs at a time; a concurrent
// caller observes Busy rather than blocking.
func TestHost_ConcurrentCallReportsBusy(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	guest := faketest.Guest{
		"slow": func(ctx context.Context, call wapc.HostCallHandler, payload []byte) ([]byte, error) {
			close(started)
			<-release
			return payload, nil
		},
	}
	host := newTestHost(t, guest, wapc.NoOpHostCallHandler)
	defer host.Close(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := host.Call(ctx, "slow", nil)
		done <- err
	}()

	<-started
	_, err := host.Call(ctx, "slow", nil)
	assert.ErrorIs(t, err, wapc.ErrBusy)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for in-flight call to finish")
	}
}

func TestHost_InvokeUnregisteredOperation(t *testing.T) {
	ctx := context.Background()
	host := newTestHost(t, faketest.DefaultGuest(), wapc.NoOpHostCallHandler)
	defer host.Close(ctx)

	_, err := host.Call(ctx, "404", nil)
	require.Error(t, err)
}

func TestHost_MaxPayloadSize(t *testing.T) {
	ctx := context.Background()
	host, err := wapc.NewHost(ctx, wapc.HostConfig{
		Engine:          faketest.Engine(faketest.DefaultGuest()),
		Code:            []byte("module"),
		HostCallHandler: wapc.NoOpHostCallHandler,
		MaxPayloadSize:  4,
	})
	require.NoError(t, err)
	defer host.Close(ctx)

	_, err = host.Call(ctx, "echo", []byte("tiny"))
	require.NoError(t, err)

	_, err = host.Call(ctx, "echo", []byte("too big a payload"))
	require.Error(t, err)
	var invalidPayload *wapc.InvalidPayloadError
	assert.True(t, errors.As(err, &invalidPayload))
}

func TestHostId_UniqueAcrossHosts(t *testing.T) {
	ctx := context.Background()
	seen := map[wapc.HostId]bool{}
	for i := 0; i < 50; i++ {
		host := newTestHost(t, faketest.DefaultGuest(), wapc.NoOpHostCallHandler)
		defer host.Close(ctx)
		assert.False(t, seen[host.ID()], "HostId must be unique for the process lifetime")
		seen[host.ID()] = true
	}
}
