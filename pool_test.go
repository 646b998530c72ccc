package wapc_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wapc "github.com/waporg/wapc-runtime"
	"github.com/waporg/wapc-runtime/engines/wazero"
)

func newTestPool(t *testing.T, cfg wapc.HostPoolConfig) *wapc.HostPool {
	t.Helper()
	code, err := os.ReadFile("testdata/go/hello.wasm")
	require.NoError(t, err)

	if cfg.Factory == nil {
		cfg.Factory = func(ctx context.Context) (*wapc.Host, error) {
			return wapc.NewHost(ctx, wapc.HostConfig{
				Engine:          wazero.Engine(),
				Code:            code,
				HostCallHandler: wapc.NoOpHostCallHandler,
			})
		}
	}

	pool, err := wapc.NewHostPool(context.Background(), cfg)
	require.NoError(t, err)
	return pool
}

func TestHostPool_DispatchWait(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, wapc.HostPoolConfig{
		Name:       "TestHostPool_DispatchWait",
		MinThreads: 2,
		MaxThreads: 2,
		MaxWait:    50 * time.Millisecond,
		MaxIdle:    time.Second,
	})
	defer pool.Close(ctx)

	for i := 0; i < 100; i++ {
		future, err := pool.Dispatch(ctx, "hello", []byte("waPC"))
		require.NoError(t, err)

		result, err := future.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Hello, waPC", string(result))
	}
}

// TestHostPool_GrowsUnderLoad dispatches more concurrent work than
// MinThreads can drain and expects the pool to spawn additional workers up
// to MaxThreads rather than queue everything behind the minimum population.
func TestHostPool_GrowsUnderLoad(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, wapc.HostPoolConfig{
		Name:       "TestHostPool_GrowsUnderLoad",
		MinThreads: 1,
		MaxThreads: 5,
		MaxWait:    20 * time.Millisecond,
		MaxIdle:    time.Hour,
	})
	defer pool.Close(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			future, err := pool.Dispatch(ctx, "hello", []byte("waPC"))
			if err != nil {
				return
			}
			_, _ = future.Wait(ctx)
		}()
	}
	wg.Wait()

	assert.Greater(t, pool.Population(), 1, "expected pool to grow above MinThreads under concurrent load")
	assert.LessOrEqual(t, pool.Population(), 5, "pool must never exceed MaxThreads")
}

// TestHostPool_DecaysToMinAfterIdle lets a grown pool sit idle past MaxIdle
// and expects it to shed workers back down to MinThreads.
func TestHostPool_DecaysToMinAfterIdle(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, wapc.HostPoolConfig{
		Name:       "TestHostPool_DecaysToMinAfterIdle",
		MinThreads: 1,
		MaxThreads: 5,
		MaxWait:    5 * time.Millisecond,
		MaxIdle:    30 * time.Millisecond,
	})
	defer pool.Close(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			future, err := pool.Dispatch(ctx, "hello", []byte("waPC"))
			if err != nil {
				return
			}
			_, _ = future.Wait(ctx)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return pool.Population() == 1
	}, 2*time.Second, 10*time.Millisecond, "expected pool to decay back to MinThreads after MaxIdle")
}

func TestHostPool_RejectsAfterClose(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, wapc.HostPoolConfig{
		Name:       "TestHostPool_RejectsAfterClose",
		MinThreads: 1,
		MaxThreads: 1,
		MaxWait:    10 * time.Millisecond,
		MaxIdle:    time.Second,
	})
	pool.Close(ctx)

	_, err := pool.Dispatch(ctx, "hello", []byte("waPC"))
	assert.ErrorIs(t, err, wapc.ErrPoolShutdown)
}
