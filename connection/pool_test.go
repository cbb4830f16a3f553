package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testPoolConfig() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.CleanupInterval = time.Hour
	return cfg
}

var (
	testEndpoint = DeviceEndpoint{Address: "10.0.0.1", Family: FamilyCiscoIOS}
	testCreds    = Credentials{Username: "admin", Password: "secret", EnableSecret: "enable"}
)

func TestPool_ReuseAndFault(t *testing.T) {
	t.Parallel()
	mt := &MockTransport{}
	pool := NewPool(testPoolConfig(), newMockRegistry(mt))
	defer pool.Close()
	ctx := context.Background()

	t.Run("first acquire dials", func(t *testing.T) {
		lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		assert.False(t, lease.Reused)
		assert.Equal(t, 22, lease.Endpoint().Port)
		lease.Release(SessionHealthy)
		assert.Equal(t, 1, pool.Stats().Cached)
	})

	t.Run("healthy release is reused", func(t *testing.T) {
		lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		assert.True(t, lease.Reused)
		connects, _, checks := mt.counts()
		assert.Equal(t, 1, connects)
		assert.Equal(t, 1, checks)
		lease.Release(SessionFaulted)
	})

	t.Run("faulted session is destroyed", func(t *testing.T) {
		assert.Equal(t, 0, pool.Stats().Cached)
		_, disconnects, _ := mt.counts()
		assert.Equal(t, 1, disconnects)

		lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		assert.False(t, lease.Reused)
		lease.Release(SessionHealthy)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		lease.Release(SessionHealthy)
		lease.Release(SessionFaulted)
		assert.Equal(t, 1, pool.Stats().Cached)
		assert.True(t, lease.Released())
	})
}

func TestPool_FIFOWaiters(t *testing.T) {
	t.Parallel()
	pool := NewPool(testPoolConfig(), newMockRegistry(&MockTransport{}))
	defer pool.Close()
	ctx := context.Background()

	holder, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
	require.NoError(t, err)

	const waiters = 8
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := pool.Acquire(ctx, testEndpoint, testCreds, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			lease.Release(SessionHealthy)
		}(i)
		want := i + 1
		require.Eventually(t, func() bool { return pool.Stats().Waiters == want }, time.Second, time.Millisecond)
	}

	holder.Release(SessionHealthy)
	wg.Wait()

	expected := make([]int, waiters)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
	assert.Equal(t, PoolStats{Entries: 1, Cached: 1, Created: 1, Reused: waiters}, pool.Stats())
}

func TestPool_AcquireTimeout(t *testing.T) {
	t.Parallel()
	pool := NewPool(testPoolConfig(), newMockRegistry(&MockTransport{}))
	defer pool.Close()
	ctx := context.Background()

	holder, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(ctx, testEndpoint, testCreds, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAcquireTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	st := pool.Stats()
	assert.Equal(t, 0, st.Waiters, "timed out waiter must leave the queue")
	assert.Equal(t, 1, st.Held)
	assert.EqualValues(t, 1, st.AcquireTimeouts)

	holder.Release(SessionHealthy)

	lease, err := pool.Acquire(ctx, testEndpoint, testCreds, 50*time.Millisecond)
	require.NoError(t, err)
	lease.Release(SessionHealthy)
}

func TestPool_ContextCancelWhileWaiting(t *testing.T) {
	t.Parallel()
	pool := NewPool(testPoolConfig(), newMockRegistry(&MockTransport{}))
	defer pool.Close()

	holder, err := pool.Acquire(context.Background(), testEndpoint, testCreds, 0)
	require.NoError(t, err)
	defer holder.Release(SessionHealthy)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, testEndpoint, testCreds, 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return pool.Stats().Waiters == 1 }, time.Second, time.Millisecond)
	cancel()

	err = <-done
	assert.Equal(t, CodeAcquireTimeout, CodeOf(err))
	assert.Equal(t, 0, pool.Stats().Waiters)
}

func TestPool_SetupFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		transport       *MockTransport
		code            ErrorCode
		wantDisconnects int
	}{
		{
			name: "connect failure",
			transport: &MockTransport{ConnectFunc: func(ctx context.Context, ep DeviceEndpoint) (Channel, error) {
				return nil, NewError(CodeConnectFailure, "connection refused")
			}},
			code: CodeConnectFailure,
		},
		{
			name: "untyped connect error",
			transport: &MockTransport{ConnectFunc: func(ctx context.Context, ep DeviceEndpoint) (Channel, error) {
				return nil, errors.New("no route to host")
			}},
			code: CodeConnectFailure,
		},
		{
			name: "auth failure",
			transport: &MockTransport{AuthenticateFunc: func(ctx context.Context, ch Channel, c Credentials) error {
				return NewError(CodeAuthFailure, "bad password")
			}},
			code:            CodeAuthFailure,
			wantDisconnects: 1,
		},
		{
			name: "elevate failure",
			transport: &MockTransport{ElevateFunc: func(ctx context.Context, ch Channel, secret string) error {
				return errors.New("% Access denied")
			}},
			code:            CodeElevateFailure,
			wantDisconnects: 1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool := NewPool(testPoolConfig(), newMockRegistry(tt.transport))
			defer pool.Close()

			_, err := pool.Acquire(context.Background(), testEndpoint, testCreds, time.Second)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))

			st := pool.Stats()
			assert.Equal(t, 0, st.Held, "failed setup must not hold the endpoint")
			assert.Equal(t, 0, st.Entries)
			assert.EqualValues(t, 1, st.Failures)
			_, disconnects, _ := tt.transport.counts()
			assert.Equal(t, tt.wantDisconnects, disconnects)
		})
	}
}

func TestPool_ConnectFailureHandsOffToWaiter(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	release := make(chan struct{})
	mt := &MockTransport{ConnectFunc: func(ctx context.Context, ep DeviceEndpoint) (Channel, error) {
		if attempts.Add(1) == 1 {
			<-release
			return nil, NewError(CodeConnectFailure, "timeout")
		}
		ch := &mockChannel{id: "ok", endpoint: ep}
		ch.alive.Store(true)
		return ch, nil
	}}
	pool := NewPool(testPoolConfig(), newMockRegistry(mt))
	defer pool.Close()

	first := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), testEndpoint, testCreds, 0)
		first <- err
	}()
	require.Eventually(t, func() bool { return pool.Stats().Held == 1 }, time.Second, time.Millisecond)

	second := make(chan *Lease, 1)
	go func() {
		lease, err := pool.Acquire(context.Background(), testEndpoint, testCreds, 2*time.Second)
		assert.NoError(t, err)
		second <- lease
	}()
	require.Eventually(t, func() bool { return pool.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	close(release)
	assert.Equal(t, CodeConnectFailure, CodeOf(<-first))
	lease := <-second
	require.NotNil(t, lease)
	lease.Release(SessionHealthy)
}

func TestPool_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("idle sessions are cleaned up", func(t *testing.T) {
		clock := newFakeClock()
		mt := &MockTransport{}
		cfg := testPoolConfig()
		cfg.IdleTimeout = time.Minute
		pool := NewPool(cfg, newMockRegistry(mt), WithClock(clock.Now))
		defer pool.Close()

		lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		lease.Release(SessionHealthy)

		assert.Equal(t, 0, pool.cleanupIdle())
		clock.Advance(2 * time.Minute)
		assert.Equal(t, 1, pool.cleanupIdle())
		assert.Equal(t, PoolStats{Created: 1, Destroyed: 1}, pool.Stats())
	})

	t.Run("sessions past max age are not reused", func(t *testing.T) {
		clock := newFakeClock()
		mt := &MockTransport{}
		cfg := testPoolConfig()
		cfg.IdleTimeout = 0
		cfg.MaxSessionAge = 10 * time.Minute
		pool := NewPool(cfg, newMockRegistry(mt), WithClock(clock.Now))
		defer pool.Close()

		lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		lease.Release(SessionHealthy)

		clock.Advance(11 * time.Minute)
		lease, err = pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		assert.False(t, lease.Reused)
		lease.Release(SessionHealthy)
	})

	t.Run("usage limit retires session", func(t *testing.T) {
		mt := &MockTransport{}
		cfg := testPoolConfig()
		cfg.MaxUsageCount = 2
		pool := NewPool(cfg, newMockRegistry(mt))
		defer pool.Close()

		for i := 0; i < 2; i++ {
			lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
			require.NoError(t, err)
			lease.Release(SessionHealthy)
		}
		assert.Equal(t, 0, pool.Stats().Cached)
	})

	t.Run("changed credentials force a new session", func(t *testing.T) {
		mt := &MockTransport{}
		pool := NewPool(testPoolConfig(), newMockRegistry(mt))
		defer pool.Close()

		lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		lease.Release(SessionHealthy)

		other := testCreds
		other.Password = "rotated"
		lease, err = pool.Acquire(ctx, testEndpoint, other, time.Second)
		require.NoError(t, err)
		assert.False(t, lease.Reused)
		lease.Release(SessionHealthy)
	})

	t.Run("failed health check dials again", func(t *testing.T) {
		mt := &MockTransport{HealthCheckFunc: func(ctx context.Context, ch Channel) error {
			return errors.New("no prompt")
		}}
		pool := NewPool(testPoolConfig(), newMockRegistry(mt))
		defer pool.Close()

		lease, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		lease.Release(SessionHealthy)

		lease, err = pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		assert.False(t, lease.Reused)
		connects, disconnects, _ := mt.counts()
		assert.Equal(t, 2, connects)
		assert.Equal(t, 1, disconnects)
		lease.Release(SessionHealthy)
	})
}

func TestPool_LRUCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testPoolConfig()
	cfg.MaxCachedSessions = 2
	pool := NewPool(cfg, newMockRegistry(&MockTransport{}))
	defer pool.Close()

	endpoints := []DeviceEndpoint{
		{Address: "10.0.0.1"},
		{Address: "10.0.0.2"},
		{Address: "10.0.0.3"},
	}
	for _, ep := range endpoints {
		lease, err := pool.Acquire(ctx, ep, testCreds, time.Second)
		require.NoError(t, err)
		lease.Release(SessionHealthy)
	}

	st := pool.Stats()
	assert.Equal(t, 2, st.Cached)
	assert.EqualValues(t, 1, st.Destroyed)
	assert.Equal(t, 2, st.Entries)

	lease, err := pool.Acquire(ctx, endpoints[0], testCreds, time.Second)
	require.NoError(t, err)
	assert.False(t, lease.Reused, "least recently used session should have been evicted")
	lease.Release(SessionHealthy)

	lease, err = pool.Acquire(ctx, endpoints[2], testCreds, time.Second)
	require.NoError(t, err)
	assert.True(t, lease.Reused)
	lease.Release(SessionHealthy)
}

func TestPool_CachingDisabled(t *testing.T) {
	t.Parallel()
	cfg := testPoolConfig()
	cfg.MaxCachedSessions = 0
	mt := &MockTransport{}
	pool := NewPool(cfg, newMockRegistry(mt))
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), testEndpoint, testCreds, time.Second)
	require.NoError(t, err)
	lease.Release(SessionHealthy)
	assert.Equal(t, 0, pool.Stats().Cached)
	_, disconnects, _ := mt.counts()
	assert.Equal(t, 1, disconnects)
}

func TestPool_NegativeCacheCap(t *testing.T) {
	t.Parallel()
	cfg := testPoolConfig()
	cfg.MaxCachedSessions = -1
	mt := &MockTransport{}
	pool := NewPool(cfg, newMockRegistry(mt))
	defer pool.Close()

	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire(context.Background(), testEndpoint, testCreds, time.Second)
		require.NoError(t, err)
		assert.NotPanics(t, func() { lease.Release(SessionHealthy) })
	}
	assert.Equal(t, 0, pool.Stats().Cached)
	_, disconnects, _ := mt.counts()
	assert.Equal(t, 2, disconnects)
}

func TestPool_DestroyOnce(t *testing.T) {
	t.Parallel()
	mt := &MockTransport{}
	pool := NewPool(testPoolConfig(), newMockRegistry(mt))
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), testEndpoint, testCreds, time.Second)
	require.NoError(t, err)
	s := lease.session
	lease.Release(SessionFaulted)
	assert.Equal(t, StateClosed, s.State())

	pool.destroy(s, "again")
	assert.Equal(t, int64(1), pool.Stats().Destroyed)
	_, disconnects, _ := mt.counts()
	assert.Equal(t, 1, disconnects)
}

func TestPool_Close(t *testing.T) {
	t.Parallel()
	mt := &MockTransport{}
	pool := NewPool(testPoolConfig(), newMockRegistry(mt))
	ctx := context.Background()

	cached, err := pool.Acquire(ctx, DeviceEndpoint{Address: "10.0.0.9"}, testCreds, time.Second)
	require.NoError(t, err)
	cached.Release(SessionHealthy)

	holder, err := pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, testEndpoint, testCreds, 5*time.Second)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return pool.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	require.NoError(t, pool.Close())
	assert.Equal(t, CodePoolClosed, CodeOf(<-waitErr))

	_, err = pool.Acquire(ctx, testEndpoint, testCreds, time.Second)
	assert.Equal(t, CodePoolClosed, CodeOf(err))

	holder.Release(SessionHealthy)
	_, disconnects, _ := mt.counts()
	assert.Equal(t, 2, disconnects, "cached and held sessions are both disconnected")
	assert.NoError(t, pool.Close())
}

func TestPool_RejectsBadEndpoints(t *testing.T) {
	t.Parallel()
	pool := NewPool(testPoolConfig(), newMockRegistry(&MockTransport{}))
	defer pool.Close()
	ctx := context.Background()

	_, err := pool.Acquire(ctx, DeviceEndpoint{}, testCreds, time.Second)
	assert.Equal(t, CodeInvalidEndpoint, CodeOf(err))

	_, err = pool.Acquire(ctx, DeviceEndpoint{Address: "10.0.0.1", Family: "os2"}, testCreds, time.Second)
	assert.Equal(t, CodeUnsupportedFamily, CodeOf(err))

	// 已知类型但未注册驱动
	_, err = pool.Acquire(ctx, DeviceEndpoint{Address: "10.0.0.1", Family: FamilyJuniperJunos}, testCreds, time.Second)
	assert.Equal(t, CodeUnsupportedFamily, CodeOf(err))
	assert.Equal(t, 0, pool.Stats().Entries)
}
