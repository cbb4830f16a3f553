package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/testutil"
	"github.com/charlesren/netcfg/store"
	"github.com/charlesren/netcfg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	r1    = connection.DeviceEndpoint{Address: "192.0.2.1", Family: connection.FamilyCiscoIOS}
	r2    = connection.DeviceEndpoint{Address: "192.0.2.2", Family: connection.FamilyCiscoIOS}
	creds = connection.Credentials{Username: "admin", Password: "cisco", EnableSecret: "class"}
)

func ifaceIntent(name string) task.InterfaceConfig {
	return task.InterfaceConfig{Name: name, IP: "10.0.0.1", Mask: "255.255.255.0"}
}

func fastPolicy() task.Policy {
	p := task.DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

// recordingStore 包装存储，检测同一设备的写入是否重叠
type recordingStore struct {
	store.ConfigStore
	LoadFunc func(ctx context.Context, address string) (*store.DeviceRecord, error)
	SaveFunc func(ctx context.Context, rec *store.DeviceRecord) error

	mu       sync.Mutex
	inFlight map[string]int
	overlap  bool
	saves    []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{ConfigStore: store.NewMemoryStore(), inFlight: make(map[string]int)}
}

func (s *recordingStore) Load(ctx context.Context, address string) (*store.DeviceRecord, error) {
	if s.LoadFunc != nil {
		return s.LoadFunc(ctx, address)
	}
	return s.ConfigStore.Load(ctx, address)
}

func (s *recordingStore) Save(ctx context.Context, rec *store.DeviceRecord) error {
	s.mu.Lock()
	s.inFlight[rec.Address]++
	if s.inFlight[rec.Address] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight[rec.Address]--
		s.saves = append(s.saves, rec.LastResult.ResultID)
		s.mu.Unlock()
	}()

	time.Sleep(5 * time.Millisecond)
	if s.SaveFunc != nil {
		return s.SaveFunc(ctx, rec)
	}
	return s.ConfigStore.Save(ctx, rec)
}

func TestManager_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("success and reuse", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		st := newRecordingStore()
		m := New(testutil.NewPool(t, mt), WithStore(st), WithPolicy(fastPolicy()))

		res := m.Apply(ctx, ifaceIntent("GigabitEthernet1"), r1, creds)
		require.True(t, res.Succeeded(), res.Summary())
		assert.Equal(t, task.StateSucceeded, res.State)
		assert.Equal(t, "interface GigabitEthernet1", res.IntentRef)
		assert.Equal(t, []string{"interface GigabitEthernet1", "ip address 10.0.0.1 255.255.255.0", "no shutdown"}, res.CommandsSent)
		assert.Equal(t, 1, res.Attempts)
		assert.False(t, res.Reused)
		assert.Empty(t, res.PersistError)
		assert.Equal(t, 22, res.Endpoint.Port)

		rec, err := st.Load(ctx, r1.Address)
		require.NoError(t, err)
		assert.Equal(t, res.ID, rec.LastResult.ResultID)
		assert.Equal(t, "10.0.0.1", rec.Interfaces["GigabitEthernet1"].IP)

		again := m.Apply(ctx, ifaceIntent("GigabitEthernet2"), r1, creds)
		require.True(t, again.Succeeded())
		assert.True(t, again.Reused)
		assert.NotEqual(t, res.ID, again.ID)
		assert.Equal(t, 1, mt.Counts().Connects)

		stats := m.PoolStats()
		assert.Equal(t, 0, stats.Held)
		assert.Equal(t, 1, stats.Cached)
	})

	t.Run("serializes per endpoint", func(t *testing.T) {
		mt := &testutil.MockTransport{BatchDelay: 100 * time.Millisecond}
		st := newRecordingStore()
		m := New(testutil.NewPool(t, mt), WithStore(st))

		start := time.Now()
		var wg sync.WaitGroup
		results := make([]task.ExecutionResult, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = m.Apply(ctx, ifaceIntent(fmt.Sprintf("Gi%d", i)), r1, creds)
			}(i)
		}
		wg.Wait()

		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
		for _, r := range results {
			assert.True(t, r.Succeeded(), r.Summary())
		}
		assert.Equal(t, 1, mt.Counts().MaxInFlight)
		assert.False(t, st.overlap)
		assert.Len(t, st.saves, 2)

		rec, err := st.Load(ctx, r1.Address)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
		assert.Len(t, rec.Interfaces, 2)
	})

	t.Run("different endpoints run in parallel", func(t *testing.T) {
		mt := &testutil.MockTransport{BatchDelay: 100 * time.Millisecond}
		m := New(testutil.NewPool(t, mt))

		start := time.Now()
		var wg sync.WaitGroup
		for _, ep := range []connection.DeviceEndpoint{r1, r2} {
			wg.Add(1)
			go func(ep connection.DeviceEndpoint) {
				defer wg.Done()
				assert.True(t, m.Apply(ctx, ifaceIntent("Gi1"), ep, creds).Succeeded())
			}(ep)
		}
		wg.Wait()
		assert.Less(t, time.Since(start), 190*time.Millisecond)
	})

	t.Run("retries connect failure only", func(t *testing.T) {
		var mu sync.Mutex
		failures := 2
		mt := &testutil.MockTransport{}
		mt.ConnectFunc = func(ctx context.Context, ep connection.DeviceEndpoint) (connection.Channel, error) {
			mu.Lock()
			defer mu.Unlock()
			if failures > 0 {
				failures--
				return nil, connection.NewError(connection.CodeConnectFailure, "connection refused")
			}
			return testutil.NewMockChannel(ep), nil
		}
		m := New(testutil.NewPool(t, mt), WithPolicy(fastPolicy()))

		res := m.Apply(ctx, ifaceIntent("Gi1"), r1, creds)
		require.True(t, res.Succeeded(), res.Summary())
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, 1, mt.Counts().Batches)
	})

	t.Run("connect failure exhausts retries", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		mt.ConnectFunc = func(context.Context, connection.DeviceEndpoint) (connection.Channel, error) {
			return nil, connection.NewError(connection.CodeConnectFailure, "no route to host")
		}
		policy := fastPolicy()
		m := New(testutil.NewPool(t, mt), WithPolicy(policy))

		res := m.Apply(ctx, ifaceIntent("Gi1"), r1, creds)
		assert.Equal(t, task.StateFailed, res.State)
		assert.Equal(t, connection.CodeConnectFailure, res.ErrorCode)
		assert.Equal(t, policy.MaxRetries+1, res.Attempts)
		assert.False(t, res.NeedsVerification)
		assert.Equal(t, 0, mt.Counts().Batches)
		assert.Equal(t, 0, m.PoolStats().Held)
	})

	t.Run("auth failure is not retried", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		mt.AuthenticateFunc = func(context.Context, connection.Channel, connection.Credentials) error {
			return connection.NewError(connection.CodeAuthFailure, "permission denied")
		}
		m := New(testutil.NewPool(t, mt), WithPolicy(fastPolicy()))

		res := m.Apply(ctx, ifaceIntent("Gi1"), r1, creds)
		assert.Equal(t, connection.CodeAuthFailure, res.ErrorCode)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, 1, mt.Counts().Connects)
		assert.Equal(t, 0, mt.Counts().Batches)
	})

	t.Run("partial failure is never resent", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		mt.SendBatchFunc = func(_ context.Context, _ connection.Channel, commands []string, _ connection.SendOptions) (connection.BatchOutput, error) {
			out := testutil.OKOutput(commands)
			out.Statuses[1].State = connection.CommandError
			out.Statuses[1].Error = "% Invalid input detected at '^' marker."
			return out, nil
		}
		st := newRecordingStore()
		m := New(testutil.NewPool(t, mt), WithStore(st), WithPolicy(fastPolicy()))

		res := m.Apply(ctx, ifaceIntent("Gi1"), r1, creds)
		assert.Equal(t, task.StatePartiallyFailed, res.State)
		assert.Equal(t, connection.CodePartialFailure, res.ErrorCode)
		assert.True(t, res.NeedsVerification)
		assert.Equal(t, 1, mt.Counts().Batches)
		assert.Equal(t, 1, m.PoolStats().Cached, "command errors keep the session")

		rec, err := st.Load(ctx, r1.Address)
		require.NoError(t, err)
		assert.True(t, rec.NeedsVerification)
		assert.Empty(t, rec.Interfaces)
	})

	t.Run("transport fault destroys session", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		mt.SendBatchFunc = func(_ context.Context, ch connection.Channel, commands []string, _ connection.SendOptions) (connection.BatchOutput, error) {
			ch.(*testutil.MockChannel).Kill()
			out := testutil.OKOutput(commands[:1])
			return out, connection.NewError(connection.CodeFailure, "connection reset by peer")
		}
		m := New(testutil.NewPool(t, mt), WithPolicy(fastPolicy()))

		res := m.Apply(ctx, ifaceIntent("Gi1"), r1, creds)
		assert.Equal(t, task.StateFailed, res.State)
		assert.True(t, res.TransportFault)
		assert.True(t, res.NeedsVerification)
		assert.Equal(t, []string{"interface Gi1"}, res.CommandsSent)

		stats := m.PoolStats()
		assert.Equal(t, 0, stats.Cached)
		assert.Equal(t, int64(1), stats.Destroyed)
		assert.Equal(t, 1, mt.Counts().Batches)
	})

	t.Run("malformed intent never connects", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		m := New(testutil.NewPool(t, mt))

		res := m.Apply(ctx, task.InterfaceConfig{Name: "Gi1"}, r1, creds)
		assert.Equal(t, connection.CodeMalformedIntent, res.ErrorCode)
		assert.Equal(t, task.StateFailed, res.State)
		assert.Equal(t, 0, mt.Counts().Connects)

		res = m.Apply(ctx, nil, r1, creds)
		assert.Equal(t, connection.CodeMalformedIntent, res.ErrorCode)
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		m := New(testutil.NewPool(t, mt))

		res := m.Apply(ctx, ifaceIntent("Gi1"), connection.DeviceEndpoint{}, creds)
		assert.Equal(t, connection.CodeInvalidEndpoint, res.ErrorCode)

		res = m.Apply(ctx, ifaceIntent("Gi1"), connection.DeviceEndpoint{Address: "192.0.2.1", Family: "cisco_catos"}, creds)
		assert.Equal(t, connection.CodeUnsupportedFamily, res.ErrorCode)
		assert.Equal(t, 0, mt.Counts().Connects)
	})

	t.Run("cancelled context", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		m := New(testutil.NewPool(t, mt))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		res := m.Apply(cctx, ifaceIntent("Gi1"), r1, creds)
		assert.Equal(t, connection.CodeAcquireTimeout, res.ErrorCode)
		assert.Equal(t, 0, mt.Counts().Batches)
	})
}

func TestManager_PersistAfterCallerGone(t *testing.T) {
	tests := []struct {
		name string
		// ctx 返回调用方上下文；interrupt 在两条命令发出后结束它
		ctx       func() (context.Context, context.CancelFunc)
		interrupt func(ctx context.Context, cancel context.CancelFunc)
	}{
		{
			name: "cancelled",
			ctx:  func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			interrupt: func(ctx context.Context, cancel context.CancelFunc) {
				cancel()
			},
		},
		{
			name: "deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			interrupt: func(ctx context.Context, cancel context.CancelFunc) {
				<-ctx.Done()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "netcfg.db"))
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })

			cctx, cancel := tt.ctx()
			defer cancel()
			mt := &testutil.MockTransport{}
			mt.SendBatchFunc = func(ctx context.Context, ch connection.Channel, commands []string, opts connection.SendOptions) (connection.BatchOutput, error) {
				out := testutil.OKOutput(commands[:2])
				tt.interrupt(cctx, cancel)
				return out, connection.NewErrorWithCause(connection.CodeFailure, "batch interrupted", cctx.Err())
			}
			m := New(testutil.NewPool(t, mt), WithStore(st), WithPolicy(fastPolicy()))

			res := m.Apply(cctx, ifaceIntent("Gi1"), r1, creds)
			assert.Equal(t, task.OutcomeFailure, res.Outcome)
			assert.True(t, res.NeedsVerification)
			assert.Len(t, res.CommandsSent, 2)
			assert.Empty(t, res.PersistError)

			rec, err := st.Load(context.Background(), r1.Address)
			require.NoError(t, err)
			assert.True(t, rec.NeedsVerification)
			assert.Equal(t, res.ID, rec.LastResult.ResultID)
			assert.Equal(t, task.OutcomeFailure, rec.LastResult.Outcome)
		})
	}
}

func TestManager_FinishRequiresTerminalState(t *testing.T) {
	m := New(testutil.NewPool(t, &testutil.MockTransport{}))

	res := m.finish(task.NewResult(ifaceIntent("Gi1"), r1))
	assert.Equal(t, task.StateFailed, res.State)
	assert.Equal(t, task.OutcomeFailure, res.Outcome)
	assert.Equal(t, connection.CodeFailure, res.ErrorCode)
}

func TestManager_Store(t *testing.T) {
	ctx := context.Background()

	t.Run("pre-seeds endpoint from record", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		st := newRecordingStore()
		require.NoError(t, st.ConfigStore.Save(ctx, &store.DeviceRecord{
			Address: "192.0.2.9", Family: connection.FamilyHuaweiVRP, Port: 2222, AuthRef: "branch",
		}))
		m := New(testutil.NewPool(t, mt), WithStore(st))

		res := m.Apply(ctx, ifaceIntent("Gi1"), connection.DeviceEndpoint{Address: "192.0.2.9"}, creds)
		require.True(t, res.Succeeded(), res.Summary())
		assert.Equal(t, connection.FamilyHuaweiVRP, res.Endpoint.Family)
		assert.Equal(t, 2222, res.Endpoint.Port)
		assert.Equal(t, "branch", res.Endpoint.AuthRef)
	})

	t.Run("load failure short-circuits", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		st := newRecordingStore()
		st.LoadFunc = func(context.Context, string) (*store.DeviceRecord, error) {
			return nil, errors.New("database is locked")
		}
		m := New(testutil.NewPool(t, mt), WithStore(st))

		res := m.Apply(ctx, ifaceIntent("Gi1"), r1, creds)
		assert.Equal(t, connection.CodeStoreFailure, res.ErrorCode)
		assert.Contains(t, res.ErrorDetail, "database is locked")
		assert.Equal(t, 0, mt.Counts().Connects)
	})

	t.Run("save failure keeps device outcome", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		st := newRecordingStore()
		st.SaveFunc = func(context.Context, *store.DeviceRecord) error {
			return errors.New("disk full")
		}
		m := New(testutil.NewPool(t, mt), WithStore(st))

		res := m.Apply(ctx, ifaceIntent("Gi1"), r1, creds)
		assert.True(t, res.Succeeded())
		assert.Contains(t, res.PersistError, "disk full")
		assert.Equal(t, 0, m.PoolStats().Held)
	})
}

func TestManager_Aggregator(t *testing.T) {
	mt := &testutil.MockTransport{}
	agg := task.NewAggregator(1, 1, time.Hour)
	h := &collectHandler{}
	agg.AddHandler(h)
	agg.Start()

	m := New(testutil.NewPool(t, mt), WithAggregator(agg))
	ok := m.Apply(context.Background(), ifaceIntent("Gi1"), r1, creds)
	bad := m.Apply(context.Background(), task.OSPFConfig{}, r1, creds)
	require.NoError(t, m.Close())

	events := h.all()
	require.Len(t, events, 2)
	ids := []string{events[0].ResultID, events[1].ResultID}
	assert.ElementsMatch(t, []string{ok.ID, bad.ID}, ids)
}

type collectHandler struct {
	mu     sync.Mutex
	events []task.ResultEvent
}

func (h *collectHandler) HandleResult(events []task.ResultEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, events...)
	return nil
}

func (h *collectHandler) all() []task.ResultEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]task.ResultEvent(nil), h.events...)
}

func TestManager_ApplyAll(t *testing.T) {
	ctx := context.Background()

	t.Run("preserves order", func(t *testing.T) {
		mt := &testutil.MockTransport{BatchDelay: 10 * time.Millisecond}
		m := New(testutil.NewPool(t, mt), WithWorkers(3))

		var reqs []ApplyRequest
		for i := 0; i < 9; i++ {
			ep := []connection.DeviceEndpoint{r1, r2, {Address: "192.0.2.3"}}[i%3]
			reqs = append(reqs, ApplyRequest{Intent: ifaceIntent(fmt.Sprintf("Gi%d", i)), Endpoint: ep, Credentials: creds})
		}
		reqs = append(reqs, ApplyRequest{Intent: task.ACLConfig{}, Endpoint: r1, Credentials: creds})

		results := m.ApplyAll(ctx, reqs)
		require.Len(t, results, len(reqs))
		for i := 0; i < 9; i++ {
			assert.Equal(t, fmt.Sprintf("interface Gi%d", i), results[i].IntentRef)
			assert.True(t, results[i].Succeeded(), results[i].Summary())
			assert.Equal(t, reqs[i].Endpoint.Address, results[i].Endpoint.Address)
		}
		assert.Equal(t, connection.CodeMalformedIntent, results[9].ErrorCode)
		assert.Equal(t, 1, mt.Counts().MaxInFlight)
		assert.Equal(t, 3, mt.Counts().Connects)
	})

	t.Run("empty", func(t *testing.T) {
		m := New(testutil.NewPool(t, &testutil.MockTransport{}))
		assert.Empty(t, m.ApplyAll(ctx, nil))
	})

	t.Run("panic in one request", func(t *testing.T) {
		mt := &testutil.MockTransport{}
		mt.SendBatchFunc = func(_ context.Context, ch connection.Channel, commands []string, _ connection.SendOptions) (connection.BatchOutput, error) {
			if ch.Endpoint().Address == r2.Address {
				panic("driver bug")
			}
			return testutil.OKOutput(commands), nil
		}
		m := New(testutil.NewPool(t, mt), WithWorkers(2))

		results := m.ApplyAll(ctx, []ApplyRequest{
			{Intent: ifaceIntent("Gi1"), Endpoint: r1, Credentials: creds},
			{Intent: ifaceIntent("Gi1"), Endpoint: r2, Credentials: creds},
		})
		assert.True(t, results[0].Succeeded())
		assert.Equal(t, connection.CodeFailure, results[1].ErrorCode)
		assert.Contains(t, results[1].ErrorDetail, "driver bug")
		assert.Equal(t, 0, m.PoolStats().Held)
	})
}
