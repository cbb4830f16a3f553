// Package manager 编排一次配置下发：生成命令、获取会话、执行、记录结果。
package manager

import (
	"context"
	"errors"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/store"
	"github.com/charlesren/netcfg/task"
)

const managerModule = "manager"

// persistTimeout 执行结果写入存储的时限，不受调用方上下文影响
const persistTimeout = 10 * time.Second

// Manager 对外的下发入口，可被多个goroutine并发调用
type Manager struct {
	pool       *connection.Pool
	intents    *task.Registry
	executor   *task.Executor
	store      store.ConfigStore
	aggregator *task.Aggregator

	policy         task.Policy
	acquireTimeout time.Duration
	workers        int
}

type Option func(*Manager)

// WithStore 结果写入设备存储，并用存储中的记录补全端点信息
func WithStore(s store.ConfigStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithAggregator 结果同时提交给聚合器（审计日志等）
func WithAggregator(a *task.Aggregator) Option {
	return func(m *Manager) { m.aggregator = a }
}

func WithPolicy(p task.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithAcquireTimeout 单次获取会话的最长等待
func WithAcquireTimeout(d time.Duration) Option {
	return func(m *Manager) { m.acquireTimeout = d }
}

// WithWorkers ApplyAll 的并发数
func WithWorkers(n int) Option {
	return func(m *Manager) { m.workers = n }
}

func WithIntentRegistry(r *task.Registry) Option {
	return func(m *Manager) { m.intents = r }
}

func WithExecutor(e *task.Executor) Option {
	return func(m *Manager) { m.executor = e }
}

func New(pool *connection.Pool, opts ...Option) *Manager {
	m := &Manager{
		pool:           pool,
		intents:        task.DefaultRegistry,
		executor:       task.NewExecutor(),
		policy:         task.DefaultPolicy(),
		acquireTimeout: 30 * time.Second,
		workers:        8,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers < 1 {
		m.workers = 1
	}
	return m
}

// Apply 把一个意图下发到设备。结果总会返回：发送前的失败带错误码，
// 发送中的失败带已发送命令和原始输出。批量命令只执行一次，从不重发。
func (m *Manager) Apply(ctx context.Context, intent task.ConfigIntent, endpoint connection.DeviceEndpoint, creds connection.Credentials) task.ExecutionResult {
	res := task.NewResult(intent, endpoint)

	batch, err := m.intents.Build(intent)
	if err != nil {
		return m.finish(res.Fail(err))
	}

	endpoint, err = m.seedEndpoint(ctx, endpoint)
	if err != nil {
		return m.finish(res.Fail(err))
	}
	res.Endpoint = endpoint.WithDefaults()
	if err := endpoint.Validate(); err != nil {
		return m.finish(res.Fail(err))
	}

	lease, attempts, err := m.acquire(ctx, endpoint, creds)
	res.Attempts = attempts
	if err != nil {
		return m.finish(res.Fail(err))
	}

	return m.finish(m.execute(ctx, lease, intent, batch, res))
}

// execute 执行并记录结果，返回前归还租约；传输故障时会话被销毁
func (m *Manager) execute(ctx context.Context, lease *connection.Lease, intent task.ConfigIntent, batch task.CommandBatch, base task.ExecutionResult) task.ExecutionResult {
	outcome := connection.SessionFaulted
	defer func() { lease.Release(outcome) }()

	run := m.executor.Run(ctx, lease, batch, m.policy)
	run.ID = base.ID
	run.IntentRef = base.IntentRef
	run.IntentKind = base.IntentKind
	run.Attempts = base.Attempts
	run.StartedAt = base.StartedAt
	run.Reused = lease.Reused
	if !run.TransportFault {
		outcome = connection.SessionHealthy
	}

	// 持有租约期间写入，同一设备的记录按执行顺序落盘。命令可能已到达设备，
	// 调用方取消后仍要记录结果
	if m.store != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err := store.RecordResult(persistCtx, m.store, intent, run)
		cancel()
		if err != nil {
			run.PersistError = err.Error()
			xlog.Errorf(managerModule, "persist result %s for %s: %v", run.ID, lease.Endpoint().Key(), err)
		}
	}
	return run
}

// seedEndpoint 用存储中的记录补全未指定的类型、端口和凭据引用
func (m *Manager) seedEndpoint(ctx context.Context, endpoint connection.DeviceEndpoint) (connection.DeviceEndpoint, error) {
	if m.store == nil || endpoint.Address == "" {
		return endpoint, nil
	}
	rec, err := m.store.Load(ctx, endpoint.Address)
	if errors.Is(err, store.ErrNotFound) {
		return endpoint, nil
	}
	if err != nil {
		return endpoint, connection.NewErrorWithCause(connection.CodeStoreFailure,
			"loading device record", err).AddDetail("address", endpoint.Address)
	}
	if endpoint.Family == "" {
		endpoint.Family = rec.Family
	}
	if endpoint.Port == 0 {
		endpoint.Port = rec.Port
	}
	if endpoint.AuthRef == "" {
		endpoint.AuthRef = rec.AuthRef
	}
	return endpoint, nil
}

// acquire 只对发送前错误（连接失败、排队超时）按策略重试
func (m *Manager) acquire(ctx context.Context, endpoint connection.DeviceEndpoint, creds connection.Credentials) (*connection.Lease, int, error) {
	var (
		lease    *connection.Lease
		attempts int
	)
	retrier := connection.NewRetrier(m.policy.RetryPolicy(), 0).
		WithRetryCallback(func(attempt int, err error) {
			xlog.Warnf(managerModule, "acquire %s attempt %d failed, retrying: %v", endpoint.Key(), attempt, err)
		})

	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		l, err := m.pool.Acquire(ctx, endpoint, creds, m.acquireTimeout)
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	if err != nil {
		var coded *connection.Error
		if !errors.As(err, &coded) {
			// 上下文在首次尝试前已结束
			err = connection.NewErrorWithCause(connection.CodeAcquireTimeout, "context done before session acquired", err)
		}
		return nil, attempts, err
	}
	return lease, attempts, nil
}

func (m *Manager) finish(res task.ExecutionResult) task.ExecutionResult {
	if !res.State.IsTerminal() {
		res = res.Fail(connection.NewError(connection.CodeFailure, "execution ended in state "+string(res.State)))
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	if m.aggregator != nil {
		if err := m.aggregator.SubmitResult(res); err != nil {
			xlog.Warnf(managerModule, "result %s not submitted to aggregator: %v", res.ID, err)
		}
	}
	xlog.Infof(managerModule, "%s", res.Summary())
	return res
}

// PoolStats 会话池统计
func (m *Manager) PoolStats() connection.PoolStats {
	return m.pool.Stats()
}

// Store 设备存储，未配置时为nil
func (m *Manager) Store() store.ConfigStore {
	return m.store
}

// Close 关闭会话池、聚合器和存储
func (m *Manager) Close() error {
	var errs []error
	if err := m.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.aggregator != nil {
		m.aggregator.Stop()
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
