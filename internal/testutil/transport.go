// Package testutil 提供跨包测试使用的模拟驱动。
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/google/uuid"
)

// MockChannel 模拟通道
type MockChannel struct {
	id       string
	endpoint connection.DeviceEndpoint
	alive    atomic.Bool
}

func NewMockChannel(endpoint connection.DeviceEndpoint) *MockChannel {
	ch := &MockChannel{id: uuid.NewString(), endpoint: endpoint}
	ch.alive.Store(true)
	return ch
}

func (c *MockChannel) ID() string                          { return c.id }
func (c *MockChannel) Endpoint() connection.DeviceEndpoint { return c.endpoint }
func (c *MockChannel) Alive() bool                         { return c.alive.Load() }

// Kill 模拟通道断开
func (c *MockChannel) Kill() { c.alive.Store(false) }

// Counts 调用计数
type Counts struct {
	Connects     int
	Disconnects  int
	HealthChecks int
	Batches      int
	// MaxInFlight 同一设备上同时执行的 SendBatch 最大数
	MaxInFlight int
}

// MockTransport 以函数字段定制行为的驱动；未设置的函数走成功路径
type MockTransport struct {
	ConnectFunc      func(ctx context.Context, endpoint connection.DeviceEndpoint) (connection.Channel, error)
	AuthenticateFunc func(ctx context.Context, ch connection.Channel, creds connection.Credentials) error
	ElevateFunc      func(ctx context.Context, ch connection.Channel, secret string) error
	SendBatchFunc    func(ctx context.Context, ch connection.Channel, commands []string, opts connection.SendOptions) (connection.BatchOutput, error)
	HealthCheckFunc  func(ctx context.Context, ch connection.Channel) error
	// BatchDelay 每次 SendBatch 的模拟耗时
	BatchDelay time.Duration

	mu       sync.Mutex
	counts   Counts
	inFlight map[string]int
	sent     [][]string
}

func (m *MockTransport) Protocol() connection.Protocol { return connection.ProtocolSSH }

func (m *MockTransport) Connect(ctx context.Context, endpoint connection.DeviceEndpoint) (connection.Channel, error) {
	m.mu.Lock()
	m.counts.Connects++
	m.mu.Unlock()
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, endpoint)
	}
	return NewMockChannel(endpoint), nil
}

func (m *MockTransport) Authenticate(ctx context.Context, ch connection.Channel, creds connection.Credentials) error {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, ch, creds)
	}
	return nil
}

func (m *MockTransport) Elevate(ctx context.Context, ch connection.Channel, secret string) error {
	if m.ElevateFunc != nil {
		return m.ElevateFunc(ctx, ch, secret)
	}
	return nil
}

func (m *MockTransport) SendBatch(ctx context.Context, ch connection.Channel, commands []string, opts connection.SendOptions) (connection.BatchOutput, error) {
	key := ch.Endpoint().Key()
	m.mu.Lock()
	m.counts.Batches++
	if m.inFlight == nil {
		m.inFlight = make(map[string]int)
	}
	m.inFlight[key]++
	if m.inFlight[key] > m.counts.MaxInFlight {
		m.counts.MaxInFlight = m.inFlight[key]
	}
	m.sent = append(m.sent, append([]string(nil), commands...))
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight[key]--
		m.mu.Unlock()
	}()

	if m.BatchDelay > 0 {
		select {
		case <-time.After(m.BatchDelay):
		case <-ctx.Done():
			return connection.BatchOutput{}, connection.NewErrorWithCause(connection.CodeFailure, "batch cancelled", ctx.Err())
		}
	}
	if m.SendBatchFunc != nil {
		return m.SendBatchFunc(ctx, ch, commands, opts)
	}
	return OKOutput(commands), nil
}

func (m *MockTransport) HealthCheck(ctx context.Context, ch connection.Channel) error {
	m.mu.Lock()
	m.counts.HealthChecks++
	m.mu.Unlock()
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx, ch)
	}
	return nil
}

func (m *MockTransport) Disconnect(ch connection.Channel) error {
	m.mu.Lock()
	m.counts.Disconnects++
	m.mu.Unlock()
	if mc, ok := ch.(*MockChannel); ok {
		mc.Kill()
	}
	return nil
}

func (m *MockTransport) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

// Sent 按调用顺序返回每次 SendBatch 收到的命令
func (m *MockTransport) Sent() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.sent))
	copy(out, m.sent)
	return out
}

// OKOutput 全部命令成功的输出
func OKOutput(commands []string) connection.BatchOutput {
	out := connection.BatchOutput{}
	for i, c := range commands {
		out.Statuses = append(out.Statuses, connection.CommandStatus{Index: i, Command: c, State: connection.CommandOK})
		out.Raw += "R1(config)#" + c + "\n"
	}
	return out
}

// NewRegistry 所有设备类型都使用同一个驱动
func NewRegistry(t connection.Transport) *connection.Registry {
	r := connection.NewRegistry()
	for _, f := range connection.Families() {
		r.Register(f, t)
	}
	return r
}

// NewPool 使用模拟驱动的连接池，测试结束时关闭
func NewPool(t interface{ Cleanup(func()) }, transport connection.Transport) *connection.Pool {
	cfg := connection.DefaultPoolConfig()
	cfg.CleanupInterval = time.Hour
	p := connection.NewPool(cfg, NewRegistry(transport))
	t.Cleanup(func() { p.Close() })
	return p
}
