package connection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type mockChannel struct {
	id       string
	endpoint DeviceEndpoint
	alive    atomic.Bool
}

func (c *mockChannel) ID() string               { return c.id }
func (c *mockChannel) Endpoint() DeviceEndpoint { return c.endpoint }
func (c *mockChannel) Alive() bool              { return c.alive.Load() }

// MockTransport 以函数字段定制行为的驱动
type MockTransport struct {
	ConnectFunc      func(ctx context.Context, endpoint DeviceEndpoint) (Channel, error)
	AuthenticateFunc func(ctx context.Context, ch Channel, creds Credentials) error
	ElevateFunc      func(ctx context.Context, ch Channel, secret string) error
	SendBatchFunc    func(ctx context.Context, ch Channel, commands []string, opts SendOptions) (BatchOutput, error)
	HealthCheckFunc  func(ctx context.Context, ch Channel) error

	mu           sync.Mutex
	connects     int
	disconnects  int
	healthChecks int
}

func (m *MockTransport) Protocol() Protocol { return ProtocolSSH }

func (m *MockTransport) Connect(ctx context.Context, endpoint DeviceEndpoint) (Channel, error) {
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, endpoint)
	}
	ch := &mockChannel{id: uuid.NewString(), endpoint: endpoint}
	ch.alive.Store(true)
	return ch, nil
}

func (m *MockTransport) Authenticate(ctx context.Context, ch Channel, creds Credentials) error {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, ch, creds)
	}
	return nil
}

func (m *MockTransport) Elevate(ctx context.Context, ch Channel, secret string) error {
	if m.ElevateFunc != nil {
		return m.ElevateFunc(ctx, ch, secret)
	}
	return nil
}

func (m *MockTransport) SendBatch(ctx context.Context, ch Channel, commands []string, opts SendOptions) (BatchOutput, error) {
	if m.SendBatchFunc != nil {
		return m.SendBatchFunc(ctx, ch, commands, opts)
	}
	out := BatchOutput{}
	for i, c := range commands {
		out.Statuses = append(out.Statuses, CommandStatus{Index: i, Command: c, State: CommandOK})
	}
	return out, nil
}

func (m *MockTransport) HealthCheck(ctx context.Context, ch Channel) error {
	m.mu.Lock()
	m.healthChecks++
	m.mu.Unlock()
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx, ch)
	}
	return nil
}

func (m *MockTransport) Disconnect(ch Channel) error {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	if mc, ok := ch.(*mockChannel); ok {
		mc.alive.Store(false)
	}
	return nil
}

func (m *MockTransport) counts() (connects, disconnects, healthChecks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects, m.healthChecks
}

func newMockRegistry(t Transport) *Registry {
	r := NewRegistry()
	r.Register(FamilyGenericCLI, t)
	r.Register(FamilyCiscoIOS, t)
	return r
}
