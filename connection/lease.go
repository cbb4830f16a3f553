package connection

import (
	"context"
	"sync/atomic"
	"time"
)

// SessionOutcome 归还租约时会话的状况
type SessionOutcome int

const (
	// SessionHealthy 会话可继续缓存复用
	SessionHealthy SessionOutcome = iota
	// SessionFaulted 出现传输层故障，会话必须销毁
	SessionFaulted
)

func (o SessionOutcome) String() string {
	if o == SessionFaulted {
		return "faulted"
	}
	return "healthy"
}

// Lease 对某设备会话的独占使用权
type Lease struct {
	ID         string
	Reused     bool
	AcquiredAt time.Time
	Waited     time.Duration

	session  *Session
	pool     *Pool
	released atomic.Bool
}

func (l *Lease) Endpoint() DeviceEndpoint { return l.session.endpoint }
func (l *Lease) SessionID() string        { return l.session.id }

// Alive 底层通道是否仍可用
func (l *Lease) Alive() bool {
	return l.session.channel.Alive()
}

// SendBatch 通过租约持有的会话发送整批命令
func (l *Lease) SendBatch(ctx context.Context, commands []string, opts SendOptions) (BatchOutput, error) {
	if l.released.Load() {
		return BatchOutput{}, NewError(CodeFailure, "lease already released")
	}
	return l.session.transport.SendBatch(ctx, l.session.channel, commands, opts)
}

// Release 归还租约，重复调用无副作用
func (l *Lease) Release(outcome SessionOutcome) {
	l.pool.Release(l, outcome)
}

// Released 是否已归还
func (l *Lease) Released() bool {
	return l.released.Load()
}
