package connection

import (
	"context"
	"time"
)

// Transport 远程命令行驱动，每种设备类型一个实现
type Transport interface {
	Protocol() Protocol
	// Connect 建立网络层连接（DNS、拒绝、超时均为 CONNECT_FAILURE）
	Connect(ctx context.Context, endpoint DeviceEndpoint) (Channel, error)
	// Authenticate 登录，凭据错误返回 AUTH_FAILURE
	Authenticate(ctx context.Context, ch Channel, creds Credentials) error
	// Elevate 提权，被拒绝返回 ELEVATE_FAILURE
	Elevate(ctx context.Context, ch Channel, secret string) error
	// SendBatch 在同一会话内按顺序发送整批命令
	SendBatch(ctx context.Context, ch Channel, commands []string, opts SendOptions) (BatchOutput, error)
	// Disconnect 尽力关闭，错误只记录日志
	Disconnect(ch Channel) error
}

// HealthChecker 可选接口，复用缓存会话前调用
type HealthChecker interface {
	HealthCheck(ctx context.Context, ch Channel) error
}

// Channel 已建立的原始通道
type Channel interface {
	ID() string
	Endpoint() DeviceEndpoint
	// Alive 通道是否仍可用，超时或读写出错后为false
	Alive() bool
}

// SendOptions 批量发送参数
type SendOptions struct {
	PerCommandTimeout time.Duration
	StopOnError       bool
}

// CommandState 单条命令的执行状态
type CommandState string

const (
	CommandOK       CommandState = "ok"
	CommandError    CommandState = "error"
	CommandTimedOut CommandState = "timed_out"
)

// CommandStatus 单条已发送命令的结果
type CommandStatus struct {
	Index   int          `json:"index"`
	Command string       `json:"command"`
	Output  string       `json:"output"`
	State   CommandState `json:"state"`
	Error   string       `json:"error,omitempty"`
}

// BatchOutput SendBatch 的输出；Statuses 只包含实际发送的命令
type BatchOutput struct {
	Raw      string          `json:"raw"`
	Statuses []CommandStatus `json:"statuses"`
}

// Failed 是否存在命令级错误
func (o BatchOutput) Failed() bool {
	for _, s := range o.Statuses {
		if s.State != CommandOK {
			return true
		}
	}
	return false
}
