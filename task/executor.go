package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
)

const executorModule = "executor"

// Policy 批量执行与重试策略
type Policy struct {
	// TotalTimeout 整批命令的时间窗口
	TotalTimeout      time.Duration `json:"total_timeout" yaml:"total_timeout" mapstructure:"total_timeout"`
	PerCommandTimeout time.Duration `json:"per_command_timeout" yaml:"per_command_timeout" mapstructure:"per_command_timeout"`
	StopOnError       bool          `json:"stop_on_error" yaml:"stop_on_error" mapstructure:"stop_on_error"`

	// 只对发送前错误生效
	MaxRetries  int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	BackoffRate float64       `json:"backoff_rate" yaml:"backoff_rate" mapstructure:"backoff_rate"`
}

func DefaultPolicy() Policy {
	return Policy{
		TotalTimeout:      2 * time.Minute,
		PerCommandTimeout: 15 * time.Second,
		MaxRetries:        2,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffRate:       2,
	}
}

// RetryPolicy 发送前错误的指数退避策略
func (p Policy) RetryPolicy() *connection.ExponentialBackoffPolicy {
	return connection.NewPreSendRetryPolicy(p.MaxRetries, p.BaseDelay, p.MaxDelay, p.BackoffRate)
}

// Retryable 只有可证明未发送任何命令的错误（CONNECT_FAILURE、ACQUIRE_TIMEOUT）可以重试
func Retryable(err error) bool {
	return connection.IsPreSend(err)
}

// Executor 在已租用的会话上执行一批命令并分类结果，本身不重试
type Executor struct {
	collector connection.MetricsCollector
}

type ExecutorOption func(*Executor)

func WithExecutorMetrics(c connection.MetricsCollector) ExecutorOption {
	return func(e *Executor) { e.collector = c }
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run 在 policy.TotalTimeout 内发送整批命令。超时或通道失效时返回已捕获的部分输出，
// 且不推断哪些命令已生效。
func (e *Executor) Run(ctx context.Context, s LeasedSession, batch CommandBatch, policy Policy) ExecutionResult {
	res := ExecutionResult{
		Endpoint:  s.Endpoint(),
		State:     StatePending,
		StartedAt: time.Now(),
	}
	defer func() {
		if e.collector != nil {
			e.collector.RecordBatch(res.Endpoint.Family, string(res.Outcome), res.Duration())
		}
	}()

	if len(batch) == 0 {
		res = res.Fail(connection.NewError(connection.CodeMalformedIntent, "empty command batch"))
		return res
	}
	if err := ctx.Err(); err != nil {
		res = res.Fail(connection.NewErrorWithCause(connection.CodeFailure, "cancelled before sending", err))
		return res
	}

	res.advance(StateSending)
	xlog.Debugf(executorModule, "sending %d commands to %s", len(batch), res.Endpoint.Key())

	runCtx := ctx
	if policy.TotalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, policy.TotalTimeout)
		defer cancel()
	}

	out, err := s.SendBatch(runCtx, []string(batch), connection.SendOptions{
		PerCommandTimeout: policy.PerCommandTimeout,
		StopOnError:       policy.StopOnError,
	})
	res.FinishedAt = time.Now()
	res.RawOutput = out.Raw
	res.CommandStatus = out.Statuses
	res.CommandsSent = make([]string, 0, len(out.Statuses))
	for _, st := range out.Statuses {
		res.CommandsSent = append(res.CommandsSent, st.Command)
	}
	sent := len(res.CommandsSent) > 0

	switch {
	case err != nil:
		res.Outcome = OutcomeFailure
		res.advance(StateFailed)
		res.TransportFault = true
		res.NeedsVerification = sent
		res.ErrorCode = connection.CodeOf(err)
		res.ErrorDetail = err.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.ErrorDetail = fmt.Sprintf("batch exceeded total timeout %v: %v", policy.TotalTimeout, err)
		}
	case out.Failed():
		res.Outcome = OutcomePartialFailure
		res.advance(StatePartiallyFailed)
		res.ErrorCode = connection.CodePartialFailure
		res.NeedsVerification = true
		for _, st := range out.Statuses {
			if st.State != connection.CommandOK {
				res.ErrorDetail = fmt.Sprintf("command %d %q: %s", st.Index+1, st.Command, st.Error)
				break
			}
		}
	case len(out.Statuses) < len(batch):
		// 驱动未报错却少发了命令
		res.Outcome = OutcomeFailure
		res.advance(StateFailed)
		res.ErrorCode = connection.CodeFailure
		res.ErrorDetail = fmt.Sprintf("transport reported %d of %d commands", len(out.Statuses), len(batch))
		res.NeedsVerification = sent
	default:
		res.Outcome = OutcomeSuccess
		res.advance(StateSucceeded)
	}

	if !s.Alive() {
		res.TransportFault = true
	}

	switch res.Outcome {
	case OutcomeSuccess:
		xlog.Infof(executorModule, "batch on %s succeeded: %d commands in %v",
			res.Endpoint.Key(), len(res.CommandsSent), res.Duration())
	default:
		xlog.Warnf(executorModule, "batch on %s %s after %d/%d commands: %s",
			res.Endpoint.Key(), res.State, len(res.CommandsSent), len(batch), res.ErrorDetail)
	}
	return res
}
