package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/google/uuid"
)

// Outcome 执行结果分类
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeFailure        Outcome = "failure"
)

// RunState 单次执行的状态：Pending -> Sending -> {Succeeded, PartiallyFailed, Failed}
type RunState string

const (
	StatePending         RunState = "pending"
	StateSending         RunState = "sending"
	StateSucceeded       RunState = "succeeded"
	StatePartiallyFailed RunState = "partially_failed"
	StateFailed          RunState = "failed"
)

// CanTransition 检查状态转换是否合法
func (s RunState) CanTransition(to RunState) bool {
	switch s {
	case StatePending:
		// 发送前失败（会话获取失败等）直接进入 Failed
		return to == StateSending || to == StateFailed
	case StateSending:
		return to == StateSucceeded || to == StatePartiallyFailed || to == StateFailed
	default:
		return false
	}
}

// IsTerminal 是否为终止状态
func (s RunState) IsTerminal() bool {
	return s == StateSucceeded || s == StatePartiallyFailed || s == StateFailed
}

// ExecutionResult 一次Apply的结果，生成后不再修改
type ExecutionResult struct {
	ID            string                     `json:"id"`
	IntentRef     string                     `json:"intent_ref"`
	IntentKind    IntentKind                 `json:"intent_kind"`
	Endpoint      connection.DeviceEndpoint  `json:"endpoint"`
	CommandsSent  []string                   `json:"commands_sent"`
	CommandStatus []connection.CommandStatus `json:"command_status"`
	RawOutput     string                     `json:"raw_output"`
	Outcome       Outcome                    `json:"outcome"`
	State         RunState                   `json:"state"`
	ErrorCode     connection.ErrorCode       `json:"error_code,omitempty"`
	ErrorDetail   string                     `json:"error_detail,omitempty"`
	// NeedsVerification 至少发送过一条命令且未成功，设备状态需人工核实
	NeedsVerification bool `json:"needs_verification"`
	// TransportFault 会话在执行中失效，归还时必须销毁
	TransportFault bool      `json:"transport_fault"`
	Attempts       int       `json:"attempts"`
	Reused         bool      `json:"reused"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	PersistError   string    `json:"persist_error,omitempty"`
}

// NewResult 创建处于 Pending 状态的结果
func NewResult(intent ConfigIntent, endpoint connection.DeviceEndpoint) ExecutionResult {
	r := ExecutionResult{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		State:     StatePending,
		StartedAt: time.Now(),
	}
	if intent = normalize(intent); intent != nil {
		r.IntentRef = intent.Ref()
		r.IntentKind = intent.Kind()
	}
	return r
}

// Fail 以发送前错误结束结果
func (r ExecutionResult) Fail(err error) ExecutionResult {
	r.Outcome = OutcomeFailure
	r.advance(StateFailed)
	r.ErrorCode = connection.CodeOf(err)
	if err != nil {
		r.ErrorDetail = err.Error()
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	return r
}

// advance 按状态机推进，非法转换只记录告警
func (r *ExecutionResult) advance(to RunState) bool {
	if !r.State.CanTransition(to) {
		xlog.Warnf(executorModule, "result %s: illegal state transition %s -> %s", r.ID, r.State, to)
		return false
	}
	r.State = to
	return true
}

func (r ExecutionResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

func (r ExecutionResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Err 非成功结果对应的错误
func (r ExecutionResult) Err() error {
	if r.Outcome == OutcomeSuccess {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = connection.CodeFailure
	}
	return connection.NewError(code, r.ErrorDetail).AddDetail("result_id", r.ID)
}

// Summary 单行可读结果
func (r ExecutionResult) Summary() string {
	target := r.Endpoint.Key()
	if r.Endpoint.Address == "" {
		target = "device"
	}
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("[SUCCESS] %s configured on %s successfully (%d commands)",
			r.IntentRef, target, len(r.CommandsSent))
	case OutcomePartialFailure:
		var failed []string
		for _, st := range r.CommandStatus {
			if st.State != connection.CommandOK {
				failed = append(failed, fmt.Sprintf("%q", st.Command))
			}
		}
		return fmt.Sprintf("[ERROR] Fail to configure %s on %s: %d of %d commands rejected (%s)",
			r.IntentRef, target, len(failed), len(r.CommandsSent), strings.Join(failed, ", "))
	default:
		msg := fmt.Sprintf("[ERROR] Fail to configure %s on %s: %s", r.IntentRef, target, r.ErrorCode)
		if r.ErrorDetail != "" {
			msg += " " + r.ErrorDetail
		}
		if r.NeedsVerification {
			msg += " (device state must be verified)"
		}
		return msg
	}
}
