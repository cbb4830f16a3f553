package connection

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码
type ErrorCode string

const (
	// 调用方错误，未发生任何I/O
	CodeMalformedIntent ErrorCode = "MALFORMED_INTENT"
	CodeInvalidEndpoint ErrorCode = "INVALID_ENDPOINT"

	// 会话建立阶段错误
	CodeConnectFailure    ErrorCode = "CONNECT_FAILURE"
	CodeAuthFailure       ErrorCode = "AUTH_FAILURE"
	CodeElevateFailure    ErrorCode = "ELEVATE_FAILURE"
	CodeAcquireTimeout    ErrorCode = "ACQUIRE_TIMEOUT"
	CodeUnsupportedFamily ErrorCode = "UNSUPPORTED_FAMILY"
	CodePoolClosed        ErrorCode = "POOL_CLOSED"

	// 执行阶段错误
	CodePartialFailure ErrorCode = "PARTIAL_FAILURE"
	CodeFailure        ErrorCode = "FAILURE"

	// 持久化错误
	CodeStoreFailure ErrorCode = "STORE_FAILURE"
)

// 哨兵错误，配合 errors.Is 按错误码匹配
var (
	ErrMalformedIntent   = &Error{Code: CodeMalformedIntent}
	ErrInvalidEndpoint   = &Error{Code: CodeInvalidEndpoint}
	ErrConnectFailure    = &Error{Code: CodeConnectFailure}
	ErrAuthFailure       = &Error{Code: CodeAuthFailure}
	ErrElevateFailure    = &Error{Code: CodeElevateFailure}
	ErrAcquireTimeout    = &Error{Code: CodeAcquireTimeout}
	ErrUnsupportedFamily = &Error{Code: CodeUnsupportedFamily}
	ErrPoolClosed        = &Error{Code: CodePoolClosed}
	ErrPartialFailure    = &Error{Code: CodePartialFailure}
	ErrFailure           = &Error{Code: CodeFailure}
	ErrStoreFailure      = &Error{Code: CodeStoreFailure}
)

// Error 带错误码的错误
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error 实现error接口
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap 支持errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 错误码相同即视为匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError 创建新的错误
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithCause 创建带原因的错误
func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// AddDetail 添加错误详细信息
func (e *Error) AddDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf 提取错误码，非 *Error 返回 CodeFailure，nil 返回空
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeFailure
}

// IsCode 检查错误链中是否有指定错误码
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsPreSend 是否为可证明未发送任何命令的可重试错误
func IsPreSend(err error) bool {
	switch CodeOf(err) {
	case CodeConnectFailure, CodeAcquireTimeout:
		return true
	default:
		return false
	}
}
