package connection

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_CodeMatching(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:22: connect: connection refused")
	err := NewErrorWithCause(CodeConnectFailure, "connect", cause).AddDetail("endpoint", "10.0.0.1:22")

	assert.True(t, errors.Is(err, ErrConnectFailure))
	assert.False(t, errors.Is(err, ErrAuthFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "10.0.0.1:22", err.Details["endpoint"])
	assert.Contains(t, err.Error(), "[CONNECT_FAILURE] connect: dial tcp")

	wrapped := fmt.Errorf("acquire: %w", err)
	assert.Equal(t, CodeConnectFailure, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeConnectFailure))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), CodeFailure},
		{"typed", NewError(CodeAuthFailure, "denied"), CodeAuthFailure},
		{"no message", &Error{Code: CodePoolClosed}, CodePoolClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
	assert.Equal(t, "[POOL_CLOSED] POOL_CLOSED", (&Error{Code: CodePoolClosed}).Error())
}

func TestIsPreSend(t *testing.T) {
	assert.True(t, IsPreSend(NewError(CodeConnectFailure, "")))
	assert.True(t, IsPreSend(fmt.Errorf("x: %w", NewError(CodeAcquireTimeout, ""))))

	for _, code := range []ErrorCode{CodeAuthFailure, CodeElevateFailure, CodePartialFailure, CodeFailure, CodePoolClosed} {
		assert.False(t, IsPreSend(NewError(code, "")), code)
	}
	assert.False(t, IsPreSend(errors.New("unknown")))
	assert.False(t, IsPreSend(nil))
}
