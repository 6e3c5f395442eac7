package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("port", 0, "must be at least 1")

	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.True(t, IsValidationError(fmt.Errorf("register: %w", err)))
	assert.Contains(t, err.Error(), "port")
	assert.False(t, IsRetryable(err))
}

func TestRequestTimeoutError(t *testing.T) {
	err := NewRequestTimeoutError("math.add", "node2", "req-1")

	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "node2")
	assert.False(t, IsRetryable(err))

	local := NewRequestTimeoutError("math.add", "", "req-1")
	assert.NotContains(t, local.Error(), "on node")
}

func TestServiceNotFoundError(t *testing.T) {
	err := NewServiceNotFoundError("math.add", "")

	assert.True(t, IsServiceNotFound(err))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, NewServiceNotFoundError("math.add", "node9").Error(), "node9")
}

func TestRemoteError(t *testing.T) {
	err := &RemoteError{NodeID: "node2", Action: "math.div", Name: "DivisionError", Message: "division by zero"}

	assert.True(t, IsRemoteError(fmt.Errorf("call: %w", err)))
	assert.Contains(t, err.Error(), "DivisionError")
	assert.True(t, IsRetryable(err))
	assert.Nil(t, err.Unwrap())
}

func TestRemoteError_UnwrapsKnownCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		check     func(error) bool
		retryable bool
	}{
		{"timeout", CodeTimeout, IsTimeout, false},
		{"validation", CodeValidation, func(err error) bool { return errors.Is(err, ErrInvalidInput) }, false},
		{"not found", CodeNotFound, IsServiceNotFound, true},
		{"overloaded", CodeOverloaded, IsOverloaded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("call: %w", &RemoteError{NodeID: "node2", Action: "math.add", RequestID: "req-1", Code: tt.code})
			assert.True(t, tt.check(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.True(t, IsRemoteError(err))
		})
	}

	var timeout *RequestTimeoutError
	require.ErrorAs(t, &RemoteError{NodeID: "node2", Action: "slow.op", RequestID: "req-9", Code: CodeTimeout}, &timeout)
	assert.Equal(t, "node2", timeout.NodeID)
	assert.Equal(t, "req-9", timeout.RequestID)
}

func TestWrappedAdapterErrors(t *testing.T) {
	transportErr := NewTransportError("grpc", "send", ErrConnection)
	assert.True(t, IsTransportError(transportErr))
	assert.True(t, IsConnection(transportErr))

	discoveryErr := NewDiscoveryError("mdns", "start", ErrAlreadyStarted)
	assert.True(t, IsDiscoveryError(discoveryErr))
	assert.True(t, IsAlreadyStarted(discoveryErr))

	storageErr := NewStorageError("get", "node/seq", ErrNotFound)
	assert.True(t, IsNotFound(storageErr))
	assert.Contains(t, storageErr.Error(), "node/seq")

	configErr := NewConfigError("port", ErrInvalidInput)
	assert.True(t, IsInvalidConfig(configErr))
	assert.True(t, errors.Is(configErr, ErrInvalidInput))
}
