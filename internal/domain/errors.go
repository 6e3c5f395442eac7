package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted  = errors.New("adapter already started")
	ErrNotStarted      = errors.New("adapter not started")
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrTimeout         = errors.New("operation timeout")
	ErrConnection      = errors.New("connection error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrServiceNotFound = errors.New("service not found")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrDuplicate       = errors.New("duplicate entry")
	ErrVersionMismatch = errors.New("incompatible protocol version")
	ErrOverloaded      = errors.New("node overloaded")
)

// Codes carried in the error detail of a failed response.
const (
	CodeValidation = 422
	CodeNotFound   = 404
	CodeTimeout    = 504
	CodeOverloaded = 503
	CodeUnknown    = 500
)

// ValidationError reports malformed local input to a descriptor mutator or a
// registration call. It never affects other nodes or the gossip loop.
type ValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func NewValidationError(field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// RequestTimeoutError is returned when the distributed timeout budget of a
// call is exhausted, either before dispatch or while the request is pending.
type RequestTimeoutError struct {
	Action    string
	NodeID    string
	RequestID string
}

func (e *RequestTimeoutError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("request timed out: action %q (request %s)", e.Action, e.RequestID)
	}
	return fmt.Sprintf("request timed out: action %q on node %q (request %s)", e.Action, e.NodeID, e.RequestID)
}

func (e *RequestTimeoutError) Unwrap() error {
	return ErrTimeout
}

func NewRequestTimeoutError(action, nodeID, requestID string) *RequestTimeoutError {
	return &RequestTimeoutError{
		Action:    action,
		NodeID:    nodeID,
		RequestID: requestID,
	}
}

// RemoteError carries a failure raised by a handler on another node. Known
// codes unwrap to the matching local error so that IsTimeout and
// IsRetryable see through the hop.
type RemoteError struct {
	NodeID    string
	Action    string
	RequestID string
	Name      string
	Message   string
	Code      int
	Data      Document
}

func (e *RemoteError) Error() string {
	name := e.Name
	if name == "" {
		name = "Error"
	}
	return fmt.Sprintf("remote %s from node %q (%s): %s", name, e.NodeID, e.Action, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeTimeout:
		return NewRequestTimeoutError(e.Action, e.NodeID, e.RequestID)
	case CodeValidation:
		return ErrInvalidInput
	case CodeNotFound:
		return NewServiceNotFoundError(e.Action, e.NodeID)
	case CodeOverloaded:
		return ErrOverloaded
	default:
		return nil
	}
}

func IsRemoteError(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr)
}

type ServiceNotFoundError struct {
	Action string
	NodeID string
}

func (e *ServiceNotFoundError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("service %q is not available on node %q", e.Action, e.NodeID)
	}
	return fmt.Sprintf("service %q is not available", e.Action)
}

func (e *ServiceNotFoundError) Unwrap() error {
	return ErrServiceNotFound
}

func NewServiceNotFoundError(action, nodeID string) *ServiceNotFoundError {
	return &ServiceNotFoundError{Action: action, NodeID: nodeID}
}

type TransportError struct {
	Op      string
	Adapter string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport[%s] %s: %v", e.Adapter, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransportError(adapter, op string, err error) *TransportError {
	return &TransportError{
		Op:      op,
		Adapter: adapter,
		Err:     err,
	}
}

type DiscoveryError struct {
	Op      string
	Adapter string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery[%s] %s: %v", e.Adapter, e.Op, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

func NewDiscoveryError(adapter, op string, err error) *DiscoveryError {
	return &DiscoveryError{
		Op:      op,
		Adapter: adapter,
		Err:     err,
	}
}

type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}

func IsDiscoveryError(err error) bool {
	var discoveryErr *DiscoveryError
	return errors.As(err, &discoveryErr)
}

func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

func IsAlreadyStarted(err error) bool {
	return errors.Is(err, ErrAlreadyStarted)
}

func IsNotStarted(err error) bool {
	return errors.Is(err, ErrNotStarted)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

func IsServiceNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound)
}

func IsOverloaded(err error) bool {
	return errors.Is(err, ErrOverloaded)
}

// IsRetryable reports whether a failed call may be retried on another
// endpoint. Local validation failures and exhausted deadlines are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrTimeout) {
		return false
	}
	return true
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}
