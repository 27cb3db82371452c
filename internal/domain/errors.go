package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by every subsystem.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrStopped      = fmt.Errorf("runtime is shutting down")
)

// Kernel errors.
var (
	// ErrSchemaValidation is returned when event data does not satisfy its kind's contract.
	ErrSchemaValidation = fmt.Errorf("event data failed schema validation")
	// ErrUnknownEventKind is returned when a wire record names an unregistered kind.
	ErrUnknownEventKind = fmt.Errorf("unknown event kind")
	// ErrTimerNotFound is the logic error for an operation on a timer id that does not exist.
	ErrTimerNotFound = fmt.Errorf("no timer with that id")
	// ErrTimerProtected is the protection error for removing a system timer without override.
	ErrTimerProtected = fmt.Errorf("timer is protected")
	ErrInvalidTimer   = fmt.Errorf("invalid timer")
	ErrAlreadyStarted = fmt.Errorf("already started")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrNoResult          = fmt.Errorf("no result before deadline")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "timer.RemoveTimer")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// Code returns the machine-parseable error code for the wrapped sentinel.
func (e *DomainError) Code() ErrorCode { return ErrorCodeOf(e.Err) }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category reported to transport clients.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeLimitReached      ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeStopped           ErrorCode = "STOPPED"
	CodeSchemaValidation  ErrorCode = "SCHEMA_VALIDATION"
	CodeUnknownEventKind  ErrorCode = "UNKNOWN_EVENT_KIND"
	CodeTimerNotFound     ErrorCode = "TIMER_NOT_FOUND"
	CodeTimerProtected    ErrorCode = "TIMER_PROTECTED"
	CodeInvalidTimer      ErrorCode = "INVALID_TIMER"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeNoResult          ErrorCode = "NO_RESULT"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
)

// errorCodes is ordered from most to least specific so that wrapped
// sentinels (ErrGatewayAuthFailed wraps ErrAuthInvalid) resolve to the narrow code.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrSchemaValidation, CodeSchemaValidation},
	{ErrUnknownEventKind, CodeUnknownEventKind},
	{ErrTimerNotFound, CodeTimerNotFound},
	{ErrTimerProtected, CodeTimerProtected},
	{ErrInvalidTimer, CodeInvalidTimer},
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrAuthInvalid, CodeGatewayAuth},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
	{ErrRPCInvalidPayload, CodeRPCInvalidPayload},
	{ErrNoResult, CodeNoResult},
	{ErrRateLimit, CodeRateLimit},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrStopped, CodeStopped},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// SentinelOf is the inverse of ErrorCodeOf. It returns nil for CodeUnknown
// and unrecognized codes.
func SentinelOf(code ErrorCode) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}
