package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared across subsystems.
var (
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
)

// Sentinel errors for the node core.
var (
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")
	ErrCommandNotAllowed  = fmt.Errorf("command not in allowlist")
	ErrIdentityStore      = fmt.Errorf("identity store operation failed")

	// Protocol errors.
	ErrMalformedFrame   = fmt.Errorf("malformed frame")
	ErrTransportFailure = fmt.Errorf("transport failure")
	ErrAuthRejected     = fmt.Errorf("gateway rejected credentials")
	ErrPairingRequired  = fmt.Errorf("pairing required")
	ErrPairingRejected  = fmt.Errorf("pairing rejected")
	ErrNotConnected     = fmt.Errorf("node not connected")

	// Dispatch errors.
	ErrUnknownAction         = fmt.Errorf("unknown action")
	ErrCapabilityFailure     = fmt.Errorf("capability execution failed")
	ErrCapabilityUnavailable = fmt.Errorf("capability unavailable")
	ErrInvalidParams         = fmt.Errorf("invalid params")
	ErrDuplicateRegistration = fmt.Errorf("action already registered")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.handshake")
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

// IsTerminal reports whether err ends a connection cycle without an automatic
// reconnect. Operator intervention (new token, approval) is required.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrPairingRejected)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeRateLimit             ErrorCode = "RATE_LIMIT"
	CodeConfigLoad            ErrorCode = "CONFIG_LOAD"
	CodeDecryption            ErrorCode = "DECRYPTION"
	CodePathOutsideSandbox    ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeCommandNotAllowed     ErrorCode = "COMMAND_NOT_ALLOWED"
	CodeIdentityStore         ErrorCode = "IDENTITY_STORE"
	CodeMalformedFrame        ErrorCode = "MALFORMED_FRAME"
	CodeTransportFailure      ErrorCode = "TRANSPORT_FAILURE"
	CodeAuthRejected          ErrorCode = "AUTH_REJECTED"
	CodePairingRequired       ErrorCode = "PAIRING_REQUIRED"
	CodePairingRejected       ErrorCode = "PAIRING_REJECTED"
	CodeNotConnected          ErrorCode = "NOT_CONNECTED"
	CodeUnknownAction         ErrorCode = "UNKNOWN_ACTION"
	CodeCapabilityFailure     ErrorCode = "CAPABILITY_FAILURE"
	CodeCapabilityUnavailable ErrorCode = "CAPABILITY_UNAVAILABLE"
	CodeInvalidParams         ErrorCode = "INVALID_PARAMS"
	CodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrTimeout:               CodeTimeout,
	ErrInvalidInput:          CodeInvalidInput,
	ErrRateLimit:             CodeRateLimit,
	ErrConfigLoad:            CodeConfigLoad,
	ErrDecryption:            CodeDecryption,
	ErrPathOutsideSandbox:    CodePathOutsideSandbox,
	ErrCommandNotAllowed:     CodeCommandNotAllowed,
	ErrIdentityStore:         CodeIdentityStore,
	ErrMalformedFrame:        CodeMalformedFrame,
	ErrTransportFailure:      CodeTransportFailure,
	ErrAuthRejected:          CodeAuthRejected,
	ErrPairingRequired:       CodePairingRequired,
	ErrPairingRejected:       CodePairingRejected,
	ErrNotConnected:          CodeNotConnected,
	ErrUnknownAction:         CodeUnknownAction,
	ErrCapabilityFailure:     CodeCapabilityFailure,
	ErrCapabilityUnavailable: CodeCapabilityUnavailable,
	ErrInvalidParams:         CodeInvalidParams,
	ErrDuplicateRegistration: CodeDuplicateRegistration,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
