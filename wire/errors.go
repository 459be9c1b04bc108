package wire

import (
	"errors"
	"fmt"
)

// ErrorCode is the discriminant carried by an error message. The set is
// closed; anything the relay cannot classify is exposed as
// CodeIllegalState with internal detail withheld.
type ErrorCode string

const (
	CodeRequestTimeout           ErrorCode = "requestTimeout"
	CodeAckTimeout               ErrorCode = "ackTimeout"
	CodeEstablishChannelTimeout  ErrorCode = "establishSecureChannelTimeout"
	CodeUntrustedOrigin          ErrorCode = "untrustedOrigin"
	CodeIllegalConcurrentRequest ErrorCode = "illegalConcurrentRequestError"
	CodeUnknownRequest           ErrorCode = "unknownRequest"
	CodeNoCredentialsAvailable   ErrorCode = "noCredentialsAvailable"
	CodeUserCanceled             ErrorCode = "userCanceled"
	CodeOperationCanceled        ErrorCode = "operationCanceled"
	CodeAPIDisabled              ErrorCode = "apiDisabled"
	CodeIllegalState             ErrorCode = "illegalStateError"
)

var knownCodes = map[ErrorCode]bool{
	CodeRequestTimeout:           true,
	CodeAckTimeout:               true,
	CodeEstablishChannelTimeout:  true,
	CodeUntrustedOrigin:          true,
	CodeIllegalConcurrentRequest: true,
	CodeUnknownRequest:           true,
	CodeNoCredentialsAvailable:   true,
	CodeUserCanceled:             true,
	CodeOperationCanceled:        true,
	CodeAPIDisabled:              true,
	CodeIllegalState:             true,
}

// Error is the typed protocol error surfaced to callers on both sides of
// the channel. It doubles as the wire shape of an error message's args.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a protocol error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol error code from err, or CodeIllegalState
// when err carries no protocol classification.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeIllegalState
}

// IsCode reports whether err is a protocol error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// Expose converts an arbitrary failure into the error that may cross the
// trust boundary. Protocol errors pass through; everything else becomes
// an illegal-state error with the internal detail withheld, so raw
// collaborator failures never leak to the client.
func Expose(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeIllegalState, Message: "operation failed"}
}

// UntrustedOrigin builds the handshake rejection for a connect attempt
// from a non-permitted origin.
func UntrustedOrigin(origin string) *Error {
	return &Error{Code: CodeUntrustedOrigin, Message: origin}
}
