package types

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Status represents the operational status of components
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// MaxClientIDLength bounds client ids; an id becomes a file name under the client directory.
const MaxClientIDLength = 128

// GeneratedClientIDLength is the length of ids produced by GenerateClientID
const GeneratedClientIDLength = 16

const clientIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateClientID returns a random alphanumeric client id
func GenerateClientID() string {
	b := make([]byte, GeneratedClientIDLength)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	for i := range b {
		b[i] = clientIDAlphabet[int(b[i])%len(clientIDAlphabet)]
	}
	return string(b)
}

// ValidateClientID checks that id can be used as a registry key and as a pipe file name
func ValidateClientID(id string) error {
	if id == "" {
		return NewError(ErrCodeInvalidClientID, "client id cannot be empty")
	}
	if len(id) > MaxClientIDLength {
		return NewError(ErrCodeInvalidClientID,
			fmt.Sprintf("client id is %d bytes long (max %d)", len(id), MaxClientIDLength))
	}
	if id == "." || id == ".." {
		return NewError(ErrCodeInvalidClientID, "client id cannot be '.' or '..'")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return NewError(ErrCodeInvalidClientID, fmt.Sprintf("client id contains invalid character %q", c))
		}
	}
	return nil
}

// ValidateGroup checks a group (topic) name
func ValidateGroup(group string) error {
	if group == "" {
		return NewError(ErrCodeInvalidArgument, "group cannot be empty")
	}
	return nil
}

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode reports whether any error in err's chain carries the given code
func IsErrCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// GetErrorCode returns the outermost error code in err's chain
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodePermission         = "PERMISSION"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
)

// Wire and pipe error codes
const (
	ErrCodeTruncated          = "TRUNCATED"
	ErrCodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	ErrCodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	ErrCodeMalformed          = "MALFORMED"
	ErrCodeWouldBlock         = "WOULD_BLOCK"
	ErrCodeNoReader           = "NO_READER"
	ErrCodePipeCreationFailed = "PIPE_CREATION_FAILED"
	ErrCodeUnknownOperation   = "UNKNOWN_OPERATION"
	ErrCodeInvalidClientID    = "INVALID_CLIENT_ID"
	ErrCodeRejected           = "REJECTED"
)
