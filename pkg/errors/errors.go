// Package errors provides the error taxonomy shared by btcwrap components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorType categorizes a failure. Each type maps to one envelope error code
// and exit status.
type ErrorType string

const (
	// ErrorTypeConfig represents unresolvable or invalid configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeValidation represents a rejected input parameter
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeUnknownCommand represents a subcommand outside the allow-list
	ErrorTypeUnknownCommand ErrorType = "unknown_command"
	// ErrorTypeTransport represents connection-level and HTTP failures
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeNode represents a JSON-RPC error reported by the node itself
	ErrorTypeNode ErrorType = "node"
	// ErrorTypeAudit represents audit sink failures
	ErrorTypeAudit ErrorType = "audit"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is a typed error carrying the failed operation, a human
// message and optional key/value context.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if repeated.
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches key=value to the error and returns it.
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the retry classification derived from the type.
func (e *ServiceError) WithRetryable(retryable bool) *ServiceError {
	e.Retryable = retryable
	return e
}

// New returns a ServiceError without a cause. Only transport errors start
// out retryable.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: errorType == ErrorTypeTransport,
	}
}

// Newf is New with a formatted message.
func Newf(errorType ErrorType, operation, format string, args ...interface{}) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap returns a ServiceError of errorType caused by err, or nil for a nil
// err. A ServiceError anywhere in err's chain passes on its retry
// classification; other causes are classified by isTransient.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	wrapped := &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}

	var se *ServiceError
	if errors.As(err, &se) {
		wrapped.Retryable = se.Retryable
	} else {
		wrapped.Retryable = isTransient(err)
	}
	return wrapped
}

// transientMessages are substrings of error texts from the net, net/http and
// database drivers that indicate a failure worth retrying.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"no route to host",
	"timeout",
	"temporary failure",
	"too many connections",
	"server closed idle connection",
	"eof",
}

// isTransient reports whether a plain error looks like a short-lived
// network condition. Cancellation and deadlines set by the caller never are.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsType reports whether the outermost ServiceError in err's chain has
// errorType.
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Type == errorType
}

// TypeOf returns the type of the outermost ServiceError in the chain, or
// ErrorTypeInternal for plain errors.
func TypeOf(err error) ErrorType {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type
	}
	return ErrorTypeInternal
}

// IsRetryable reports whether err may succeed if the operation is repeated.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isTransient(err)
}

// GetContext returns the context of the outermost ServiceError in err's
// chain.
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// As is errors.As, re-exported so callers importing this package under the
// name errors keep access to it.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is, re-exported for the same reason as As.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
