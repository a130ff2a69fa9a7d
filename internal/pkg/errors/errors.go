// Package errors provides the error taxonomy shared by every mediaq component.
// Errors carry a code, the failing operation, structured fields and a stack trace.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Code classifies an error. The string values are part of the wire format.
type Code string

const (
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeTaskTransient    Code = "TASK_TRANSIENT"
	CodeTaskPermanent    Code = "TASK_PERMANENT"
	CodeTimeout          Code = "TIMEOUT"
	CodeCancelled        Code = "CANCELLED"
	CodeConflict         Code = "CONFLICT"
	CodeFailedPrecond    Code = "FAILED_PRECONDITION"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnavailable      Code = "UNAVAILABLE"
)

var statusByCode = map[Code]int{
	CodeValidation:       http.StatusBadRequest,
	CodeUnauthorized:     http.StatusUnauthorized,
	CodeNotFound:         http.StatusNotFound,
	CodeConflict:         http.StatusConflict,
	CodeCancelled:        http.StatusConflict,
	CodeFailedPrecond:    http.StatusPreconditionFailed,
	CodeCapacityExceeded: http.StatusTooManyRequests,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeTaskTransient:    http.StatusBadGateway,
	CodeTaskPermanent:    http.StatusBadGateway,
	CodeUnavailable:      http.StatusServiceUnavailable,
	CodeTimeout:          http.StatusGatewayTimeout,
}

// HTTPStatus maps a code to the status the transport answers with.
func (c Code) HTTPStatus() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the error value every package returns across its boundary.
type Error struct {
	Code    Code
	Message string
	// Op names the failing operation, "package.verb" style ("admission.submit").
	Op     string
	Err    error
	Fields map[string]any
	Stack  []Frame
}

type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// build is the single constructor; skip counts frames above the exported caller.
func build(code Code, op, msg string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: msg, Err: cause, Stack: captureStack(3)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op+":")
	}
	if e.Code != "" {
		parts = append(parts, "["+string(e.Code)+"]")
	}
	parts = append(parts, e.Message)
	s := strings.Join(parts, " ")
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && e.Code == t.Code
}

func (e *Error) WithField(key string, value any) *Error {
	return e.WithFields(map[string]any{key: value})
}

func (e *Error) WithFields(fields map[string]any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

func (e *Error) HTTPStatus() int { return e.Code.HTTPStatus() }

// StackTrace renders the captured frames one per line.
func (e *Error) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

func New(code Code, message string) *Error {
	return build(code, "", message, nil)
}

func Newf(code Code, format string, args ...any) *Error {
	return build(code, "", fmt.Sprintf(format, args...), nil)
}

// Wrap adds op and message to err, keeping the code (and fields) of an
// inner *Error. Plain errors become INTERNAL_ERROR. A nil err stays nil.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) && inner != nil {
		e := build(inner.Code, op, message, err)
		e.Fields = inner.Fields
		return e
	}
	return build(CodeInternal, op, message, err)
}

// WrapWithCode wraps err under an explicit code. A nil err stays nil.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return build(code, op, message, err)
}

func Internal(message string) *Error { return build(CodeInternal, "", message, nil) }

func Internalf(format string, args ...any) *Error {
	return build(CodeInternal, "", fmt.Sprintf(format, args...), nil)
}

// NotFound reports a missing job, object or route parameter.
func NotFound(resource string, id string) *Error {
	return build(CodeNotFound, "", resource+" not found: "+id, nil).
		WithFields(map[string]any{"resource": resource, "id": id})
}

// ValidationField reports a rejected request field; transports echo it back.
func ValidationField(field string, message string) *Error {
	return build(CodeValidation, "", message, nil).WithField("field", field)
}

func Conflict(message string) *Error { return build(CodeConflict, "", message, nil) }

// CapacityExceeded reports that admission refused work because the ceiling is reached.
func CapacityExceeded(limit int) *Error {
	return build(CodeCapacityExceeded, "", fmt.Sprintf("queue capacity reached (%d)", limit), nil).
		WithField("capacity", limit)
}

// TaskTransient wraps an external-tool or storage failure that may succeed on
// retry. Like TaskPermanent it always returns a non-nil error, so callers can
// classify a condition that has no underlying cause.
func TaskTransient(err error, op string, message string) *Error {
	return build(CodeTaskTransient, op, message, err)
}

// TaskPermanent wraps a failure that will not go away by retrying.
func TaskPermanent(err error, op string, message string) *Error {
	return build(CodeTaskPermanent, op, message, err)
}

func Timeout(operation string) *Error {
	return build(CodeTimeout, "", "operation timed out: "+operation, nil).
		WithField("operation", operation)
}

func Cancelled(reason string) *Error { return build(CodeCancelled, "", reason, nil) }

func Unavailable(service string) *Error {
	return build(CodeUnavailable, "", "service unavailable: "+service, nil).
		WithField("service", service)
}

// GetCode returns the code of the outermost *Error in err's chain.
// Plain errors, nil and typed-nil *Error values report INTERNAL_ERROR.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int { return GetCode(err).HTTPStatus() }

func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Fields
	}
	return nil
}

func IsCode(err error, code Code) bool { return GetCode(err) == code }

func IsNotFound(err error) bool   { return IsCode(err, CodeNotFound) }
func IsValidation(err error) bool { return IsCode(err, CodeValidation) }
func IsConflict(err error) bool   { return IsCode(err, CodeConflict) }

// IsRetryable reports whether err is worth another attempt.
// Only transient task failures qualify; timeouts and cancellations never do.
func IsRetryable(err error) bool { return IsCode(err, CodeTaskTransient) }

// captureStack records up to ten non-runtime frames above skip.
func captureStack(skip int) []Frame {
	var pcs [32]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, 10)
	it := runtime.CallersFrames(pcs[:n])
	for len(frames) < 10 {
		f, more := it.Next()
		if !strings.Contains(f.File, "runtime/") {
			frames = append(frames, Frame{File: f.File, Line: f.Line, Function: f.Function})
		}
		if !more {
			break
		}
	}
	return frames
}

func As(err error, target any) bool { return errors.As(err, target) }
func Is(err, target error) bool     { return errors.Is(err, target) }
