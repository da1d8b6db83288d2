package mutacache

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category is the coarse error class the engine and runner act on.
type Category int

const (
	// CategoryUnknown is an uncategorized failure; never retried.
	CategoryUnknown Category = iota
	// CategoryValidation is malformed input caught before the service boundary.
	CategoryValidation
	// CategoryBusiness is an explicit rejection by the service (insufficient
	// stock, invalid credentials).
	CategoryBusiness
	// CategoryAuthorization covers missing permission and expired sessions.
	CategoryAuthorization
	// CategoryTransient is an unreachable or timed-out service; retried with backoff.
	CategoryTransient
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryBusiness:
		return "business_rejection"
	case CategoryAuthorization:
		return "authorization"
	case CategoryTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this category may be retried.
func (c Category) Retryable() bool { return c == CategoryTransient }

func (c Category) defaultUserMessage() string {
	switch c {
	case CategoryValidation:
		return "Please check your input and try again."
	case CategoryBusiness:
		return "This action could not be completed."
	case CategoryAuthorization:
		return "Please sign in again to continue."
	case CategoryTransient:
		return "Connection problem. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

// Codes shared by every entity. Entities define their own on top.
const (
	CodeUnknown         = "unknown"
	CodePanic           = "panic"
	CodeInvalidInput    = "invalid_input"
	CodeUnauthenticated = "unauthenticated"
	CodeSessionExpired  = "session_expired"
	CodeForbidden       = "forbidden"
	CodeNetwork         = "network"
	CodeTimeout         = "timeout"
	CodeCanceled        = "canceled"
	CodeRejected        = "rejected"
)

var (
	// ErrQueryDisabled is returned by Query.Run when Policy.Disabled is set.
	ErrQueryDisabled = errors.New("mutacache: query disabled")

	// ErrNetwork may be returned (or wrapped) by service adapters when the
	// backend could not be reached.
	ErrNetwork = errors.New("mutacache: network unreachable")

	// ErrUnauthenticated is returned by hook facades when no session is active.
	ErrUnauthenticated = NewError(CategoryAuthorization, CodeUnauthenticated, "no active session")

	// ErrSessionExpired is the canonical session-expiry error. Services return
	// it (or an error that Is it) to trigger Engine.OnSessionExpired.
	ErrSessionExpired = NewError(CategoryAuthorization, CodeSessionExpired, "session expired")

	// ErrForbidden is returned when the principal lacks the role an
	// operation requires.
	ErrForbidden = NewError(CategoryAuthorization, CodeForbidden, "permission denied").
			WithUserMessage("You don't have permission to do that.")
)

// ClassifiedError is the normalized error every service failure is mapped
// into. It is immutable; the With* methods return modified copies.
type ClassifiedError struct {
	Category Category
	Code     string
	// Message is diagnostic and never shown to users.
	Message string
	// UserMessage is the display string UI error fields carry.
	UserMessage string
	Metadata    map[string]any

	cause error
}

// NewError builds a ClassifiedError with the category's default user message.
func NewError(cat Category, code, message string) *ClassifiedError {
	return &ClassifiedError{
		Category:    cat,
		Code:        code,
		Message:     message,
		UserMessage: cat.defaultUserMessage(),
	}
}

func (e *ClassifiedError) clone() *ClassifiedError {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (e *ClassifiedError) WithUserMessage(msg string) *ClassifiedError {
	cp := e.clone()
	cp.UserMessage = msg
	return cp
}

func (e *ClassifiedError) WithMetadata(key string, value any) *ClassifiedError {
	cp := e.clone()
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]any, 1)
	}
	cp.Metadata[key] = value
	return cp
}

// Wrap returns a copy of e carrying cause for errors.Is/As.
func (e *ClassifiedError) Wrap(cause error) *ClassifiedError {
	cp := e.clone()
	cp.cause = cause
	return cp
}

func (e *ClassifiedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mutacache: %s/%s", e.Category, e.Code)
	}
	return fmt.Sprintf("mutacache: %s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.cause }

// Is matches any ClassifiedError with the same category and code, so
// package-level values like ErrSessionExpired work as sentinels.
func (e *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// Retryable reports whether the engine/runner may retry after e.
func (e *ClassifiedError) Retryable() bool { return e != nil && e.Category.Retryable() }

// Classify normalizes any error into a ClassifiedError. nil stays nil.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CategoryTransient, CodeTimeout, err.Error()).Wrap(err)
	case errors.Is(err, context.Canceled):
		return NewError(CategoryTransient, CodeCanceled, err.Error()).Wrap(err)
	case errors.Is(err, ErrNetwork):
		return NewError(CategoryTransient, CodeNetwork, err.Error()).Wrap(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		code := CodeNetwork
		if ne.Timeout() {
			code = CodeTimeout
		}
		return NewError(CategoryTransient, code, err.Error()).Wrap(err)
	}
	return NewError(CategoryUnknown, CodeUnknown, err.Error()).Wrap(err)
}

// IsRetryable classifies err and reports whether it may be retried.
func IsRetryable(err error) bool { return Classify(err).Retryable() }

// UserMessage returns the display string for err, or "" for nil.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return Classify(err).UserMessage
}

// panicError carries a value recovered from a panicking service call.
type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }

func classifyPanic(v any) *ClassifiedError {
	return NewError(CategoryUnknown, CodePanic, fmt.Sprint(v)).Wrap(panicError{v: v})
}
