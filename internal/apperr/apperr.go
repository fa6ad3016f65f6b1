// Package apperr classifies failures into the kinds the scheduling pipeline
// branches on: validation, not-found, transient, terminal and encryption.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
	"unicode/utf8"
)

// Kind is the classification used by workers to decide between swallowing,
// retrying and failing fast.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindTransient
	KindTerminal
	KindEncryption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindEncryption:
		return "encryption"
	default:
		return "unknown"
	}
}

// Retryable reports whether the queue retry policy should act on this kind.
// Unclassified errors (store hiccups, decoding surprises) are retried since
// the policy is bounded anyway.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindUnknown
}

// ErrReconnectRequired signals that the stored credentials can no longer be
// used and the owner has to go through the OAuth consent flow again.
var ErrReconnectRequired = errors.New("account needs reconnect")

// AppError carries a Kind along with a human-readable message.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError without a cause.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates an AppError around err.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *AppError {
	return New(KindValidation, message)
}

func Validationf(format string, args ...any) *AppError {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(message string) *AppError {
	return New(KindNotFound, message)
}

func Transient(message string, err error) *AppError {
	return Wrap(KindTransient, message, err)
}

func Terminal(message string, err error) *AppError {
	return Wrap(KindTerminal, message, err)
}

func Encryption(message string, err error) *AppError {
	return Wrap(KindEncryption, message, err)
}

// RateLimitError is returned when the platform answers 429. ResetAt is zero
// when the platform did not say when the window resets.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return "platform rate limit exceeded"
	}
	return fmt.Sprintf("platform rate limit exceeded, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter is the time left until the rate limit window resets.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	if e.ResetAt.IsZero() || !e.ResetAt.After(now) {
		return 0
	}
	return e.ResetAt.Sub(now)
}

// KindOf classifies err. The outermost AppError wins.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return KindTransient
	}

	if errors.Is(err, ErrReconnectRequired) {
		return KindTerminal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindUnknown
}

// IsNotFound is shorthand for KindOf(err) == KindNotFound.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// Reason renders err as the failure reason persisted on a post.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.Error()
	}

	const maxReason = 500
	if errors.Is(err, ErrReconnectRequired) {
		return Truncate("account needs to be reconnected: "+err.Error(), maxReason)
	}
	return Truncate(err.Error(), maxReason)
}

// Truncate shortens s to at most n bytes without splitting a UTF-8
// sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
