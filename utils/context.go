package utils

import (
	"context"
	"time"
)

const (
	// DefaultTimeout bounds store and queue operations of one request.
	DefaultTimeout = 10 * time.Second

	// LongTimeout is for requests that call the platform API.
	LongTimeout = 30 * time.Second
)

func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}

func WithLongTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, LongTimeout)
}
