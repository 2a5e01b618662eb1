package testutil

import (
	"context"
	"testing"
	"time"
)

// NewTestContext creates a context with 5 second timeout for tests.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// NewCancelledContext returns a context that is already cancelled.
func NewCancelledContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	return ctx
}
