// Package guard protects data-store operations invoked from request handlers
// against transient failure, cascading failure, duplicate execution and quota
// overrun.
//
// It provides an error taxonomy, a retry executor with exponential backoff and
// jitter, a per-operation circuit breaker, an idempotency cache, a bounded
// dead-letter store and a dual-window (hourly/daily) token bucket rate limiter.
// Each piece is usable alone; Pipeline composes them in the order
// rate limit -> idempotency -> circuit breaker -> retry -> operation.
package guard

import (
	"context"
)

// Operation is a unit of downstream work. Failures should be *Error values or
// anything AsError understands.
type Operation[T any] func(ctx context.Context) (T, error)

// ResilientClient defines a generic interface for request/response collaborators
// such as data-store clients. Wrap one with NewRetryWrapper, or turn a single
// request into an Operation with ClientOperation.
//
// Example:
//
//	type TaskStore struct{ db *sql.DB }
//
//	func (s *TaskStore) Execute(ctx context.Context, req CreateTask) (Task, error) {
//	    return s.insert(ctx, req)
//	}
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// ClientOperation binds req to client and returns it as an Operation.
func ClientOperation[Req, Resp any](client ResilientClient[Req, Resp], req Req) Operation[Resp] {
	return func(ctx context.Context) (Resp, error) {
		return client.Execute(ctx, req)
	}
}
