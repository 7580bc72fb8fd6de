// Package middleware defines the request handler signature and composable
// wrappers around it.
package middleware

import (
	"context"

	"stream-rpc/message"
)

// Responder sends the response for one request. appErr nil means success.
// It must be called exactly once per request; it may be called from any
// goroutine, at any time after the handler was invoked.
type Responder func(appErr any, data any) error

// HandlerFunc handles one decoded request. ctx is canceled when the request's
// connection closes.
type HandlerFunc func(ctx context.Context, req *message.Message, respond Responder)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(h) → A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
