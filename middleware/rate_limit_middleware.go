package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"stream-rpc/message"
)

// ErrRateLimited is the application error sent back when a request is rejected.
const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Rejected requests are answered immediately and never reach the handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message, respond Responder) {
			if !limiter.Allow() {
				_ = respond(ErrRateLimited, nil)
				return
			}
			next(ctx, req, respond)
		}
	}
}
