package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"stream-rpc/message"
	"stream-rpc/rpclog"
)

// RecoverMiddleware turns a handler panic into an application error response.
// If the handler already responded before panicking, the extra response is
// refused by the server and only the log line remains.
func RecoverMiddleware(log *zap.Logger) Middleware {
	log = rpclog.OrNop(log)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message, respond Responder) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic", zap.String("method", req.Method), zap.Any("panic", r), zap.Stack("stack"))
					_ = respond(fmt.Sprintf("internal error: %v", r), nil)
				}
			}()
			next(ctx, req, respond)
		}
	}
}
