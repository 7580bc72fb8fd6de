package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stream-rpc/message"
	"stream-rpc/rpclog"
)

// LoggingMiddleware logs every request when its response is sent: method, id,
// time until respond was called and the application error, if any.
func LoggingMiddleware(log *zap.Logger) Middleware {
	log = rpclog.OrNop(log)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message, respond Responder) {
			start := time.Now()
			next(ctx, req, func(appErr any, data any) error {
				fields := []zap.Field{
					zap.String("method", req.Method),
					zap.String("id", req.ID),
					zap.Duration("duration", time.Since(start)),
				}
				if appErr != nil {
					log.Info("request failed", append(fields, zap.Any("error", appErr))...)
				} else {
					log.Debug("request done", fields...)
				}
				return respond(appErr, data)
			})
		}
	}
}
