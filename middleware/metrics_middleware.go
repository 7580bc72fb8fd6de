package middleware

import (
	"context"

	"stream-rpc/message"
	"stream-rpc/metrics"
)

// MetricsMiddleware counts responses per method and outcome.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message, respond Responder) {
			next(ctx, req, func(appErr any, data any) error {
				outcome := "ok"
				if appErr != nil {
					outcome = "error"
				}
				m.Request(req.Method, outcome)
				return respond(appErr, data)
			})
		}
	}
}
