package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/agrimonitor/logging"
)

// Logger 访问日志中间件，5xx 记为 error，4xx 记为 warn.
func Logger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		args := []any{
			"request_id", c.GetString(ContextKeyRequestID),
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"query", c.Request.URL.RawQuery,
			"ip", c.ClientIP(),
			"cost", time.Since(start),
		}
		if len(c.Errors) > 0 {
			args = append(args, "errors", c.Errors.String())
		}

		ctx := c.Request.Context()
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.ErrorContext(ctx, "http request", args...)
		case status >= 400:
			logger.WarnContext(ctx, "http request", args...)
		default:
			logger.InfoContext(ctx, "http request", args...)
		}
	}
}
