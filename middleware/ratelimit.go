package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/agrimonitor/limiter"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/response"
)

// RateLimit 以客户端 IP 为标识的限流中间件。
// 限流组件故障时放行请求并记录错误日志。
func RateLimit(l limiter.Limiter, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		allowed, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logger.ErrorContext(c.Request.Context(), "rate limiter failed, fail-open applied", "key", key, "error", err)
			c.Next()
			return
		}

		if !allowed {
			logger.WarnContext(c.Request.Context(), "request rejected by rate limiter", "key", key, "path", c.Request.URL.Path)
			response.ErrorWithStatus(c, http.StatusTooManyRequests, "too many requests", "access rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}
