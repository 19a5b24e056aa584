// Package middleware 提供了宿主 HTTP 服务的 Gin 中间件.
package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/agrimonitor/idgen"
)

const (
	HeaderXRequestID    = "X-Request-ID"
	ContextKeyRequestID = "request_id"
)

// RequestID 返回一个用于生成或传递请求 ID 的 Gin 中间件，ids 为空时使用全局雪花生成器。
func RequestID(ids idgen.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" {
			g := ids
			if g == nil {
				g = idgen.Default()
			}
			requestID = strconv.FormatInt(g.Generate(), 10)
		}

		c.Set(ContextKeyRequestID, requestID)
		c.Header(HeaderXRequestID, requestID)

		c.Next()
	}
}
