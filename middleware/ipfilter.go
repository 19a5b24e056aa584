package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/response"
)

// BlockChecker 查询动态封禁状态，security.Monitor 满足该接口.
type BlockChecker interface {
	IsBlocked(ctx context.Context, kind, id string) (bool, error)
}

// IPDenylist 拒绝静态网段内以及被安全监控器封禁的来源 IP。
// 封禁状态查询失败时放行并记录日志。
func IPDenylist(deny []string, checker BlockChecker, logger *logging.Logger) gin.HandlerFunc {
	cidrs, ips := parseIPList(deny)

	return func(c *gin.Context) {
		ipStr := c.ClientIP()
		ip := net.ParseIP(ipStr)
		if ip == nil {
			response.ErrorWithStatus(c, http.StatusForbidden, "access denied", "invalid client ip")
			c.Abort()
			return
		}

		if ipListed(ip, cidrs, ips) {
			response.ErrorWithStatus(c, http.StatusForbidden, "access denied", "ip denied")
			c.Abort()
			return
		}

		if checker != nil {
			blocked, err := checker.IsBlocked(c.Request.Context(), "ip", ipStr)
			if err != nil {
				logger.ErrorContext(c.Request.Context(), "block lookup failed", "ip", ipStr, "error", err)
			} else if blocked {
				response.ErrorWithStatus(c, http.StatusForbidden, "access denied", "ip blocked")
				c.Abort()
				return
			}
		}

		c.Next()
	}
}

func parseIPList(entries []string) ([]*net.IPNet, []net.IP) {
	cidrs := make([]*net.IPNet, 0)
	ips := make([]net.IP, 0)

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err == nil {
				cidrs = append(cidrs, network)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			ips = append(ips, ip)
		}
	}

	return cidrs, ips
}

func ipListed(ip net.IP, cidrs []*net.IPNet, ips []net.IP) bool {
	for _, listed := range ips {
		if listed.Equal(ip) {
			return true
		}
	}
	for _, network := range cidrs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
