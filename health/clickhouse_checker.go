package health

import (
	"context"
	"errors"
	"fmt"
)

// ClickHouseChecker 返回 ClickHouse 依赖健康检查函数，复用已建立的连接。
func ClickHouseChecker(conn Pinger) Checker {
	return func(ctx context.Context) error {
		if conn == nil {
			return errors.New("clickhouse connection is nil")
		}
		if err := conn.Ping(ctx); err != nil {
			return fmt.Errorf("clickhouse ping failed: %w", err)
		}
		return nil
	}
}
