package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/xerrors"
)

// DefaultEventsTable 分析记录的默认表名.
const DefaultEventsTable = "analytics_events"

// Execer 写入所需的最小 ClickHouse 连接能力，driver.Conn 满足该接口.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// OpenClickHouse 按配置建立 ClickHouse 连接并探活.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig) (clickhouse.Conn, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrUnavailable, "clickhouse connect failed")
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(err, xerrors.ErrUnavailable, "clickhouse ping failed")
	}
	return conn, nil
}

// ClickHouseSink 把分析记录批量写入 ClickHouse.
//
//	CREATE TABLE IF NOT EXISTS analytics_events (
//	    timestamp  DateTime64(3, 'UTC'),
//	    kind       LowCardinality(String),
//	    name       String,
//	    user_id    String,
//	    value      Float64,
//	    attributes Map(String, String)
//	) ENGINE = MergeTree()
//	ORDER BY (kind, timestamp);
type ClickHouseSink struct {
	conn   Execer
	table  string
	logger *logging.Logger
}

// NewClickHouseSink 创建 ClickHouse 导出器，table 为空时使用 DefaultEventsTable.
func NewClickHouseSink(conn Execer, table string, logger *logging.Logger) *ClickHouseSink {
	if table == "" {
		table = DefaultEventsTable
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ClickHouseSink{conn: conn, table: table, logger: logger.Named("clickhouse")}
}

// Write 以单条 INSERT 写入全部记录.
func (s *ClickHouseSink) Write(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	query, args := s.insert(records)

	start := time.Now()
	err := s.conn.Exec(ctx, query, args...)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("failed to batch insert into ClickHouse",
			slog.String("table", s.table),
			slog.Int("rows", len(records)),
			slog.String("duration", duration.String()),
			slog.Any("error", err),
		)
		return xerrors.Wrap(err, xerrors.ErrUnavailable, "failed to insert data into "+s.table)
	}
	s.logger.Debug("inserted analytics records",
		slog.String("table", s.table),
		slog.Int("rows", len(records)),
		slog.String("duration", duration.String()),
	)
	return nil
}

func (s *ClickHouseSink) insert(records []Record) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (timestamp, kind, name, user_id, value, attributes) VALUES ", s.table)
	args := make([]any, 0, len(records)*6)
	for i, r := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?)")
		attrs := r.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		args = append(args, r.Timestamp.UTC(), r.Kind, r.Name, r.UserID, r.Value, attrs)
	}
	return b.String(), args
}
