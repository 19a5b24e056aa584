// Package idgen 提供了基于雪花算法的分布式唯一 ID 生成器.
package idgen

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/wyfcoding/agrimonitor/config"
)

var (
	// ErrParseTime 解析时间失败.
	ErrParseTime = errors.New("failed to parse start time")
	// ErrCreateNode 创建 Snowflake 节点失败.
	ErrCreateNode = errors.New("failed to create snowflake node")
)

const nanosPerMilli = int64(time.Millisecond)

// Generator 定义 ID 生成器接口.
type Generator interface {
	Generate() int64
}

// SnowflakeGenerator 使用雪花算法实现 Generator.
// 每毫秒可生成 4096 个 ID，支持 1024 台机器.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeGenerator 创建一个新的 SnowflakeGenerator.
func NewSnowflakeGenerator(cfg config.SnowflakeConfig) (*SnowflakeGenerator, error) {
	if cfg.StartTime != "" {
		st, err := time.Parse("2006-01-02", cfg.StartTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseTime, err)
		}
		snowflake.Epoch = st.UnixNano() / nanosPerMilli
	}

	node, err := snowflake.NewNode(cfg.MachineID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateNode, err)
	}

	slog.Info("snowflake generator initialized", "machine_id", cfg.MachineID, "epoch", snowflake.Epoch)

	return &SnowflakeGenerator{node: node}, nil
}

// Generate 生成一个新的 ID.
func (g *SnowflakeGenerator) Generate() int64 {
	return g.node.Generate().Int64()
}

var (
	defaultGen  Generator
	defaultOnce sync.Once
	defaultMu   sync.RWMutex
)

// Init 使用配置初始化全局生成器.
func Init(cfg config.SnowflakeConfig) error {
	gen, err := NewSnowflakeGenerator(cfg)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultGen = gen
	defaultMu.Unlock()
	return nil
}

// Default 返回全局生成器，未初始化时使用机器号 0.
func Default() Generator {
	defaultMu.RLock()
	gen := defaultGen
	defaultMu.RUnlock()
	if gen != nil {
		return gen
	}

	defaultOnce.Do(func() {
		fallback, err := NewSnowflakeGenerator(config.SnowflakeConfig{})
		if err != nil {
			panic(fmt.Sprintf("idgen: default generator: %v", err))
		}
		defaultMu.Lock()
		if defaultGen == nil {
			defaultGen = fallback
		}
		defaultMu.Unlock()
	})

	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultGen
}

// GenID 生成全局唯一 ID.
func GenID() int64 {
	return Default().Generate()
}

// GenString 生成带前缀的字符串 ID，例如 INC1790000000000000000.
func GenString(prefix string) string {
	return prefix + strconv.FormatInt(GenID(), 10)
}
