package engine

import (
	"os"
	"time"
)

// Config 存储引擎配置
type Config struct {
	// Path 数据目录，为空时使用内存模式
	Path string

	// SyncWrites 每次写入是否 fsync
	SyncWrites bool

	// GCInterval 值日志 GC 间隔，0 表示禁用
	GCInterval time.Duration

	// GCDiscardRatio 值日志 GC 丢弃比例
	GCDiscardRatio float64

	// BlockCacheSize 块缓存大小（字节）
	BlockCacheSize int64
}

// DefaultConfig 返回默认配置
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
		BlockCacheSize: 16 << 20,
	}
}

// InMemory 是否为内存模式
func (c *Config) InMemory() bool {
	return c.Path == ""
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.GCDiscardRatio <= 0 || c.GCDiscardRatio >= 1 {
		return ErrInvalidConfig
	}
	if c.GCInterval < 0 || c.BlockCacheSize < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// EnsureDir 确保数据目录存在
func (c *Config) EnsureDir() error {
	if c.InMemory() {
		return nil
	}
	return os.MkdirAll(c.Path, 0700)
}
