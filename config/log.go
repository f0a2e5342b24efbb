package config

import (
	"fmt"

	"github.com/slskdn/go-mesh/pkg/lib/log"
)

// LogConfig 日志配置
type LogConfig struct {
	// Level 级别规格，如 "info" 或 "discovery/dht=debug,info"
	Level string `json:"level"`

	// Format 输出格式：text 或 json
	Format string `json:"format"`

	// File 日志文件，为空时输出到 stderr
	File string `json:"file,omitempty"`
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate 验证日志配置
func (c *LogConfig) Validate() error {
	switch c.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Format)
	}
	if c.Level != "" {
		if err := log.CheckLevelSpec(c.Level); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
