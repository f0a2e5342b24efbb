package holepunch

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config 打洞器配置
type Config struct {
	// ProbeInterval 每个候选地址的探测间隔
	ProbeInterval time.Duration

	// ProbeTimeout 单个探测等待确认的时间
	ProbeTimeout time.Duration

	// Timeout 一次打洞的总时限
	Timeout time.Duration

	// MaxCandidates 最多尝试的候选地址数
	MaxCandidates int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 100 * time.Millisecond,
		ProbeTimeout:  time.Second,
		Timeout:       8 * time.Second,
		MaxCandidates: 8,
	}
}

// KeepaliveConfig 路径保活配置
type KeepaliveConfig struct {
	// Interval 保活间隔，需小于常见 NAT 的 UDP 映射超时（约 30s）
	Interval time.Duration

	// Timeout 单次保活等待时间
	Timeout time.Duration

	// MaxFailures 连续失败多少次判定路径丢失
	MaxFailures int

	// Clock 时钟
	Clock clock.Clock
}

// DefaultKeepaliveConfig 返回默认保活配置
func DefaultKeepaliveConfig() KeepaliveConfig {
	return KeepaliveConfig{
		Interval:    15 * time.Second,
		Timeout:     2 * time.Second,
		MaxFailures: 3,
		Clock:       clock.New(),
	}
}
