package portmap

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config 端口映射配置
type Config struct {
	// Enable 是否尝试端口映射
	Enable bool

	// Lifetime 申请的租期
	Lifetime time.Duration

	// Timeout 单个协议的发现与映射超时
	Timeout time.Duration

	// Gateway NAT-PMP 网关地址；为空时自动探测
	Gateway string

	// Description UPnP 映射描述
	Description string

	// Clock 时钟
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Enable:      true,
		Lifetime:    time.Hour,
		Timeout:     3 * time.Second,
		Description: "go-mesh",
		Clock:       clock.New(),
	}
}
