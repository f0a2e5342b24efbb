package stun

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config STUN 客户端配置
type Config struct {
	// Servers STUN 服务器列表（host:port，可带 stun: 前缀）
	Servers []string

	// Timeout 单次请求超时
	Timeout time.Duration

	// Retries 有响应期望的请求的重试次数
	Retries int

	// ProbeTimeout 可能合法地收不到响应的测试（Test II/III）的超时
	ProbeTimeout time.Duration

	// CacheDuration 分类结果缓存时长
	CacheDuration time.Duration

	// Clock 时钟
	Clock clock.Clock
}

// DefaultServers 默认公共 STUN 服务器
func DefaultServers() []string {
	return []string{
		"stun.l.google.com:19302",
		"stun1.l.google.com:19302",
		"stun.cloudflare.com:3478",
	}
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Servers:       DefaultServers(),
		Timeout:       2 * time.Second,
		Retries:       1,
		ProbeTimeout:  800 * time.Millisecond,
		CacheDuration: 5 * time.Minute,
		Clock:         clock.New(),
	}
}
