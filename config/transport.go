package config

import (
	"errors"
	"fmt"
	"net/netip"
)

// ListenConfig 监听与传输配置
//
// 节点只使用一个 UDP socket，DHT、打洞、中继与 STUN 共用。
type ListenConfig struct {
	// Addr 监听地址，端口为 0 时随机分配
	// 默认值: "0.0.0.0:4001"
	Addr string `json:"addr"`

	// MaxFrameSize 单帧最大字节数
	MaxFrameSize int `json:"max_frame_size"`

	// CompressThreshold 超过该字节数的负载使用 s2 压缩，0 表示不压缩
	CompressThreshold int `json:"compress_threshold"`
}

// DefaultListenConfig 返回默认监听配置
func DefaultListenConfig() ListenConfig {
	return ListenConfig{
		Addr:              "0.0.0.0:4001",
		MaxFrameSize:      64 << 10,
		CompressThreshold: 1 << 10,
	}
}

// Validate 验证监听配置
func (c *ListenConfig) Validate() error {
	if _, err := netip.ParseAddrPort(c.Addr); err != nil {
		return fmt.Errorf("config: invalid listen addr %q: %w", c.Addr, err)
	}
	if c.MaxFrameSize < 1<<10 || c.MaxFrameSize > 64<<10 {
		return errors.New("config: listen max_frame_size must be in [1KiB, 64KiB]")
	}
	if c.CompressThreshold < 0 {
		return errors.New("config: listen compress_threshold must not be negative")
	}
	return nil
}

// WithPort 返回替换端口后的配置
func (c ListenConfig) WithPort(port uint16) ListenConfig {
	ap, err := netip.ParseAddrPort(c.Addr)
	if err != nil {
		ap = netip.MustParseAddrPort("0.0.0.0:0")
	}
	c.Addr = netip.AddrPortFrom(ap.Addr(), port).String()
	return c
}
