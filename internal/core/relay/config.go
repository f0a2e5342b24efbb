package relay

import (
	"time"

	"github.com/benbjohnson/clock"
)

// ServerConfig 中继服务端配置
type ServerConfig struct {
	// MaxReservations 同时存在的预留上限
	MaxReservations int

	// ReservationTTL 预留租期，保活续期
	ReservationTTL time.Duration

	// BandwidthPerPeer 每个预留的转发速率（字节/秒）
	BandwidthPerPeer int

	// BurstPerPeer 每个预留的突发字节数
	BurstPerPeer int

	// SignalRate 未预留节点 CONNECT 速率（次/秒）
	SignalRate float64

	// SweepInterval 过期预留清理间隔
	SweepInterval time.Duration

	// Clock 时钟
	Clock clock.Clock
}

// DefaultServerConfig 返回默认服务端配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxReservations:  128,
		ReservationTTL:   2 * time.Minute,
		BandwidthPerPeer: 64 << 10,
		BurstPerPeer:     128 << 10,
		SignalRate:       2,
		SweepInterval:    30 * time.Second,
		Clock:            clock.New(),
	}
}

// ClientConfig 中继客户端配置
type ClientConfig struct {
	// KeepaliveInterval 会话保活间隔，需小于服务端 ReservationTTL
	KeepaliveInterval time.Duration

	// RequestTimeout 控制请求超时
	RequestTimeout time.Duration

	// Clock 时钟
	Clock clock.Clock
}

// DefaultClientConfig 返回默认客户端配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		KeepaliveInterval: 30 * time.Second,
		RequestTimeout:    3 * time.Second,
		Clock:             clock.New(),
	}
}
