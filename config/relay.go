package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// RelayConfig 中继配置
type RelayConfig struct {
	// EnableServer 公网可达时是否为其他节点提供中继
	EnableServer bool `json:"enable_server"`

	// MaxReservations 同时服务的预留数
	MaxReservations int `json:"max_reservations"`

	// ReservationTTL 预留有效期，客户端保活会续期
	ReservationTTL Duration `json:"reservation_ttl"`

	// BandwidthPerPeer 每个预留的转发速率（字节/秒）
	BandwidthPerPeer int `json:"bandwidth_per_peer"`

	// KeepaliveInterval 客户端保活间隔，需小于 ReservationTTL
	KeepaliveInterval Duration `json:"keepalive_interval"`

	// Static 静态中继，格式 <peerid>@<ip>:<port>
	Static []string `json:"static,omitempty"`

	// MaxRelays 本节点保持的中继预留数
	MaxRelays int `json:"max_relays"`
}

// DefaultRelayConfig 返回默认中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		EnableServer:      true,
		MaxReservations:   128,
		ReservationTTL:    Minutes(2),
		BandwidthPerPeer:  64 << 10,
		KeepaliveInterval: Seconds(30),
		MaxRelays:         2,
	}
}

// Validate 验证中继配置
func (c *RelayConfig) Validate() error {
	if c.MaxReservations <= 0 || c.BandwidthPerPeer <= 0 || c.MaxRelays <= 0 {
		return errors.New("config: relay limits must be positive")
	}
	if c.ReservationTTL <= 0 || c.KeepaliveInterval <= 0 {
		return errors.New("config: relay intervals must be positive")
	}
	if c.KeepaliveInterval >= c.ReservationTTL {
		return errors.New("config: relay keepalive_interval must be shorter than reservation_ttl")
	}
	for _, s := range c.Static {
		id, addr, ok := strings.Cut(s, "@")
		if !ok || id == "" {
			return fmt.Errorf("config: relay %q must be <peerid>@<ip>:<port>", s)
		}
		if _, err := netip.ParseAddrPort(addr); err != nil {
			return fmt.Errorf("config: relay %q: %w", s, err)
		}
	}
	return nil
}
