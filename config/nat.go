package config

import "errors"

// NATConfig NAT 穿透配置
//
// 连接顺序固定为 直连 → 打洞 → 中继，每个阶段有独立超时。
type NATConfig struct {
	// STUNServers STUN 服务器（host:port），为空时不做 NAT 分类
	STUNServers []string `json:"stun_servers"`

	// EnablePortMap 是否先尝试 NAT-PMP / UPnP 端口映射
	EnablePortMap bool `json:"enable_port_map"`

	// Gateway NAT-PMP 网关地址，为空时自动探测
	Gateway string `json:"gateway,omitempty"`

	// DirectTimeout / PunchTimeout / RelayTimeout 各阶段超时
	DirectTimeout Duration `json:"direct_timeout"`
	PunchTimeout  Duration `json:"punch_timeout"`
	RelayTimeout  Duration `json:"relay_timeout"`

	// KeepaliveInterval 打洞路径保活间隔，需小于 NAT 映射超时
	KeepaliveInterval Duration `json:"keepalive_interval"`

	// RendezvousTTL 会合记录 TTL
	RendezvousTTL Duration `json:"rendezvous_ttl"`

	// RepublishInterval 会合记录重新发布间隔
	RepublishInterval Duration `json:"republish_interval"`
}

// DefaultNATConfig 返回默认 NAT 配置
func DefaultNATConfig() NATConfig {
	return NATConfig{
		STUNServers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun.cloudflare.com:3478",
		},
		EnablePortMap:     true,
		DirectTimeout:     Seconds(3),
		PunchTimeout:      Seconds(8),
		RelayTimeout:      Seconds(5),
		KeepaliveInterval: Seconds(15),
		RendezvousTTL:     Minutes(10),
		RepublishInterval: Minutes(5),
	}
}

// Validate 验证 NAT 配置
func (c *NATConfig) Validate() error {
	if c.DirectTimeout <= 0 || c.PunchTimeout <= 0 || c.RelayTimeout <= 0 {
		return errors.New("config: nat stage timeouts must be positive")
	}
	if c.KeepaliveInterval <= 0 {
		return errors.New("config: nat keepalive_interval must be positive")
	}
	if c.RendezvousTTL <= 0 || c.RepublishInterval <= 0 {
		return errors.New("config: nat rendezvous intervals must be positive")
	}
	if c.RepublishInterval >= c.RendezvousTTL {
		return errors.New("config: nat republish_interval must be shorter than rendezvous_ttl")
	}
	return nil
}
