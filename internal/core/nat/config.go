package nat

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/slskdn/go-mesh/internal/core/nat/holepunch"
	"github.com/slskdn/go-mesh/internal/core/nat/portmap"
	"github.com/slskdn/go-mesh/internal/core/nat/stun"
	"github.com/slskdn/go-mesh/internal/core/relay"
)

// Config NAT 服务配置
type Config struct {
	// STUN STUN 客户端配置
	STUN stun.Config

	// PortMap 端口映射配置
	PortMap portmap.Config

	// Punch 打洞配置
	Punch holepunch.Config

	// Keepalive 打洞路径保活配置
	Keepalive holepunch.KeepaliveConfig

	// RelayServer 中继服务端配置
	RelayServer relay.ServerConfig

	// RelayClient 中继客户端配置
	RelayClient relay.ClientConfig

	// EnableRelayServer NAT 为开放或完全锥形时是否充当中继
	EnableRelayServer bool

	// Relays 静态中继列表，格式 <peerid>@<ip>:<port>
	Relays []string

	// MaxRelays 会合记录中公布的中继数上限
	MaxRelays int

	// DirectTimeout 直连阶段超时
	DirectTimeout time.Duration

	// PunchTimeout 打洞阶段超时
	PunchTimeout time.Duration

	// RelayTimeout 中继阶段超时
	RelayTimeout time.Duration

	// RendezvousTTL 会合记录 TTL
	RendezvousTTL time.Duration

	// RepublishInterval 会合记录重新发布间隔，需小于 RendezvousTTL
	RepublishInterval time.Duration

	// Clock 时钟
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		STUN:              stun.DefaultConfig(),
		PortMap:           portmap.DefaultConfig(),
		Punch:             holepunch.DefaultConfig(),
		Keepalive:         holepunch.DefaultKeepaliveConfig(),
		RelayServer:       relay.DefaultServerConfig(),
		RelayClient:       relay.DefaultClientConfig(),
		EnableRelayServer: true,
		MaxRelays:         2,
		DirectTimeout:     3 * time.Second,
		PunchTimeout:      8 * time.Second,
		RelayTimeout:      5 * time.Second,
		RendezvousTTL:     10 * time.Minute,
		RepublishInterval: 5 * time.Minute,
		Clock:             clock.New(),
	}
}

func (c *Config) fill() {
	def := DefaultConfig()
	if c.MaxRelays <= 0 {
		c.MaxRelays = def.MaxRelays
	}
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = def.DirectTimeout
	}
	if c.PunchTimeout <= 0 {
		c.PunchTimeout = def.PunchTimeout
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = def.RelayTimeout
	}
	if c.RendezvousTTL <= 0 {
		c.RendezvousTTL = def.RendezvousTTL
	}
	if c.RepublishInterval <= 0 || c.RepublishInterval >= c.RendezvousTTL {
		c.RepublishInterval = c.RendezvousTTL / 2
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	// 打洞阶段的超时由 PunchTimeout 统一控制
	c.Punch.Timeout = c.PunchTimeout
}
