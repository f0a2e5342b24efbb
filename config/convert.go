package config

import (
	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/nat"
	"github.com/slskdn/go-mesh/internal/core/reputation"
	"github.com/slskdn/go-mesh/internal/core/storage"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/internal/discovery/dht"
	meshsync "github.com/slskdn/go-mesh/internal/protocol/sync"
	"github.com/slskdn/go-mesh/pkg/lib/log"
)

// ============================================================================
//                              组件配置转换
// ============================================================================
//
// 对外配置只暴露常用参数，其余字段沿用组件默认值。

// ToIdentity 转换为身份组件配置
//
// 未指定 KeyFile 时使用数据目录下的默认文件。
func (c *Config) ToIdentity() identity.Config {
	if c.Identity.KeyFile != "" {
		return identity.Config{KeyPath: c.Identity.KeyFile}
	}
	return identity.ConfigInDir(c.Storage.DataDir)
}

// ToTransport 转换为 UDP 传输配置
func (c *Config) ToTransport() udp.Config {
	out := udp.DefaultConfig()
	out.ListenAddr = c.Listen.Addr
	out.MaxFrameSize = c.Listen.MaxFrameSize
	out.CompressThreshold = c.Listen.CompressThreshold
	return out
}

// ToDHT 转换为 DHT 配置，包含解析后的引导节点
func (c *Config) ToDHT() (dht.Config, error) {
	out := dht.DefaultConfig()
	out.IDBits = c.DHT.IDBits
	out.BucketSize = c.DHT.BucketSize
	out.Alpha = c.DHT.Alpha
	out.RPCTimeout = c.DHT.RPCTimeout.Duration()
	out.LookupTimeout = c.DHT.LookupTimeout.Duration()
	out.MinTTL = c.DHT.MinTTL.Duration()
	out.MaxTTL = c.DHT.MaxTTL.Duration()
	out.RefreshInterval = c.DHT.RefreshInterval.Duration()
	out.InboundRate = c.DHT.InboundRate
	out.InboundBurst = c.DHT.InboundBurst

	peers, err := c.bootstrapAddrs()
	if err != nil {
		return dht.Config{}, err
	}
	out.BootstrapPeers = peers
	return out, out.Validate()
}

// ToNAT 转换为 NAT 服务配置，中继参数一并写入
func (c *Config) ToNAT() nat.Config {
	out := nat.DefaultConfig()
	out.STUN.Servers = append([]string(nil), c.NAT.STUNServers...)
	out.PortMap.Enable = c.NAT.EnablePortMap
	out.PortMap.Gateway = c.NAT.Gateway
	out.DirectTimeout = c.NAT.DirectTimeout.Duration()
	out.PunchTimeout = c.NAT.PunchTimeout.Duration()
	out.RelayTimeout = c.NAT.RelayTimeout.Duration()
	out.Keepalive.Interval = c.NAT.KeepaliveInterval.Duration()
	out.RendezvousTTL = c.NAT.RendezvousTTL.Duration()
	out.RepublishInterval = c.NAT.RepublishInterval.Duration()

	out.EnableRelayServer = c.Relay.EnableServer
	out.Relays = append([]string(nil), c.Relay.Static...)
	out.MaxRelays = c.Relay.MaxRelays
	out.RelayServer.MaxReservations = c.Relay.MaxReservations
	out.RelayServer.ReservationTTL = c.Relay.ReservationTTL.Duration()
	out.RelayServer.BandwidthPerPeer = c.Relay.BandwidthPerPeer
	out.RelayServer.BurstPerPeer = 2 * c.Relay.BandwidthPerPeer
	out.RelayClient.KeepaliveInterval = c.Relay.KeepaliveInterval.Duration()
	return out
}

// ToReputation 转换为信誉配置
func (c *Config) ToReputation() reputation.Config {
	out := reputation.DefaultConfig()
	out.HalfLife = c.Reputation.HalfLife.Duration()
	out.BanFloor = c.Reputation.BanFloor
	out.MaxScore = c.Reputation.MaxScore
	out.FlushInterval = c.Reputation.FlushInterval.Duration()
	return out
}

// ToSync 转换为同步协议配置
func (c *Config) ToSync() meshsync.Config {
	out := meshsync.DefaultConfig()
	out.MaxMessageSize = c.Sync.MaxMessageSize
	out.MaxEntries = c.Sync.MaxEntries
	out.MaxKeySize = c.Sync.MaxKeySize
	out.MaxValueSize = c.Sync.MaxValueSize
	out.RateWindow = c.Sync.RateWindow.Duration()
	out.MaxInvalidEntries = c.Sync.MaxInvalidEntries
	out.MaxInvalidMessages = c.Sync.MaxInvalidMessages
	out.QuarantineDuration = c.Sync.QuarantineDuration.Duration()
	out.RequireConsensus = c.Sync.RequireConsensus
	out.ConsensusMinPeers = c.Sync.ConsensusMinPeers
	out.ConsensusMinAgreements = c.Sync.ConsensusMinAgreements
	out.ConsensusTimeout = c.Sync.ConsensusTimeout.Duration()
	return out
}

// ToStorage 转换为存储模块配置
func (c *Config) ToStorage() storage.Config {
	return storage.Config{DataDir: c.Storage.DataDir}
}

// ToLogOptions 转换为日志选项（不含输出目标）
func (c *Config) ToLogOptions() log.Options {
	return log.Options{Level: c.Log.Level, Format: c.Log.Format}
}
