package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
//                              预设
// ============================================================================

// 预设名称
const (
	// PresetServer 公网节点：充当中继，关闭端口映射，全部条目需共识
	PresetServer = "server"

	// PresetClient 家用网络节点：不提供中继，尝试端口映射
	PresetClient = "client"

	// PresetTest 本地测试：内存存储，无 STUN，回环地址随机端口
	PresetTest = "test"
)

// ApplyPreset 应用预设配置
func ApplyPreset(cfg *Config, name string) error {
	if cfg == nil {
		return errors.New("config: nil config")
	}
	switch name {
	case PresetServer:
		cfg.NAT.EnablePortMap = false
		cfg.Relay.EnableServer = true
		cfg.Relay.MaxReservations = 512
		cfg.Sync.RequireConsensus = true
	case PresetClient:
		cfg.NAT.EnablePortMap = true
		cfg.Relay.EnableServer = false
	case PresetTest:
		cfg.Listen.Addr = "127.0.0.1:0"
		cfg.Storage.DataDir = ""
		cfg.NAT.STUNServers = nil
		cfg.NAT.EnablePortMap = false
		cfg.Relay.EnableServer = false
		cfg.Log.Level = "warn"
	default:
		return fmt.Errorf("config: unknown preset %q", name)
	}
	return nil
}

// Clone 深拷贝配置
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

// checkCompatibility 检查跨组件约束
func (c *Config) checkCompatibility() error {
	if c.NAT.RendezvousTTL < c.DHT.MinTTL || c.NAT.RendezvousTTL > c.DHT.MaxTTL {
		return errors.New("config: nat rendezvous_ttl must lie within dht ttl bounds")
	}
	if c.Sync.ConsensusTimeout > c.DHT.LookupTimeout {
		return errors.New("config: sync consensus_timeout must not exceed dht lookup_timeout")
	}
	return nil
}
