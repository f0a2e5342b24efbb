// Package config 提供统一的配置管理
//
// 主 Config 由各组件子配置组成，每个子配置在独立文件中定义，
// 可从 JSON 加载与保存。时长字段使用 Duration，接受 "30s" 或纳秒数。
//
// 使用示例：
//
//	cfg := config.NewConfig()
//	cfg.Storage.DataDir = "/var/lib/mesh"
//	cfg.Sync.RequireConsensus = true
//
//	// 从文件加载
//	cfg, err := config.Load("mesh.json")
//
// 内部组件有各自的 Config，本包通过 To* 方法转换。
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
)

// Config 节点完整配置
type Config struct {
	// Identity 身份配置
	Identity IdentityConfig `json:"identity"`

	// Listen 监听与传输配置
	Listen ListenConfig `json:"listen"`

	// DHT 分布式哈希表配置
	DHT DHTConfig `json:"dht"`

	// NAT NAT 穿透配置
	NAT NATConfig `json:"nat"`

	// Relay 中继配置
	Relay RelayConfig `json:"relay"`

	// Reputation 信誉配置
	Reputation ReputationConfig `json:"reputation"`

	// Sync 同步协议配置
	Sync SyncConfig `json:"sync"`

	// Storage 存储配置
	Storage StorageConfig `json:"storage"`

	// Log 日志配置
	Log LogConfig `json:"log"`

	// BootstrapPeers 引导节点地址（ip:port）
	BootstrapPeers []string `json:"bootstrap_peers,omitempty"`
}

// NewConfig 创建默认配置
//
// 默认值偏保守：共识阈值三取二，争议条目才需共识。
func NewConfig() *Config {
	return &Config{
		Identity:   DefaultIdentityConfig(),
		Listen:     DefaultListenConfig(),
		DHT:        DefaultDHTConfig(),
		NAT:        DefaultNATConfig(),
		Relay:      DefaultRelayConfig(),
		Reputation: DefaultReputationConfig(),
		Sync:       DefaultSyncConfig(),
		Storage:    DefaultStorageConfig(),
		Log:        DefaultLogConfig(),
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	validators := []interface{ Validate() error }{
		&c.Identity, &c.Listen, &c.DHT, &c.NAT, &c.Relay,
		&c.Reputation, &c.Sync, &c.Storage, &c.Log,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if err := c.checkCompatibility(); err != nil {
		return err
	}
	if _, err := c.bootstrapAddrs(); err != nil {
		return err
	}
	return nil
}

func (c *Config) bootstrapAddrs() ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(c.BootstrapPeers))
	for _, s := range c.BootstrapPeers {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("config: invalid bootstrap peer %q: %w", s, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

// ============================================================================
//                              JSON 读写
// ============================================================================

// FromJSON 从 JSON 数据创建配置，未出现的字段保持默认值
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	return cfg, nil
}

// Load 从文件加载并验证配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := FromJSON(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save 把配置写入文件
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.Rename(tmp, path)
}
