package dht

import (
	"errors"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
)

// 默认参数
const (
	// DefaultIDBits 标识空间比特长度
	DefaultIDBits = 256

	// DefaultBucketSize K-桶容量
	DefaultBucketSize = 20

	// DefaultAlpha 每轮并发 RPC 数
	DefaultAlpha = 3

	// MinTTL 记录最短 TTL
	MinTTL = 60 * time.Second

	// MaxTTL 记录最长 TTL
	MaxTTL = 24 * time.Hour

	// DefaultTTL 未指定时的 TTL
	DefaultTTL = time.Hour

	// MaxKeySize 记录键最大长度
	MaxKeySize = 256

	// MaxValueSize 记录值最大长度
	MaxValueSize = 16 << 10
)

// Config DHT 配置
type Config struct {
	// IDBits 标识空间比特长度（8 的倍数，64..256）
	IDBits int

	// BucketSize K-桶容量
	BucketSize int

	// Alpha 并发查询参数
	Alpha int

	// RPCTimeout 单次 RPC 超时
	RPCTimeout time.Duration

	// LookupTimeout 整次迭代查询超时
	LookupTimeout time.Duration

	// ProbeTimeout 桶满时存活探测超时
	ProbeTimeout time.Duration

	// MinTTL / MaxTTL 记录 TTL 钳制范围
	MinTTL time.Duration
	MaxTTL time.Duration

	// ClockSkew 接受的记录时间戳超前量
	ClockSkew time.Duration

	// RefreshInterval 桶刷新检查间隔
	RefreshInterval time.Duration

	// StaleBucketAge 多久未触达的桶需要刷新
	StaleBucketAge time.Duration

	// CleanupInterval 过期记录清理间隔
	CleanupInterval time.Duration

	// SnapshotInterval 路由表快照间隔，0 表示仅在停止时保存
	SnapshotInterval time.Duration

	// MaxFailures 连续 RPC 失败多少次后移出路由表
	MaxFailures int

	// InboundRate 每个发送方的入站 RPC 速率（每秒）
	InboundRate float64

	// InboundBurst 入站 RPC 突发量
	InboundBurst int

	// BootstrapPeers 引导节点地址
	BootstrapPeers []netip.AddrPort

	// Clock 时钟（测试注入）
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		IDBits:          DefaultIDBits,
		BucketSize:      DefaultBucketSize,
		Alpha:           DefaultAlpha,
		RPCTimeout:      5 * time.Second,
		LookupTimeout:   30 * time.Second,
		ProbeTimeout:    3 * time.Second,
		MinTTL:          MinTTL,
		MaxTTL:          MaxTTL,
		ClockSkew:       5 * time.Minute,
		RefreshInterval: 10 * time.Minute,
		StaleBucketAge:  time.Hour,
		CleanupInterval: time.Minute,
		MaxFailures:     3,
		InboundRate:     50,
		InboundBurst:    100,
		Clock:           clock.New(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.IDBits < 64 || c.IDBits > DefaultIDBits || c.IDBits%8 != 0 {
		return errors.New("dht: id bits must be a multiple of 8 in [64, 256]")
	}
	if c.BucketSize <= 0 {
		return errors.New("dht: bucket size must be positive")
	}
	if c.Alpha < 1 || c.Alpha > 16 {
		return errors.New("dht: alpha must be in [1, 16]")
	}
	if c.RPCTimeout <= 0 || c.LookupTimeout <= 0 || c.ProbeTimeout <= 0 {
		return errors.New("dht: timeouts must be positive")
	}
	if c.MinTTL < MinTTL {
		return errors.New("dht: min ttl must be at least 60s")
	}
	if c.MaxTTL < c.MinTTL {
		return errors.New("dht: max ttl must not be below min ttl")
	}
	if c.MaxFailures <= 0 {
		return errors.New("dht: max failures must be positive")
	}
	if c.InboundRate <= 0 || c.InboundBurst <= 0 {
		return errors.New("dht: inbound rate must be positive")
	}
	return nil
}

// ConfigOption 配置选项
type ConfigOption func(*Config)

// WithBucketSize 设置 K-桶容量
func WithBucketSize(k int) ConfigOption {
	return func(c *Config) { c.BucketSize = k }
}

// WithAlpha 设置并发参数
func WithAlpha(alpha int) ConfigOption {
	return func(c *Config) { c.Alpha = alpha }
}

// WithIDBits 设置标识空间比特长度
func WithIDBits(bits int) ConfigOption {
	return func(c *Config) { c.IDBits = bits }
}

// WithRPCTimeout 设置 RPC 超时
func WithRPCTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.RPCTimeout = d }
}

// WithClock 注入时钟
func WithClock(clk clock.Clock) ConfigOption {
	return func(c *Config) { c.Clock = clk }
}

// WithBootstrapPeers 设置引导节点
func WithBootstrapPeers(peers ...netip.AddrPort) ConfigOption {
	return func(c *Config) { c.BootstrapPeers = peers }
}

// NewConfig 以默认值为基础应用选项
func NewConfig(opts ...ConfigOption) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
