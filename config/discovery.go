package config

import (
	"errors"
	"time"
)

// DHTConfig 分布式哈希表配置
type DHTConfig struct {
	// IDBits 标识空间比特长度，决定桶数
	// 8 的倍数，取值 [64, 256]，默认 256
	IDBits int `json:"id_bits"`

	// BucketSize K-桶容量，默认 20
	BucketSize int `json:"bucket_size"`

	// Alpha 每轮并发 RPC 数，默认 3
	Alpha int `json:"alpha"`

	// RPCTimeout 单次 RPC 超时
	RPCTimeout Duration `json:"rpc_timeout"`

	// LookupTimeout 整次迭代查询超时
	LookupTimeout Duration `json:"lookup_timeout"`

	// MinTTL / MaxTTL 记录 TTL 钳制范围
	MinTTL Duration `json:"min_ttl"`
	MaxTTL Duration `json:"max_ttl"`

	// RefreshInterval 桶刷新检查间隔
	RefreshInterval Duration `json:"refresh_interval"`

	// InboundRate 每个发送方每秒的入站 RPC 数
	InboundRate float64 `json:"inbound_rate"`

	// InboundBurst 入站 RPC 突发量
	InboundBurst int `json:"inbound_burst"`
}

// DefaultDHTConfig 返回默认 DHT 配置
func DefaultDHTConfig() DHTConfig {
	return DHTConfig{
		IDBits:          256,
		BucketSize:      20,
		Alpha:           3,
		RPCTimeout:      Seconds(5),
		LookupTimeout:   Seconds(30),
		MinTTL:          Seconds(60),
		MaxTTL:          Duration(24 * time.Hour),
		RefreshInterval: Minutes(10),
		InboundRate:     50,
		InboundBurst:    100,
	}
}

// Validate 验证 DHT 配置
func (c *DHTConfig) Validate() error {
	if c.IDBits < 64 || c.IDBits > 256 || c.IDBits%8 != 0 {
		return errors.New("config: dht id_bits must be a multiple of 8 in [64, 256]")
	}
	if c.BucketSize <= 0 {
		return errors.New("config: dht bucket_size must be positive")
	}
	if c.Alpha < 1 || c.Alpha > 16 {
		return errors.New("config: dht alpha must be in [1, 16]")
	}
	if c.RPCTimeout <= 0 || c.LookupTimeout <= 0 || c.RefreshInterval <= 0 {
		return errors.New("config: dht timeouts must be positive")
	}
	if c.MinTTL.Duration() < time.Minute {
		return errors.New("config: dht min_ttl must be at least 60s")
	}
	if c.MaxTTL < c.MinTTL {
		return errors.New("config: dht max_ttl must not be below min_ttl")
	}
	if c.InboundRate <= 0 || c.InboundBurst <= 0 {
		return errors.New("config: dht inbound rate must be positive")
	}
	return nil
}
