package sync

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config 同步服务配置
type Config struct {
	// ============================================================================
	//                              大小限制
	// ============================================================================

	// MaxMessageSize 原始消息最大字节数
	MaxMessageSize int

	// MaxEntries 单条消息最大条目数
	MaxEntries int

	// MaxKeySize 键最大字节数
	MaxKeySize int

	// MaxValueSize 值最大字节数
	MaxValueSize int

	// MaxBatchBytes 出站单条消息负载上限，需小于路径可承载的帧
	MaxBatchBytes int

	// ============================================================================
	//                              限流与隔离
	// ============================================================================

	// RateWindow 无效计数的滑动窗口
	RateWindow time.Duration

	// MaxInvalidEntries 窗口内无效条目上限
	MaxInvalidEntries int

	// MaxInvalidMessages 窗口内无效消息上限
	MaxInvalidMessages int

	// QuarantineDuration 隔离时长
	QuarantineDuration time.Duration

	// SweepInterval 过期隔离清理间隔
	SweepInterval time.Duration

	// ReplayCacheSize 重放缓存容量（发送方+MessageID）
	ReplayCacheSize int

	// MaxClockSkew 信封时间戳与本地时间的最大偏差
	MaxClockSkew time.Duration

	// MaxFutureSkew 条目时间戳最多超前本地时间多少
	MaxFutureSkew time.Duration

	// ============================================================================
	//                              共识
	// ============================================================================

	// RequireConsensus 为 true 时所有条目都需共识，否则仅争议条目需要
	RequireConsensus bool

	// ConsensusMinPeers 查询的不同节点数
	ConsensusMinPeers int

	// ConsensusMinAgreements 需要返回相同值的节点数
	ConsensusMinAgreements int

	// ConsensusTimeout 单次共识查询超时，超时视为弃权
	ConsensusTimeout time.Duration

	// Clock 时钟
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:         256 << 10,
		MaxEntries:             512,
		MaxKeySize:             256,
		MaxValueSize:           16 << 10,
		MaxBatchBytes:          28 << 10,
		RateWindow:             5 * time.Minute,
		MaxInvalidEntries:      50,
		MaxInvalidMessages:     10,
		QuarantineDuration:     30 * time.Minute,
		SweepInterval:          time.Minute,
		ReplayCacheSize:        8192,
		MaxClockSkew:           10 * time.Minute,
		MaxFutureSkew:          time.Minute,
		RequireConsensus:       false,
		ConsensusMinPeers:      3,
		ConsensusMinAgreements: 2,
		ConsensusTimeout:       3 * time.Second,
		Clock:                  clock.New(),
	}
}

func (c *Config) fill() {
	def := DefaultConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = def.MaxEntries
	}
	if c.MaxKeySize <= 0 {
		c.MaxKeySize = def.MaxKeySize
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = def.MaxValueSize
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = def.MaxBatchBytes
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.MaxInvalidEntries <= 0 {
		c.MaxInvalidEntries = def.MaxInvalidEntries
	}
	if c.MaxInvalidMessages <= 0 {
		c.MaxInvalidMessages = def.MaxInvalidMessages
	}
	if c.QuarantineDuration <= 0 {
		c.QuarantineDuration = def.QuarantineDuration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ReplayCacheSize <= 0 {
		c.ReplayCacheSize = def.ReplayCacheSize
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = def.MaxClockSkew
	}
	if c.MaxFutureSkew <= 0 {
		c.MaxFutureSkew = def.MaxFutureSkew
	}
	if c.ConsensusMinPeers <= 0 {
		c.ConsensusMinPeers = def.ConsensusMinPeers
	}
	if c.ConsensusMinAgreements <= 0 {
		c.ConsensusMinAgreements = def.ConsensusMinAgreements
	}
	if c.ConsensusMinAgreements > c.ConsensusMinPeers {
		c.ConsensusMinAgreements = c.ConsensusMinPeers
	}
	if c.ConsensusTimeout <= 0 {
		c.ConsensusTimeout = def.ConsensusTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}
