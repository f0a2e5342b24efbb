package config

import "errors"

// SyncConfig 同步协议配置
type SyncConfig struct {
	// MaxMessageSize 原始消息最大字节数
	MaxMessageSize int `json:"max_message_size"`

	// MaxEntries 单条消息最大条目数
	MaxEntries int `json:"max_entries"`

	// MaxKeySize / MaxValueSize 条目键与值的最大字节数
	MaxKeySize   int `json:"max_key_size"`
	MaxValueSize int `json:"max_value_size"`

	// RateWindow 无效计数滑动窗口
	RateWindow Duration `json:"rate_window"`

	// MaxInvalidEntries 窗口内无效条目上限
	MaxInvalidEntries int `json:"max_invalid_entries"`

	// MaxInvalidMessages 窗口内无效消息上限
	MaxInvalidMessages int `json:"max_invalid_messages"`

	// QuarantineDuration 隔离时长
	QuarantineDuration Duration `json:"quarantine_duration"`

	// RequireConsensus 为 true 时所有条目都需要共识
	RequireConsensus bool `json:"require_consensus"`

	// ConsensusMinPeers 共识查询的节点数
	ConsensusMinPeers int `json:"consensus_min_peers"`

	// ConsensusMinAgreements 需要返回相同值的节点数
	ConsensusMinAgreements int `json:"consensus_min_agreements"`

	// ConsensusTimeout 单次共识查询超时
	ConsensusTimeout Duration `json:"consensus_timeout"`
}

// DefaultSyncConfig 返回默认同步配置
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxMessageSize:         256 << 10,
		MaxEntries:             512,
		MaxKeySize:             256,
		MaxValueSize:           16 << 10,
		RateWindow:             Minutes(5),
		MaxInvalidEntries:      50,
		MaxInvalidMessages:     10,
		QuarantineDuration:     Minutes(30),
		RequireConsensus:       false,
		ConsensusMinPeers:      3,
		ConsensusMinAgreements: 2,
		ConsensusTimeout:       Seconds(3),
	}
}

// Validate 验证同步配置
func (c *SyncConfig) Validate() error {
	if c.MaxMessageSize <= 0 || c.MaxEntries <= 0 || c.MaxKeySize <= 0 || c.MaxValueSize <= 0 {
		return errors.New("config: sync size limits must be positive")
	}
	if c.MaxValueSize+c.MaxKeySize > c.MaxMessageSize {
		return errors.New("config: sync max_value_size does not fit in max_message_size")
	}
	if c.RateWindow <= 0 || c.QuarantineDuration <= 0 || c.ConsensusTimeout <= 0 {
		return errors.New("config: sync intervals must be positive")
	}
	if c.MaxInvalidEntries <= 0 || c.MaxInvalidMessages <= 0 {
		return errors.New("config: sync rate limits must be positive")
	}
	if c.ConsensusMinAgreements < 1 || c.ConsensusMinAgreements > c.ConsensusMinPeers {
		return errors.New("config: sync consensus_min_agreements must be in [1, consensus_min_peers]")
	}
	return nil
}
