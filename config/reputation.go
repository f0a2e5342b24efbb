package config

import "errors"

// ReputationConfig 信誉配置
type ReputationConfig struct {
	// HalfLife 分数半衰期，决定封禁多久自然解除
	HalfLife Duration `json:"half_life"`

	// BanFloor 分数不高于该值即封禁，必须为负
	BanFloor float64 `json:"ban_floor"`

	// MaxScore 正分上限
	MaxScore float64 `json:"max_score"`

	// FlushInterval 持久化间隔
	FlushInterval Duration `json:"flush_interval"`
}

// DefaultReputationConfig 返回默认信誉配置
func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		HalfLife:      Minutes(60),
		BanFloor:      -50,
		MaxScore:      50,
		FlushInterval: Seconds(30),
	}
}

// Validate 验证信誉配置
func (c *ReputationConfig) Validate() error {
	if c.HalfLife <= 0 || c.FlushInterval <= 0 {
		return errors.New("config: reputation intervals must be positive")
	}
	if c.BanFloor >= 0 {
		return errors.New("config: reputation ban_floor must be negative")
	}
	if c.MaxScore <= 0 {
		return errors.New("config: reputation max_score must be positive")
	}
	return nil
}
