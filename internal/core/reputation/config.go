package reputation

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config 信誉存储配置
type Config struct {
	// HalfLife 分数半衰期，决定封禁多久后自然解除
	HalfLife time.Duration

	// BanFloor 分数不高于该值即视为封禁
	BanFloor float64

	// MaxScore 正分上限，防止节点靠良好行为囤积额度
	MaxScore float64

	// HistorySize 每个节点保留的最近事件数
	HistorySize int

	// MaxRefLen 事件引用的最大长度，超出或疑似路径时替换为摘要
	MaxRefLen int

	// FlushInterval 持久化间隔
	FlushInterval time.Duration

	// Severities 覆盖默认事件权重
	Severities map[EventType]float64

	// Clock 时钟
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
//
// 一次签名错误 -20，三次即接近封禁线；半衰期 1 小时。
func DefaultConfig() Config {
	return Config{
		HalfLife:      time.Hour,
		BanFloor:      -50,
		MaxScore:      50,
		HistorySize:   32,
		MaxRefLen:     16,
		FlushInterval: 30 * time.Second,
		Clock:         clock.New(),
	}
}
