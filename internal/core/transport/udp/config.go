package udp

import "time"

// Config UDP 传输配置
type Config struct {
	// ListenAddr 监听地址，如 "0.0.0.0:4001"；端口为 0 时随机分配
	ListenAddr string

	// MaxFrameSize 单帧最大字节数（含解压后负载），超过则丢弃
	MaxFrameSize int

	// CompressThreshold 负载超过该字节数时使用 s2 压缩，0 表示不压缩
	CompressThreshold int

	// MaxConcurrentHandlers 同时处理的入站请求上限，超过则丢弃
	MaxConcurrentHandlers int

	// HandlerTimeout 单个入站请求的处理超时
	HandlerTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ListenAddr:            "0.0.0.0:0",
		MaxFrameSize:          64 << 10,
		CompressThreshold:     1 << 10,
		MaxConcurrentHandlers: 256,
		HandlerTimeout:        10 * time.Second,
	}
}
