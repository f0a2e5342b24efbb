package stun

import "errors"

var (
	// ErrNoServers 未配置 STUN 服务器
	ErrNoServers = errors.New("stun: no servers configured")

	// ErrAllServersFailed 所有服务器均无响应
	ErrAllServersFailed = errors.New("stun: all servers failed")

	// ErrInvalidResponse 响应不是 Binding Success 或缺少映射地址
	ErrInvalidResponse = errors.New("stun: invalid response")

	// ErrServerClosed 响应器已关闭
	ErrServerClosed = errors.New("stun: server closed")
)
