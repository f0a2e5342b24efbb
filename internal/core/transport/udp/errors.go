package udp

import "errors"

var (
	// ErrClosed 传输已关闭
	ErrClosed = errors.New("udp: transport closed")

	// ErrFrameTooLarge 帧超过最大长度
	ErrFrameTooLarge = errors.New("udp: frame too large")

	// ErrMalformedFrame 帧格式错误
	ErrMalformedFrame = errors.New("udp: malformed frame")

	// ErrInvalidAddress 无效目标地址
	ErrInvalidAddress = errors.New("udp: invalid address")
)
