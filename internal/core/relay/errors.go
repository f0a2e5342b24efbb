package relay

import "errors"

var (
	// ErrNoRelay 所有候选中继都无法预留
	ErrNoRelay = errors.New("relay: no relay available")

	// ErrDenied 中继拒绝请求
	ErrDenied = errors.New("relay: request denied")

	// ErrRelayMismatch 响应签名者不是预期的中继
	ErrRelayMismatch = errors.New("relay: relay identity mismatch")

	// ErrInvalidMessage 控制消息或数据帧无效
	ErrInvalidMessage = errors.New("relay: invalid message")

	// ErrPayloadTooLarge 负载超过上限
	ErrPayloadTooLarge = errors.New("relay: payload too large")

	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("relay: session closed")
)
