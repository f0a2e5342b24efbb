package reputation

import "errors"

var (
	// ErrInvalidEvent 事件缺少节点或类型
	ErrInvalidEvent = errors.New("reputation: invalid event")

	// ErrClosed 存储已关闭
	ErrClosed = errors.New("reputation: store closed")
)
