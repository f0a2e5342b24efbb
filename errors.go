package mesh

import "errors"

// 公共错误定义
var (
	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("mesh: node not started")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("mesh: node already started")

	// ErrNodeClosed 节点已停止，组件不可重新启动
	ErrNodeClosed = errors.New("mesh: node closed")
)
