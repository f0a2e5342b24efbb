package mesh

import (
	meshsync "github.com/slskdn/go-mesh/internal/protocol/sync"
)

// ════════════════════════════════════════════════════════════════════════════
//                              节点状态
// ════════════════════════════════════════════════════════════════════════════

// NodeState 节点状态
type NodeState int

const (
	// StateIdle 已创建，未启动
	StateIdle NodeState = iota

	// StateStarting 启动中（Fx App 启动中）
	StateStarting

	// StateRunning 运行中
	StateRunning

	// StateStopping 停止中
	StateStopping

	// StateStopped 已停止
	StateStopped
)

// String 返回状态的字符串表示
func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              同步类型
// ════════════════════════════════════════════════════════════════════════════

// SyncStats 同步管道计数快照
type SyncStats = meshsync.Stats

// SyncEntry 已合并的同步条目及其来源
type SyncEntry = meshsync.Record

// SyncResult 单条同步消息的处理结果
type SyncResult = meshsync.Result

// SyncOutcome 同步消息终态
type SyncOutcome = meshsync.Outcome
