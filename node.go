package mesh

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/slskdn/go-mesh/config"
	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/nat"
	"github.com/slskdn/go-mesh/internal/core/reputation"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/internal/discovery/dht"
	meshsync "github.com/slskdn/go-mesh/internal/protocol/sync"
	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("mesh")

// Node 覆盖网络节点
//
// Node 是外部协作方与覆盖网络交互的唯一入口，聚合所有内部组件。
// 组件由 Fx 构造并注入；Stop 之后组件已释放，节点不能再次启动。
type Node struct {
	cfg *config.Config
	app *fx.App

	// ────────────────────────────────────────────────────────────────────────
	// 核心组件（由 Fx 注入）
	// ────────────────────────────────────────────────────────────────────────

	identity   *identity.Service
	transport  *udp.Transport
	dht        *dht.DHT
	nat        *nat.Service
	reputation *reputation.Store
	syncSvc    *meshsync.Service
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	state NodeState
}

// ════════════════════════════════════════════════════════════════════════════
//                              构造函数
// ════════════════════════════════════════════════════════════════════════════

// New 创建节点
//
// 身份在构造阶段加载，UDP socket 在构造阶段绑定；后台任务在 Start 后运行。
func New(_ context.Context, opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("mesh: apply option: %w", err)
		}
	}
	cfg, err := o.resolve()
	if err != nil {
		return nil, err
	}

	node := &Node{cfg: cfg, state: StateIdle}
	node.app, err = buildFxApp(cfg, o, node)
	if err != nil {
		return nil, fmt.Errorf("mesh: build fx app: %w", err)
	}
	return node, nil
}

// Start 快捷启动函数，等价于 New + Start
func Start(ctx context.Context, opts ...Option) (*Node, error) {
	node, err := New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	return node, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              生命周期
// ════════════════════════════════════════════════════════════════════════════

// Start 启动节点
//
// 依次启动 DHT 引导、NAT 探测、信誉与同步后台任务。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateRunning, StateStarting:
		return ErrAlreadyStarted
	case StateStopping, StateStopped:
		return ErrNodeClosed
	}

	n.state = StateStarting
	logger.Info("正在启动节点", "peer", n.identity.PeerID().ShortString())

	if err := n.app.Start(ctx); err != nil {
		n.state = StateStopped
		logger.Error("节点启动失败", "err", err)
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = n.app.Stop(stopCtx)
		return fmt.Errorf("mesh: start: %w", err)
	}

	n.state = StateRunning
	logger.Info("节点启动成功",
		"peer", n.identity.PeerID().ShortString(),
		"addr", n.transport.LocalAddr(),
		"nat", n.nat.Reachability().NATType().String(),
		"routing_peers", n.dht.RoutingTable().Size())
	return nil
}

// Stop 停止节点并释放所有资源
//
// 按启动的反向顺序停止：同步、信誉、NAT、DHT、传输、存储。
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateIdle:
		return ErrNotStarted
	case StateStopping, StateStopped:
		return nil
	}

	n.state = StateStopping
	logger.Info("正在停止节点")
	err := n.app.Stop(ctx)
	n.state = StateStopped
	if err != nil {
		logger.Error("停止节点失败", "err", err)
		return fmt.Errorf("mesh: stop: %w", err)
	}
	logger.Info("节点已停止")
	return nil
}

// State 返回节点状态
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) running() error {
	switch n.State() {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrNodeClosed
	default:
		return ErrNotStarted
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              基本信息
// ════════════════════════════════════════════════════════════════════════════

// ID 返回节点 PeerID
func (n *Node) ID() types.PeerID {
	return n.identity.PeerID()
}

// Config 返回节点配置副本
func (n *Node) Config() *config.Config {
	return n.cfg.Clone()
}

// LocalAddr 返回本地监听地址
func (n *Node) LocalAddr() netip.AddrPort {
	return n.transport.LocalAddr()
}

// AdvertiseAddr 返回对外公布的地址（映射或 STUN 发现的外部地址）
func (n *Node) AdvertiseAddr() netip.AddrPort {
	return n.nat.AdvertiseAddr()
}

// NATType 返回本节点的 NAT 分类
func (n *Node) NATType() types.NATType {
	return n.nat.Reachability().NATType()
}

// RoutingPeers 返回路由表中的节点数
func (n *Node) RoutingPeers() int {
	return n.dht.RoutingTable().Size()
}

// MetricsHandler 返回 Prometheus 指标的 HTTP 处理器
func (n *Node) MetricsHandler() http.Handler {
	return n.metrics.Handler()
}

// ════════════════════════════════════════════════════════════════════════════
//                              对外接口
// ════════════════════════════════════════════════════════════════════════════

// Get 从 DHT 获取键对应的值
//
// 只有所有候选节点都无法提供时才返回错误。
func (n *Node) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := n.running(); err != nil {
		return nil, err
	}
	return n.dht.Get(ctx, key)
}

// Put 向 DHT 写入签名记录，TTL 钳制到配置范围
func (n *Node) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if err := n.running(); err != nil {
		return err
	}
	return n.dht.Put(ctx, key, value, ttl)
}

// IsPeerBanned 节点信誉分不高于封禁线时为真
func (n *Node) IsPeerBanned(id types.PeerID) bool {
	return n.reputation.IsBanned(id)
}

// PeerScore 返回节点当前信誉分
func (n *Node) PeerScore(id types.PeerID) float64 {
	return n.reputation.GetScore(id)
}

// GetSyncStats 返回同步管道计数快照
func (n *Node) GetSyncStats() SyncStats {
	return n.syncSvc.Stats()
}

// ════════════════════════════════════════════════════════════════════════════
//                              同步
// ════════════════════════════════════════════════════════════════════════════

// SyncedEntry 返回已合并的同步条目
func (n *Node) SyncedEntry(key string) (SyncEntry, bool) {
	rec, err := n.syncSvc.Get(key)
	if err != nil {
		return SyncEntry{}, false
	}
	return rec, true
}

// SetEntry 写入本地同步条目，时间戳单调递增
func (n *Node) SetEntry(key string, value []byte) (SyncEntry, error) {
	return n.syncSvc.Set(key, value)
}

// PushEntries 把本地条目推送给 peer，keys 为空时推送全部
func (n *Node) PushEntries(ctx context.Context, peer types.PeerID, keys ...string) (int, error) {
	if err := n.running(); err != nil {
		return 0, err
	}
	return n.syncSvc.Push(ctx, peer, keys...)
}

// HandleSyncMessage 处理从其他通道收到的同步消息
//
// 协议违规与资源超限在管道内处理，结果只用于观测。
func (n *Node) HandleSyncMessage(ctx context.Context, from types.PeerID, raw []byte) SyncResult {
	return n.syncSvc.HandleMessage(ctx, from, raw)
}

// ════════════════════════════════════════════════════════════════════════════
//                              连接
// ════════════════════════════════════════════════════════════════════════════

// Connect 按 直连 → 打洞 → 中继 建立到 peer 的路径，返回路径类型
func (n *Node) Connect(ctx context.Context, peer types.PeerID) (types.PathKind, error) {
	if err := n.running(); err != nil {
		return 0, err
	}
	p, err := n.nat.Connect(ctx, peer)
	if err != nil {
		return 0, err
	}
	return p.Kind, nil
}
