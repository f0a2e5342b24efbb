// Package dht 实现 Kademlia 风格的分布式哈希表
//
// 路由表按 XOR 距离组织 K-桶，查询为 alpha 并发的迭代查找。
// 所有记录都带签名，接收时验证签名者，冲突按最后写入者胜解决。
package dht

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/storage/kv"
	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("discovery/dht")

// 持久化子前缀
var (
	prefixRecords  = []byte("v/")
	prefixSnapshot = []byte("r/")
)

// maxConcurrentProbes 后台存活探测并发上限
const maxConcurrentProbes = 16

// DHT 分布式哈希表
type DHT struct {
	cfg     Config
	signer  identity.Signer
	space   Space
	net     Network
	rt      *RoutingTable
	store   *RecordStore
	persist *kv.Store
	metrics *metrics.Metrics

	// advertise 本地公布地址（可为 nil）
	advertise func() netip.AddrPort

	limiters *lru.Cache[types.PeerID, *rate.Limiter]
	flight   singleflight.Group
	probeSem chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tasksMu sync.Mutex
	tasks   map[string]context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool
}

// Params DHT 构造参数
type Params struct {
	Config  Config
	Signer  identity.Signer
	Network Network

	// Persist DHT 命名空间（可为 nil，仅内存）
	Persist *kv.Store

	// Metrics 指标（可为 nil）
	Metrics *metrics.Metrics

	// Advertise 本地公布地址（可为 nil）
	Advertise func() netip.AddrPort
}

// New 创建 DHT
func New(p Params) (*DHT, error) {
	cfg := p.Config
	if cfg.Clock == nil {
		cfg.Clock = DefaultConfig().Clock
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p.Signer == nil || p.Network == nil {
		return nil, fmt.Errorf("dht: signer and network are required")
	}

	limiters, err := lru.New[types.PeerID, *rate.Limiter](4096)
	if err != nil {
		return nil, err
	}

	var recordKV *kv.Store
	if p.Persist != nil {
		recordKV = p.Persist.SubStore(prefixRecords)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DHT{
		cfg:       cfg,
		signer:    p.Signer,
		space:     Space{Bits: cfg.IDBits},
		net:       p.Network,
		store:     NewRecordStore(cfg, recordKV),
		persist:   p.Persist,
		metrics:   p.Metrics,
		advertise: p.Advertise,
		limiters:  limiters,
		probeSem:  make(chan struct{}, maxConcurrentProbes),
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]context.CancelFunc),
	}
	d.rt = NewRoutingTable(p.Signer.PeerID(), cfg, d)
	return d, nil
}

// RoutingTable 返回路由表
func (d *DHT) RoutingTable() *RoutingTable {
	return d.rt
}

// Records 返回本地记录存储
func (d *DHT) Records() *RecordStore {
	return d.store
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 加载持久化状态、引导并启动后台任务
//
// 引导失败不致命，刷新任务会持续重试。
func (d *DHT) Start(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}

	if n, err := d.store.Load(); err != nil {
		logger.Warn("加载持久化记录失败", "err", err)
	} else if n > 0 {
		logger.Info("已恢复持久化记录", "count", n)
	}
	if n := d.loadSnapshot(); n > 0 {
		logger.Info("已从快照恢复路由表", "peers", n)
	}

	if err := d.Bootstrap(ctx); err != nil {
		logger.Warn("DHT 引导失败，将在刷新时重试", "err", err)
	}

	d.spawn("refresh", d.cfg.RefreshInterval, d.refresh)
	d.spawn("cleanup", d.cfg.CleanupInterval, d.cleanup)
	if d.cfg.SnapshotInterval > 0 {
		d.spawn("snapshot", d.cfg.SnapshotInterval, func(context.Context) { d.saveSnapshot() })
	}
	return nil
}

// Stop 停止后台任务并保存路由表快照
func (d *DHT) Stop(_ context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()
	d.wg.Wait()
	if d.started.Load() {
		d.saveSnapshot()
	}
	return nil
}

// spawn 启动可单独取消的周期任务
func (d *DHT) spawn(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.tasksMu.Lock()
	d.tasks[name] = cancel
	d.tasksMu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := d.cfg.Clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// StopTask 单独取消一个后台任务
func (d *DHT) StopTask(name string) {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	if cancel, ok := d.tasks[name]; ok {
		cancel()
		delete(d.tasks, name)
	}
}

// ============================================================================
//                              引导与刷新
// ============================================================================

// Bootstrap 联系引导节点并查找自身以填充路由表
func (d *DHT) Bootstrap(ctx context.Context) error {
	if len(d.cfg.BootstrapPeers) == 0 && d.rt.Size() == 0 {
		return nil
	}
	ok := 0
	for _, addr := range d.cfg.BootstrapPeers {
		if _, err := d.PingAddr(ctx, addr); err != nil {
			logger.Debug("引导节点不可达", "addr", addr, "err", err)
			continue
		}
		ok++
	}
	if ok == 0 && d.rt.Size() == 0 {
		return ErrNoPeers
	}
	_, err := d.FindNode(ctx, d.signer.PeerID())
	logger.Info("DHT 引导完成", "bootstrap_ok", ok, "routing_peers", d.rt.Size())
	return err
}

// refresh 对久未触达的桶做随机查找
func (d *DHT) refresh(ctx context.Context) {
	if d.rt.Size() == 0 {
		if err := d.Bootstrap(ctx); err != nil {
			logger.Debug("重新引导失败", "err", err)
		}
		return
	}
	for _, idx := range d.rt.StaleBuckets(d.cfg.StaleBucketAge) {
		if ctx.Err() != nil {
			return
		}
		target := d.space.RandomIDInBucket(d.signer.PeerID(), idx)
		if _, err := d.FindNode(ctx, target); err != nil {
			logger.Debug("桶刷新查找失败", "bucket", idx, "err", err)
		}
		d.rt.Touch(target)
	}
}

// cleanup 清理过期记录
func (d *DHT) cleanup(context.Context) {
	if n := d.store.CleanupExpired(); n > 0 {
		logger.Debug("已清理过期记录", "count", n)
	}
	d.metrics.SetDHTSizes(d.store.Len(), d.rt.Size())
}

// ============================================================================
//                              公共操作
// ============================================================================

// Ping 实现 Pinger
func (d *DHT) Ping(ctx context.Context, c types.Contact) error {
	_, _, err := d.call(ctx, c, &Message{Type: MessageTypePing})
	return err
}

// PingAddr 向未知身份的地址发送 PING，返回对端联系方式
func (d *DHT) PingAddr(ctx context.Context, addr netip.AddrPort) (types.Contact, error) {
	_, c, err := d.call(ctx, types.Contact{Addr: addr}, &Message{Type: MessageTypePing})
	return c, err
}

// FindNode 迭代查找距 target 最近的 k 个存活节点
func (d *DHT) FindNode(ctx context.Context, target types.PeerID) ([]types.Contact, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()

	q := newLookup(d, target, MessageTypeFindNode, nil)
	if err := q.run(ctx); err != nil {
		return nil, opError("find_node", err)
	}
	res := q.closest()
	if len(res) == 0 {
		return nil, opError("find_node", ErrNoPeers)
	}
	return res, nil
}

// FindValue 查找记录，任一节点返回有效记录即结束
func (d *DHT) FindValue(ctx context.Context, key []byte) (*Record, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 || len(key) > MaxKeySize {
		return nil, ErrInvalidKey
	}
	if rec, ok := d.store.Get(key); ok {
		return rec, nil
	}

	v, err, _ := d.flight.Do(string(key), func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
		defer cancel()

		q := newLookup(d, KeyToID(key), MessageTypeFindValue, key)
		if err := q.run(ctx); err != nil {
			return nil, err
		}
		q.mu.Lock()
		rec := q.record
		q.mu.Unlock()
		if rec == nil {
			return nil, ErrNotFound
		}
		return rec, nil
	})
	if err != nil {
		return nil, opError("find_value", err)
	}
	return v.(*Record), nil
}

// Store 签名记录并推送到距键最近的 k 个节点
//
// TTL 被钳制到 [MinTTL, MaxTTL]。本地总会保存一份；
// 找到了节点但全部 STORE 失败时返回 ErrStoreFailed。
func (d *DHT) Store(ctx context.Context, key, value []byte, ttl time.Duration) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	ttl = ClampTTL(ttl, d.cfg.MinTTL, d.cfg.MaxTTL)
	rec, err := NewRecord(key, value, ttl, d.cfg.Clock.Now(), d.signer)
	if err != nil {
		return 0, err
	}
	if err := d.store.Put(rec); err != nil {
		return 0, opError("store", err)
	}

	peers, err := d.FindNode(ctx, KeyToID(key))
	if err != nil {
		// 没有任何节点时仅本地保存
		logger.Debug("STORE 未找到节点，仅本地保存", "err", err)
		return 0, nil
	}

	var (
		mu     sync.Mutex
		stored int
		wg     sync.WaitGroup
	)
	for _, p := range peers {
		wg.Add(1)
		go func(c types.Contact) {
			defer wg.Done()
			resp, _, err := d.call(ctx, c, &Message{Type: MessageTypeStore, Record: rec})
			if err != nil || resp.Error != "" {
				return
			}
			mu.Lock()
			stored++
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if stored == 0 {
		return 0, opError("store", ErrStoreFailed)
	}
	logger.Debug("STORE 完成", "replicas", stored, "ttl", ttl)
	return stored, nil
}

// Get 获取键对应的值
func (d *DHT) Get(ctx context.Context, key []byte) ([]byte, error) {
	rec, err := d.FindValue(ctx, key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// Put 写入键值
func (d *DHT) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	_, err := d.Store(ctx, key, value, ttl)
	return err
}
