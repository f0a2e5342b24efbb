package holepunch

import (
	"context"
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

// keepalivePayload 保活包内容，对端原样回显
var keepalivePayload = []byte{0x6b}

// LostFunc 路径丢失回调
type LostFunc func(peer types.PeerID, addr netip.AddrPort)

type kaEntry struct {
	addr     netip.AddrPort
	failures int
}

// Keepalive 维持打洞路径的 NAT 映射
//
// 每个 Interval 向所有登记的路径发保活请求；连续 MaxFailures 次
// 无响应即移除路径并回调 onLost。循环可单独启动与停止。
type Keepalive struct {
	cfg    KeepaliveConfig
	tr     Transport
	onLost LostFunc

	mu    sync.Mutex
	peers map[types.PeerID]*kaEntry

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKeepalive 创建保活器并注册保活回显处理函数
func NewKeepalive(cfg KeepaliveConfig, tr Transport, onLost LostFunc) *Keepalive {
	def := DefaultKeepaliveConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	k := &Keepalive{
		cfg:    cfg,
		tr:     tr,
		onLost: onLost,
		peers:  make(map[types.PeerID]*kaEntry),
	}
	tr.Handle(udp.KindKeepalive, func(_ context.Context, _ netip.AddrPort, payload []byte) ([]byte, error) {
		return payload, nil
	})
	return k
}

// Add 登记路径（已存在时更新地址）
func (k *Keepalive) Add(peer types.PeerID, addr netip.AddrPort) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.peers[peer] = &kaEntry{addr: addr}
}

// Remove 移除路径
func (k *Keepalive) Remove(peer types.PeerID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.peers, peer)
}

// Len 返回登记的路径数
func (k *Keepalive) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.peers)
}

// Start 启动保活循环
func (k *Keepalive) Start() {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	if k.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.wg.Add(1)
	go k.loop(ctx)
}

// Stop 停止保活循环，不影响进行中的其它 RPC
func (k *Keepalive) Stop() {
	k.runMu.Lock()
	cancel := k.cancel
	k.cancel = nil
	k.runMu.Unlock()
	if cancel != nil {
		cancel()
		k.wg.Wait()
	}
}

func (k *Keepalive) loop(ctx context.Context) {
	defer k.wg.Done()
	ticker := k.cfg.Clock.Ticker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.tick(ctx)
		}
	}
}

// tick 并发发送一轮保活
func (k *Keepalive) tick(ctx context.Context) {
	k.mu.Lock()
	targets := make(map[types.PeerID]netip.AddrPort, len(k.peers))
	for id, e := range k.peers {
		targets[id] = e.addr
	}
	k.mu.Unlock()

	var wg sync.WaitGroup
	for id, addr := range targets {
		wg.Add(1)
		go func(id types.PeerID, addr netip.AddrPort) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
			_, err := k.tr.Request(rctx, addr, udp.KindKeepalive, keepalivePayload)
			cancel()
			if ctx.Err() != nil {
				return
			}
			k.result(id, addr, err == nil)
		}(id, addr)
	}
	wg.Wait()
}

func (k *Keepalive) result(id types.PeerID, addr netip.AddrPort, ok bool) {
	k.mu.Lock()
	e, exists := k.peers[id]
	if !exists || e.addr != addr {
		k.mu.Unlock()
		return
	}
	if ok {
		e.failures = 0
		k.mu.Unlock()
		return
	}
	e.failures++
	lost := e.failures >= k.cfg.MaxFailures
	if lost {
		delete(k.peers, id)
	}
	k.mu.Unlock()

	if lost {
		logger.Info("打洞路径丢失", "peer", id.ShortString(), "addr", addr)
		if k.onLost != nil {
			k.onLost(id, addr)
		}
	}
}
