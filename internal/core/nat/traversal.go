package nat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/nat/holepunch"
	"github.com/slskdn/go-mesh/internal/core/relay"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("core/nat")

// Transport 穿透使用的传输能力，由 udp.Transport 实现
type Transport interface {
	Request(ctx context.Context, addr netip.AddrPort, kind udp.Kind, payload []byte) ([]byte, error)
	Send(addr netip.AddrPort, kind udp.Kind, payload []byte) error
	Handle(kind udp.Kind, h udp.Handler)
	LocalAddr() netip.AddrPort
}

// DataFunc 收到对端应用数据时调用
type DataFunc func(peer types.PeerID, kind types.PathKind, payload []byte)

// punchSync 经中继发送的打洞协调消息
type punchSync struct {
	Addrs []netip.AddrPort `json:"addrs"`
}

// Traversal 按 直连 → 打洞 → 中继 的顺序建立到对端的路径
type Traversal struct {
	cfg     Config
	signer  identity.Signer
	tr      Transport
	dir     Directory
	reach   *Reachability
	metrics *metrics.Metrics

	puncher   *holepunch.Puncher
	keepalive *holepunch.Keepalive
	relays    *relay.Client

	paths  *pathTable
	flight singleflight.Group

	sessMu   sync.Mutex
	sessions []*relay.Session

	dataMu sync.RWMutex
	onData DataFunc

	// 后台打洞（响应协调消息）
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewTraversal 创建穿透器并注册数据、打洞、保活与中继投递处理函数
func NewTraversal(cfg Config, signer identity.Signer, tr Transport, dir Directory, reach *Reachability, m *metrics.Metrics) *Traversal {
	cfg.fill()
	if cfg.Keepalive.Clock == nil {
		cfg.Keepalive.Clock = cfg.Clock
	}
	if cfg.RelayClient.Clock == nil {
		cfg.RelayClient.Clock = cfg.Clock
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Traversal{
		cfg:      cfg,
		signer:   signer,
		tr:       tr,
		dir:      dir,
		reach:    reach,
		metrics:  m,
		paths:    newPathTable(),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	t.puncher = holepunch.NewPuncher(cfg.Punch, signer, tr)
	t.puncher.OnPath(t.onPunched)
	t.keepalive = holepunch.NewKeepalive(cfg.Keepalive, tr, t.onLost)
	t.relays = relay.NewClient(cfg.RelayClient, signer, tr)
	t.relays.OnData(t.onRelayed)
	tr.Handle(udp.KindData, t.handleData)
	return t
}

// OnData 设置应用数据回调
func (t *Traversal) OnData(fn DataFunc) {
	t.dataMu.Lock()
	t.onData = fn
	t.dataMu.Unlock()
}

// Path 返回到 peer 的现有路径
func (t *Traversal) Path(peer types.PeerID) (*Path, bool) {
	return t.paths.get(peer)
}

// Paths 返回路径数
func (t *Traversal) Paths() int {
	return t.paths.len()
}

// Start 启动保活
func (t *Traversal) Start() {
	t.keepalive.Start()
}

// Stop 停止保活、后台打洞并关闭所有中继会话
func (t *Traversal) Stop() {
	t.keepalive.Stop()
	t.bgCancel()
	t.bgWG.Wait()

	t.sessMu.Lock()
	sessions := t.sessions
	t.sessions = nil
	t.sessMu.Unlock()
	for _, s := range sessions {
		t.paths.removeSession(s)
		_ = s.Close()
	}
}

// ============================================================================
//                              Connect
// ============================================================================

// Connect 建立到 peer 的路径
//
// 已有路径时直接返回。同一对端的并发调用共享一次穿透过程。
// 只有三个阶段全部失败才返回错误（ErrTraversalFailed）。
func (t *Traversal) Connect(ctx context.Context, peer types.PeerID) (*Path, error) {
	if peer == t.signer.PeerID() {
		return nil, ErrSelf
	}
	if p, ok := t.paths.get(peer); ok {
		return p, nil
	}
	v, err, _ := t.flight.Do(peer.String(), func() (any, error) {
		return t.connect(ctx, peer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Path), nil
}

func (t *Traversal) connect(ctx context.Context, peer types.PeerID) (*Path, error) {
	rv, err := Resolve(ctx, t.dir, peer)
	if err != nil {
		t.metrics.NATConnect("none", "no_rendezvous")
		logger.Debug("无法解析会合记录", "peer", peer.ShortString(), "err", err)
		return nil, fmt.Errorf("%w: %v", ErrTraversalFailed, err)
	}

	if p, err := t.direct(ctx, peer, rv); err == nil {
		t.metrics.NATConnect(p.Kind.String(), "ok")
		return p, nil
	}
	t.metrics.NATConnect(types.PathDirect.String(), "fail")

	if t.punchable(rv) {
		if p, err := t.punch(ctx, peer, rv); err == nil {
			t.metrics.NATConnect(p.Kind.String(), "ok")
			return p, nil
		}
		t.metrics.NATConnect(types.PathHolePunched.String(), "fail")
	} else {
		t.metrics.NATConnect(types.PathHolePunched.String(), "skipped")
	}

	if p, err := t.relayed(ctx, peer, rv); err == nil {
		t.metrics.NATConnect(p.Kind.String(), "ok")
		return p, nil
	}
	t.metrics.NATConnect(types.PathRelayed.String(), "fail")

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraversalFailed, ctx.Err())
	}
	logger.Info("所有穿透方式均失败", "peer", peer.ShortString(), "natType", rv.NATType.String())
	return nil, ErrTraversalFailed
}

// direct 并发 PING 会合记录中的地址，第一个由 peer 签名的响应胜出
func (t *Traversal) direct(ctx context.Context, peer types.PeerID, rv *Rendezvous) (*Path, error) {
	if len(rv.Addrs) == 0 {
		return nil, ErrNoPath
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DirectTimeout)
	defer cancel()

	won := make(chan netip.AddrPort, len(rv.Addrs))
	var wg sync.WaitGroup
	for _, addr := range rv.Addrs {
		wg.Add(1)
		go func(addr netip.AddrPort) {
			defer wg.Done()
			c, err := t.dir.PingAddr(ctx, addr)
			if err != nil || c.ID != peer {
				return
			}
			won <- addr
		}(addr)
	}
	go func() {
		wg.Wait()
		close(won)
	}()

	addr, ok := <-won
	if !ok {
		return nil, ErrNoPath
	}
	cancel()
	p, _ := t.register(&Path{Peer: peer, Kind: types.PathDirect, Addr: addr, tr: t.tr})
	// 签名探测让对端登记反向路径，之后才会接受本端的数据
	t.puncher.Prime(peer, []netip.AddrPort{addr})
	logger.Info("直连成功", "peer", peer.ShortString(), "addr", addr)
	return p, nil
}

// punchable 双方都是对称型 NAT 时打洞必然失败
func (t *Traversal) punchable(rv *Rendezvous) bool {
	if len(rv.Addrs) == 0 {
		return false
	}
	return !(t.reach.NATType() == types.NATTypeSymmetric && rv.NATType == types.NATTypeSymmetric)
}

// punch 经对端中继发送协调消息后打洞
func (t *Traversal) punch(ctx context.Context, peer types.PeerID, rv *Rendezvous) (*Path, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PunchTimeout)
	defer cancel()

	if body, err := json.Marshal(punchSync{Addrs: t.reach.Candidates()}); err == nil {
		for _, r := range rv.Relays {
			if err := t.relays.Signal(ctx, r, peer, inner(innerPunchSync, body)); err != nil {
				logger.Debug("发送打洞协调失败", "relay", r.Addr, "err", err)
				continue
			}
			break
		}
	}

	if _, err := t.puncher.Punch(ctx, peer, rv.Addrs); err != nil {
		return nil, err
	}
	// Punch 成功时 onPunched 已登记路径
	p, ok := t.paths.get(peer)
	if !ok {
		return nil, ErrNoPath
	}
	return p, nil
}

// relayed 在对端所在中继预留
func (t *Traversal) relayed(ctx context.Context, peer types.PeerID, rv *Rendezvous) (*Path, error) {
	if len(rv.Relays) == 0 {
		return nil, relay.ErrNoRelay
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RelayTimeout)
	defer cancel()

	s, err := t.session(ctx, rv.Relays)
	if err != nil {
		return nil, err
	}
	r := s.Relay()
	p, _ := t.register(&Path{Peer: peer, Kind: types.PathRelayed, Addr: r.Addr, tr: t.tr, session: s})
	logger.Info("经中继连接", "peer", peer.ShortString(), "relay", r.Addr)
	return p, nil
}

// ============================================================================
//                              中继会话
// ============================================================================

// session 复用已在候选中继上的会话，否则新建预留
func (t *Traversal) session(ctx context.Context, candidates []relay.Candidate) (*relay.Session, error) {
	if s := t.findSession(candidates); s != nil {
		return s, nil
	}
	s, err := t.relays.Reserve(ctx, candidates...)
	if err != nil {
		return nil, err
	}
	t.sessMu.Lock()
	t.sessions = append(t.sessions, s)
	t.sessMu.Unlock()
	return s, nil
}

func (t *Traversal) findSession(candidates []relay.Candidate) *relay.Session {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	for _, s := range t.sessions {
		cur := s.Relay()
		for _, c := range candidates {
			if c.Addr == cur.Addr {
				return s
			}
		}
	}
	return nil
}

func (t *Traversal) sessionAt(addr netip.AddrPort) *relay.Session {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	for _, s := range t.sessions {
		if s.Relay().Addr == addr {
			return s
		}
	}
	return nil
}

// Reserve 为本节点在候选中继上预留，供对端经中继联系本节点
func (t *Traversal) Reserve(ctx context.Context, candidates []relay.Candidate) (*relay.Session, error) {
	return t.session(ctx, candidates)
}

// ============================================================================
//                              路径事件
// ============================================================================

// register 登记路径，UDP 直达路径加入保活
func (t *Traversal) register(p *Path) (*Path, bool) {
	eff, added := t.paths.put(p)
	if added && p.Kind != types.PathRelayed {
		t.keepalive.Add(p.Peer, p.Addr)
	}
	return eff, added
}

func (t *Traversal) onPunched(peer types.PeerID, addr netip.AddrPort) {
	if _, added := t.register(&Path{Peer: peer, Kind: types.PathHolePunched, Addr: addr, tr: t.tr}); added {
		logger.Debug("登记打洞路径", "peer", peer.ShortString(), "addr", addr)
	}
}

func (t *Traversal) onLost(peer types.PeerID, addr netip.AddrPort) {
	if t.paths.remove(peer, addr) {
		logger.Info("路径失效", "peer", peer.ShortString(), "addr", addr)
	}
}

// handleData 只接受来自已建立直达路径地址的数据
func (t *Traversal) handleData(_ context.Context, from netip.AddrPort, payload []byte) ([]byte, error) {
	peer, ok := t.paths.peerAt(from)
	if !ok {
		return nil, nil
	}
	p, ok := t.paths.get(peer)
	if !ok {
		return nil, nil
	}
	t.deliver(peer, p.Kind, payload)
	return nil, nil
}

// onRelayed 处理经中继投递的负载
func (t *Traversal) onRelayed(src types.PeerID, relayAddr netip.AddrPort, b []byte) {
	if len(b) == 0 {
		return
	}
	switch b[0] {
	case innerPunchSync:
		var msg punchSync
		if err := json.Unmarshal(b[1:], &msg); err != nil || len(msg.Addrs) == 0 {
			return
		}
		t.answerPunch(src, msg.Addrs)
	case innerData:
		// 对端经本节点所在中继发来数据时，建立反向中继路径
		if s := t.sessionAt(relayAddr); s != nil {
			t.register(&Path{Peer: src, Kind: types.PathRelayed, Addr: relayAddr, tr: t.tr, session: s})
		}
		t.deliver(src, types.PathRelayed, b[1:])
	}
}

// answerPunch 收到协调消息后同时向对端打洞
func (t *Traversal) answerPunch(peer types.PeerID, addrs []netip.AddrPort) {
	if p, ok := t.paths.get(peer); ok && p.Kind != types.PathRelayed {
		return
	}
	logger.Debug("收到打洞协调", "peer", peer.ShortString(), "candidates", len(addrs))
	t.puncher.Prime(peer, addrs)
	if t.bgCtx.Err() != nil {
		return
	}

	t.bgWG.Add(1)
	go func() {
		defer t.bgWG.Done()
		ctx, cancel := context.WithTimeout(t.bgCtx, t.cfg.PunchTimeout)
		defer cancel()
		if _, err := t.puncher.Punch(ctx, peer, addrs); err != nil {
			logger.Debug("响应打洞失败", "peer", peer.ShortString(), "err", err)
		}
	}()
}

func (t *Traversal) deliver(peer types.PeerID, kind types.PathKind, payload []byte) {
	t.dataMu.RLock()
	fn := t.onData
	t.dataMu.RUnlock()
	if fn != nil {
		fn(peer, kind, payload)
	}
}
