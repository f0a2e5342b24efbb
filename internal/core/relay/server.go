package relay

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("core/relay")

// reservation 一个活跃预留
type reservation struct {
	peer    types.PeerID
	addr    netip.AddrPort
	expires time.Time
	bw      *bandwidth
}

// ServerStats 服务端统计
type ServerStats struct {
	Reservations int
	Forwarded    uint64
	Dropped      uint64
	Signals      uint64
}

// Server 中继服务端
type Server struct {
	cfg     ServerConfig
	signer  identity.Signer
	tr      Transport
	metrics *metrics.Metrics

	mu     sync.RWMutex
	byPeer map[types.PeerID]*reservation
	byAddr map[netip.AddrPort]types.PeerID

	signalLimiters *lru.Cache[types.PeerID, *rate.Limiter]

	enabled   atomic.Bool
	forwarded atomic.Uint64
	dropped   atomic.Uint64
	signals   atomic.Uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建中继服务端并注册控制与数据处理函数
//
// 创建后处于关闭状态，Start 之后才接受预留。
func NewServer(cfg ServerConfig, signer identity.Signer, tr Transport, m *metrics.Metrics) (*Server, error) {
	def := DefaultServerConfig()
	if cfg.MaxReservations <= 0 {
		cfg.MaxReservations = def.MaxReservations
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	if cfg.BandwidthPerPeer <= 0 {
		cfg.BandwidthPerPeer = def.BandwidthPerPeer
	}
	if cfg.SignalRate <= 0 {
		cfg.SignalRate = def.SignalRate
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	limiters, err := lru.New[types.PeerID, *rate.Limiter](4096)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:            cfg,
		signer:         signer,
		tr:             tr,
		metrics:        m,
		byPeer:         make(map[types.PeerID]*reservation),
		byAddr:         make(map[netip.AddrPort]types.PeerID),
		signalLimiters: limiters,
	}
	tr.Handle(udp.KindRelay, s.handleControl)
	tr.Handle(udp.KindRelayData, s.handleData)
	return s, nil
}

// Start 开始接受预留并启动过期清理
func (s *Server) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.enabled.Store(true)
	ticker := s.cfg.Clock.Ticker(s.cfg.SweepInterval)
	s.wg.Add(1)
	go s.sweepLoop(ctx, ticker)
	logger.Info("中继服务已启用", "maxReservations", s.cfg.MaxReservations)
}

// Stop 停止服务并清空所有预留
func (s *Server) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	s.enabled.Store(false)
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	n := len(s.byPeer)
	s.byPeer = make(map[types.PeerID]*reservation)
	s.byAddr = make(map[netip.AddrPort]types.PeerID)
	s.mu.Unlock()
	s.metrics.RelaySessionDelta(-n)
	logger.Info("中继服务已停止", "released", n)
}

// Enabled 是否正在提供中继服务
func (s *Server) Enabled() bool {
	return s.enabled.Load()
}

// Stats 返回统计快照
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	n := len(s.byPeer)
	s.mu.RUnlock()
	return ServerStats{
		Reservations: n,
		Forwarded:    s.forwarded.Load(),
		Dropped:      s.dropped.Load(),
		Signals:      s.signals.Load(),
	}
}

// ============================================================================
//                              控制消息
// ============================================================================

func (s *Server) handleControl(_ context.Context, from netip.AddrPort, raw []byte) ([]byte, error) {
	if !s.enabled.Load() {
		return s.reply(control{Type: MsgError, Reason: "relay disabled"})
	}
	msg, sender, err := openControl(raw)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case MsgReserve:
		return s.reply(s.reserve(sender, from))
	case MsgKeepalive:
		return s.reply(s.keepalive(sender, from))
	case MsgUnreserve:
		s.release(sender)
		return s.reply(control{Type: MsgOK})
	case MsgConnect:
		return s.reply(s.connect(sender, msg))
	default:
		return nil, ErrInvalidMessage
	}
}

func (s *Server) reply(m control) ([]byte, error) {
	return sealControl(m, s.signer)
}

func (s *Server) reserve(peer types.PeerID, addr netip.AddrPort) control {
	now := s.cfg.Clock.Now()
	expires := now.Add(s.cfg.ReservationTTL)

	s.mu.Lock()
	r, exists := s.byPeer[peer]
	if !exists {
		if len(s.byPeer) >= s.cfg.MaxReservations {
			s.mu.Unlock()
			logger.Debug("中继槽位已满", "peer", peer.ShortString())
			return control{Type: MsgError, Reason: "no reservation slots"}
		}
		r = &reservation{peer: peer, bw: newBandwidth(s.cfg.BandwidthPerPeer, s.cfg.BurstPerPeer)}
		s.byPeer[peer] = r
	}
	s.rebind(r, addr)
	r.expires = expires
	s.mu.Unlock()

	if !exists {
		s.metrics.RelaySessionDelta(1)
		logger.Info("接受中继预留", "peer", peer.ShortString(), "addr", addr)
	}
	return control{Type: MsgOK, ExpiresMs: expires.UnixMilli()}
}

func (s *Server) keepalive(peer types.PeerID, addr netip.AddrPort) control {
	expires := s.cfg.Clock.Now().Add(s.cfg.ReservationTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byPeer[peer]
	if !ok {
		return control{Type: MsgError, Reason: "no reservation"}
	}
	// NAT 重新映射后地址可能变化
	s.rebind(r, addr)
	r.expires = expires
	return control{Type: MsgOK, ExpiresMs: expires.UnixMilli()}
}

// rebind 更新预留地址，调用方持有 s.mu
func (s *Server) rebind(r *reservation, addr netip.AddrPort) {
	if r.addr == addr {
		return
	}
	if r.addr.IsValid() {
		delete(s.byAddr, r.addr)
	}
	// 同一地址被其它节点占用时，后来者覆盖
	if prev, ok := s.byAddr[addr]; ok && prev != r.peer {
		delete(s.byPeer, prev)
		s.metrics.RelaySessionDelta(-1)
	}
	r.addr = addr
	s.byAddr[addr] = r.peer
}

func (s *Server) release(peer types.PeerID) {
	s.mu.Lock()
	r, ok := s.byPeer[peer]
	if ok {
		delete(s.byPeer, peer)
		delete(s.byAddr, r.addr)
	}
	s.mu.Unlock()
	if ok {
		s.metrics.RelaySessionDelta(-1)
		logger.Debug("释放中继预留", "peer", peer.ShortString())
	}
}

// connect 向已预留的目标转发一条协调消息
//
// 发送方无需预留，按发送方限频。
func (s *Server) connect(sender types.PeerID, msg control) control {
	if len(msg.Payload) > maxControlSize/2 {
		return control{Type: MsgError, Reason: "payload too large"}
	}
	if !s.signalLimiter(sender).AllowN(s.cfg.Clock.Now(), 1) {
		return control{Type: MsgError, Reason: "rate limited"}
	}
	target, ok := s.lookup(msg.Target)
	if !ok {
		return control{Type: MsgError, Reason: "target not reserved"}
	}
	if err := s.tr.Send(target.addr, udp.KindRelayDeliver, encodeData(sender, msg.Payload)); err != nil {
		return control{Type: MsgError, Reason: "forward failed"}
	}
	s.signals.Add(1)
	return control{Type: MsgOK}
}

func (s *Server) signalLimiter(id types.PeerID) *rate.Limiter {
	if l, ok := s.signalLimiters.Get(id); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.SignalRate), int(s.cfg.SignalRate)+1)
	s.signalLimiters.Add(id, l)
	return l
}

// ============================================================================
//                              数据转发
// ============================================================================

// handleData 转发数据帧：来源必须是已预留地址，目标必须已预留
func (s *Server) handleData(_ context.Context, from netip.AddrPort, b []byte) ([]byte, error) {
	if !s.enabled.Load() {
		return nil, nil
	}
	dst, payload, err := decodeData(b)
	if err != nil {
		s.dropped.Add(1)
		return nil, nil
	}
	now := s.cfg.Clock.Now()

	s.mu.RLock()
	src, ok := s.byAddr[from]
	var srcRes *reservation
	if ok {
		srcRes = s.byPeer[src]
	}
	s.mu.RUnlock()
	if srcRes == nil || now.After(srcRes.expires) {
		s.dropped.Add(1)
		return nil, nil
	}
	target, ok := s.lookup(dst)
	if !ok || target.peer == src {
		s.dropped.Add(1)
		return nil, nil
	}
	if !srcRes.bw.allow(now, len(payload)) {
		s.dropped.Add(1)
		logger.Debug("中继带宽超限", "peer", src.ShortString(), "bytes", len(payload))
		return nil, nil
	}
	if err := s.tr.Send(target.addr, udp.KindRelayDeliver, encodeData(src, payload)); err != nil {
		s.dropped.Add(1)
		return nil, nil
	}
	s.forwarded.Add(1)
	return nil, nil
}

// lookup 返回未过期的预留副本
func (s *Server) lookup(peer types.PeerID) (reservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byPeer[peer]
	if !ok || s.cfg.Clock.Now().After(r.expires) {
		return reservation{}, false
	}
	return *r, true
}

// ============================================================================
//                              过期清理
// ============================================================================

func (s *Server) sweepLoop(ctx context.Context, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep 删除过期预留，返回删除数
func (s *Server) sweep() int {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	n := 0
	for id, r := range s.byPeer {
		if now.After(r.expires) {
			delete(s.byPeer, id)
			delete(s.byAddr, r.addr)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.metrics.RelaySessionDelta(-n)
		logger.Debug("清理过期中继预留", "count", n)
	}
	return n
}
