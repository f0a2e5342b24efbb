// Package holepunch 实现 UDP 打洞与路径保活
//
// 双方同时向对方的候选地址发送签名探测，各自在 NAT 上打开映射；
// 任一探测得到对端签名的确认即认为路径建立。之后由 Keepalive
// 周期发送保活包维持 NAT 映射。
package holepunch

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("nat/holepunch")

// Transport 打洞使用的传输能力，由 udp.Transport 实现
type Transport interface {
	Request(ctx context.Context, addr netip.AddrPort, kind udp.Kind, payload []byte) ([]byte, error)
	Send(addr netip.AddrPort, kind udp.Kind, payload []byte) error
	Handle(kind udp.Kind, h udp.Handler)
	LocalAddr() netip.AddrPort
}

// PathFunc 路径建立回调（主动打洞成功或收到有效探测时调用）
type PathFunc func(peer types.PeerID, addr netip.AddrPort)

// Puncher 打洞器
type Puncher struct {
	cfg    Config
	signer identity.Signer
	tr     Transport

	mu     sync.RWMutex
	onPath PathFunc
}

// NewPuncher 创建打洞器并注册探测处理函数
func NewPuncher(cfg Config, signer identity.Signer, tr Transport) *Puncher {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	p := &Puncher{cfg: cfg, signer: signer, tr: tr}
	tr.Handle(udp.KindPunch, p.HandleProbe)
	return p
}

// OnPath 设置路径建立回调
func (p *Puncher) OnPath(fn PathFunc) {
	p.mu.Lock()
	p.onPath = fn
	p.mu.Unlock()
}

func (p *Puncher) notify(peer types.PeerID, addr netip.AddrPort) {
	p.mu.RLock()
	fn := p.onPath
	p.mu.RUnlock()
	if fn != nil {
		fn(peer, addr)
	}
}

// ============================================================================
//                              主动打洞
// ============================================================================

// Punch 向 peer 的候选地址打洞，返回第一个得到确认的地址
//
// 每个候选地址每 ProbeInterval 发出一个探测，直到成功或 Timeout。
func (p *Puncher) Punch(ctx context.Context, peer types.PeerID, candidates []netip.AddrPort) (netip.AddrPort, error) {
	candidates = dedupe(candidates, p.cfg.MaxCandidates)
	if len(candidates) == 0 {
		return netip.AddrPort{}, ErrNoCandidates
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	won := make(chan netip.AddrPort, 1)
	var wg sync.WaitGroup
	for _, addr := range candidates {
		wg.Add(1)
		go func(addr netip.AddrPort) {
			defer wg.Done()
			p.probeLoop(ctx, peer, addr, won)
		}(addr)
	}

	var (
		addr netip.AddrPort
		err  error
	)
	select {
	case addr = <-won:
	case <-ctx.Done():
		err = ErrPunchFailed
	}
	cancel()
	wg.Wait()

	if err != nil {
		logger.Debug("打洞失败", "peer", peer.ShortString(), "candidates", len(candidates))
		return netip.AddrPort{}, err
	}
	logger.Info("打洞成功", "peer", peer.ShortString(), "addr", addr, "elapsed", time.Since(start))
	p.notify(peer, addr)
	return addr, nil
}

// probeLoop 按间隔向一个地址发探测；每个探测独立等待确认
func (p *Puncher) probeLoop(ctx context.Context, peer types.PeerID, addr netip.AddrPort, won chan<- netip.AddrPort) {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.probeOnce(ctx, peer, addr) {
				select {
				case won <- addr:
				default:
				}
			}
		}()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Puncher) probeOnce(ctx context.Context, peer types.PeerID, addr netip.AddrPort) bool {
	nonce := newNonce()
	wire, err := sealProbe(probe{Nonce: nonce, Target: peer}, p.signer)
	if err != nil {
		return false
	}
	rctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	raw, err := p.tr.Request(rctx, addr, udp.KindPunch, wire)
	if err != nil {
		return false
	}
	ack, sender, err := openProbe(raw)
	if err != nil {
		return false
	}
	return ack.Ack && sender == peer && ack.Nonce == nonce && ack.Target == p.signer.PeerID()
}

// ============================================================================
//                              被动应答
// ============================================================================

// HandleProbe 处理入站探测：验证后回复签名确认并登记路径
//
// 回复本身就是从本端 NAT 映射发往对端的包，完成对端方向的打洞。
func (p *Puncher) HandleProbe(_ context.Context, from netip.AddrPort, raw []byte) ([]byte, error) {
	msg, sender, err := openProbe(raw)
	if err != nil || msg.Ack {
		return nil, ErrInvalidProbe
	}
	local := p.signer.PeerID()
	if msg.Target != local || sender == local {
		return nil, ErrInvalidProbe
	}
	resp, err := sealProbe(probe{Nonce: msg.Nonce, Target: sender, Ack: true}, p.signer)
	if err != nil {
		return nil, err
	}
	p.notify(sender, from)
	return resp, nil
}

// Prime 向候选地址发送单向探测，在本端 NAT 上预先打开映射
//
// 用于收到对端的打洞协调消息后，与对端的 Punch 同时进行。
func (p *Puncher) Prime(peer types.PeerID, candidates []netip.AddrPort) {
	for _, addr := range dedupe(candidates, p.cfg.MaxCandidates) {
		wire, err := sealProbe(probe{Nonce: newNonce(), Target: peer}, p.signer)
		if err != nil {
			return
		}
		if err := p.tr.Send(addr, udp.KindPunch, wire); err != nil {
			logger.Debug("发送预打洞探测失败", "addr", addr, "err", err)
		}
	}
}

func dedupe(in []netip.AddrPort, max int) []netip.AddrPort {
	seen := make(map[netip.AddrPort]struct{}, len(in))
	out := make([]netip.AddrPort, 0, len(in))
	for _, a := range in {
		if !a.IsValid() {
			continue
		}
		a = netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
		if len(out) == max {
			break
		}
	}
	return out
}
