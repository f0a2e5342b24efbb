package nat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/nat/portmap"
	"github.com/slskdn/go-mesh/internal/core/nat/stun"
	"github.com/slskdn/go-mesh/internal/core/relay"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

// maxRelayCandidates 每次预留尝试的候选中继上限
const maxRelayCandidates = 8

// Params Service 构造参数
type Params struct {
	Config    Config
	Signer    identity.Signer
	Transport *udp.Transport
	Directory Directory

	// Reachability 可为 nil，此时新建
	Reachability *Reachability

	// Metrics 指标（可为 nil）
	Metrics *metrics.Metrics

	// RelayHints 动态候选中继（可为 nil），如路由表中的节点
	RelayHints func() []relay.Candidate

	// PortMappers 端口映射方式（可为 nil，使用 NAT-PMP 与 UPnP）
	PortMappers []portmap.Factory
}

// Service NAT 服务
//
// 负责可达性探测、会合记录发布、中继服务端开关与本节点的中继预留。
type Service struct {
	cfg     Config
	signer  identity.Signer
	tr      *udp.Transport
	dir     Directory
	reach   *Reachability
	metrics *metrics.Metrics
	hints   func() []relay.Candidate
	static  []relay.Candidate

	stun    *stun.Client
	portmap *portmap.Service
	server  *relay.Server
	trav    *Traversal

	ownMu sync.Mutex
	own   []*relay.Session

	kick   chan struct{}
	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建 NAT 服务
func NewService(p Params) (*Service, error) {
	if p.Signer == nil || p.Transport == nil || p.Directory == nil {
		return nil, fmt.Errorf("nat: signer, transport and directory are required")
	}
	cfg := p.Config
	cfg.fill()

	static := make([]relay.Candidate, 0, len(cfg.Relays))
	for _, s := range cfg.Relays {
		c, err := ParseRelay(s)
		if err != nil {
			return nil, err
		}
		static = append(static, c)
	}

	reach := p.Reachability
	if reach == nil {
		reach = NewReachability(p.Transport.LocalAddr())
	}
	if cfg.STUN.Clock == nil {
		cfg.STUN.Clock = cfg.Clock
	}
	if cfg.PortMap.Clock == nil {
		cfg.PortMap.Clock = cfg.Clock
	}
	if cfg.RelayServer.Clock == nil {
		cfg.RelayServer.Clock = cfg.Clock
	}

	server, err := relay.NewServer(cfg.RelayServer, p.Signer, p.Transport, p.Metrics)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		signer:  p.Signer,
		tr:      p.Transport,
		dir:     p.Directory,
		reach:   reach,
		metrics: p.Metrics,
		hints:   p.RelayHints,
		static:  static,
		stun:    stun.NewClient(p.Transport, cfg.STUN),
		portmap: portmap.NewService(cfg.PortMap, p.PortMappers...),
		server:  server,
		trav:    NewTraversal(cfg, p.Signer, p.Transport, p.Directory, reach, p.Metrics),
		kick:    make(chan struct{}, 1),
	}
	// 本节点 socket 也回答简单的 Binding Request
	p.Transport.HandleSTUN(stun.Reflect)
	return s, nil
}

// Traversal 返回穿透器
func (s *Service) Traversal() *Traversal {
	return s.trav
}

// Reachability 返回可达性
func (s *Service) Reachability() *Reachability {
	return s.reach
}

// RelayServer 返回中继服务端
func (s *Service) RelayServer() *relay.Server {
	return s.server
}

// AdvertiseAddr 实现 dht.AddrSource
func (s *Service) AdvertiseAddr() netip.AddrPort {
	return s.reach.AdvertiseAddr()
}

// Connect 建立到 peer 的路径
func (s *Service) Connect(ctx context.Context, peer types.PeerID) (*Path, error) {
	return s.trav.Connect(ctx, peer)
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 探测可达性并启动后台维护
//
// 探测失败不阻止启动，节点按 NATTypeUnknown 处理。
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}

	s.Probe(ctx)
	if s.cfg.EnableRelayServer && s.publiclyReachable() {
		s.server.Start()
	}
	s.trav.Start()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := s.cfg.Clock.Ticker(s.cfg.RepublishInterval)
	s.wg.Add(1)
	go s.loop(loopCtx, ticker)
	return nil
}

// Stop 停止后台维护、释放中继与端口映射
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()

	s.ownMu.Lock()
	s.own = nil
	s.ownMu.Unlock()
	s.trav.Stop()
	s.server.Stop()
	if err := s.portmap.Close(ctx); err != nil {
		logger.Debug("释放端口映射失败", "err", err)
	}
	return nil
}

// Probe 探测可达性：先尝试端口映射，再做 STUN 分类
func (s *Service) Probe(ctx context.Context) types.NATType {
	local := s.tr.LocalAddr()
	if s.cfg.PortMap.Enable {
		m, err := s.portmap.Start(ctx, local.Port())
		if err == nil {
			s.reach.Set(types.NATTypeOpen, m.External)
			logger.Info("端口映射成功", "external", m.External, "mapper", m.Mapper)
			return types.NATTypeOpen
		}
		logger.Debug("端口映射不可用", "err", err)
	}

	res, err := s.stun.Classify(ctx)
	if err != nil {
		logger.Warn("NAT 类型检测失败", "err", err)
		s.reach.Set(types.NATTypeUnknown, netip.AddrPort{})
		return types.NATTypeUnknown
	}
	s.reach.Set(res.Type, res.Mapped)
	return res.Type
}

func (s *Service) publiclyReachable() bool {
	switch s.reach.NATType() {
	case types.NATTypeOpen, types.NATTypeFullCone:
		return true
	default:
		return false
	}
}

// Publish 发布本节点的会合记录
func (s *Service) Publish(ctx context.Context) error {
	rv := s.reach.Rendezvous(s.cfg.Clock.Now())
	body, err := json.Marshal(rv)
	if err != nil {
		return err
	}
	n, err := s.dir.Store(ctx, RendezvousKey(s.signer.PeerID()), body, s.cfg.RendezvousTTL)
	if err != nil {
		return err
	}
	logger.Debug("会合记录已发布", "replicas", n, "addrs", len(rv.Addrs), "relays", len(rv.Relays))
	return nil
}

func (s *Service) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.refresh(ctx)
	}
}

func (s *Service) refresh(ctx context.Context) {
	if !s.publiclyReachable() {
		s.ensureRelays(ctx)
	}
	if err := s.Publish(ctx); err != nil && ctx.Err() == nil {
		logger.Debug("发布会合记录失败", "err", err)
	}
}

// ============================================================================
//                              本节点中继预留
// ============================================================================

// ensureRelays 保持最多 MaxRelays 个中继预留
func (s *Service) ensureRelays(ctx context.Context) {
	s.ownMu.Lock()
	defer s.ownMu.Unlock()

	used := make(map[netip.AddrPort]struct{}, len(s.own))
	for _, sess := range s.own {
		used[sess.Relay().Addr] = struct{}{}
	}
	for len(s.own) < s.cfg.MaxRelays {
		cands := s.relayCandidates(used)
		if len(cands) == 0 {
			break
		}
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RelayTimeout)
		sess, err := s.trav.Reserve(rctx, cands)
		cancel()
		if err != nil {
			logger.Debug("预留中继失败", "candidates", len(cands), "err", err)
			break
		}
		used[sess.Relay().Addr] = struct{}{}
		sess.OnChange(func(old, current relay.Candidate) {
			s.updateRelays()
			s.poke()
		})
		s.own = append(s.own, sess)
	}
	s.setRelaysLocked()
}

func (s *Service) updateRelays() {
	s.ownMu.Lock()
	defer s.ownMu.Unlock()
	s.setRelaysLocked()
}

func (s *Service) setRelaysLocked() {
	seen := make(map[netip.AddrPort]struct{}, len(s.own))
	relays := make([]relay.Candidate, 0, len(s.own))
	for _, sess := range s.own {
		r := sess.Relay()
		if _, dup := seen[r.Addr]; dup {
			continue
		}
		seen[r.Addr] = struct{}{}
		relays = append(relays, r)
	}
	s.reach.SetRelays(relays)
}

// relayCandidates 静态中继在前，动态候选在后，排除自身与已使用的中继
func (s *Service) relayCandidates(used map[netip.AddrPort]struct{}) []relay.Candidate {
	all := append([]relay.Candidate(nil), s.static...)
	if s.hints != nil {
		all = append(all, s.hints()...)
	}
	self := s.signer.PeerID()
	out := make([]relay.Candidate, 0, maxRelayCandidates)
	seen := make(map[netip.AddrPort]struct{}, len(all))
	for _, c := range all {
		if c.ID == self || !c.Addr.IsValid() {
			continue
		}
		if _, ok := used[c.Addr]; ok {
			continue
		}
		if _, ok := seen[c.Addr]; ok {
			continue
		}
		seen[c.Addr] = struct{}{}
		out = append(out, c)
		if len(out) == maxRelayCandidates {
			break
		}
	}
	return out
}
