// Package portmap 通过网关协议申请 UDP 端口映射
//
// 依次尝试 NAT-PMP 与 UPnP IGD。映射成功后节点可直接从外部访问，
// NAT 服务据此将自身标记为 NATTypeOpen。所有失败都是静默的（debug 日志）。
package portmap

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/slskdn/go-mesh/pkg/lib/log"
)

var logger = log.Logger("nat/portmap")

var (
	// ErrNoMapper 没有可用的映射协议
	ErrNoMapper = errors.New("portmap: no gateway protocol available")

	// ErrNotMapped 当前没有活动映射
	ErrNotMapped = errors.New("portmap: no active mapping")
)

// Mapping 一条端口映射
type Mapping struct {
	// Protocol 传输协议，固定为 "udp"
	Protocol string

	// InternalPort 本地端口
	InternalPort uint16

	// External 网关上的外部地址
	External netip.AddrPort

	// Lifetime 网关授予的租期
	Lifetime time.Duration

	// Mapper 建立映射的协议名
	Mapper string
}

// Mapper 网关映射协议
type Mapper interface {
	// Name 协议名
	Name() string

	// Map 申请映射 internalPort，返回网关授予的映射
	Map(ctx context.Context, internalPort uint16, lifetime time.Duration) (Mapping, error)

	// Unmap 撤销映射
	Unmap(ctx context.Context, m Mapping) error
}

// Factory 发现网关并创建映射器
type Factory func(ctx context.Context) (Mapper, error)

// ============================================================================
//                              Service
// ============================================================================

// Service 端口映射服务
//
// 按顺序尝试各协议，保持第一个成功的映射，并在租期过半时续期。
type Service struct {
	cfg       Config
	factories []Factory
	clk       clock.Clock

	mu      sync.RWMutex
	mapper  Mapper
	current *Mapping

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建端口映射服务
//
// factories 为空时使用 NAT-PMP 与 UPnP。
func NewService(cfg Config, factories ...Factory) *Service {
	if len(factories) == 0 {
		factories = []Factory{NATPMPFactory(cfg), UPnPFactory(cfg)}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{cfg: cfg, factories: factories, clk: clk}
}

// Start 尝试建立映射，成功后启动续期循环
//
// 所有协议都失败时返回 ErrNoMapper，调用方按未映射处理。
func (s *Service) Start(ctx context.Context, internalPort uint16) (Mapping, error) {
	if !s.cfg.Enable {
		return Mapping{}, ErrNoMapper
	}
	for _, f := range s.factories {
		m, mapping, err := s.try(ctx, f, internalPort)
		if err != nil {
			logger.Debug("端口映射失败", "err", err)
			continue
		}
		s.mu.Lock()
		s.mapper = m
		s.current = &mapping
		s.mu.Unlock()

		logger.Info("端口映射成功",
			"mapper", mapping.Mapper,
			"internal", internalPort,
			"external", mapping.External,
			"lifetime", mapping.Lifetime)

		loopCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.renewLoop(loopCtx, internalPort)
		return mapping, nil
	}
	return Mapping{}, ErrNoMapper
}

func (s *Service) try(ctx context.Context, f Factory, port uint16) (Mapper, Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	m, err := f(ctx)
	if err != nil {
		return nil, Mapping{}, err
	}
	mapping, err := m.Map(ctx, port, s.cfg.Lifetime)
	if err != nil {
		return nil, Mapping{}, err
	}
	return m, mapping, nil
}

// Current 返回当前映射
func (s *Service) Current() (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Mapping{}, ErrNotMapped
	}
	return *s.current, nil
}

// renewLoop 在租期过半时续期；续期失败则放弃映射
func (s *Service) renewLoop(ctx context.Context, port uint16) {
	defer s.wg.Done()
	for {
		s.mu.RLock()
		cur := s.current
		m := s.mapper
		s.mu.RUnlock()
		if cur == nil || m == nil {
			return
		}
		wait := cur.Lifetime / 2
		if wait <= 0 {
			wait = s.cfg.Lifetime / 2
		}
		timer := s.clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		mapping, err := m.Map(rctx, port, s.cfg.Lifetime)
		cancel()

		s.mu.Lock()
		if err != nil {
			logger.Warn("端口映射续期失败", "mapper", m.Name(), "err", err)
			s.current = nil
			s.mapper = nil
			s.mu.Unlock()
			return
		}
		s.current = &mapping
		s.mu.Unlock()
		logger.Debug("端口映射已续期", "mapper", m.Name(), "external", mapping.External)
	}
}

// Close 停止续期并撤销映射
func (s *Service) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	m, cur := s.mapper, s.current
	s.mapper, s.current = nil, nil
	s.mu.Unlock()
	if m == nil || cur == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return m.Unmap(ctx, *cur)
}
