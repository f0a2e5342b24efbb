package nat

import (
	"context"

	"go.uber.org/fx"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/relay"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/internal/discovery/dht"
)

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	Config       *Config `optional:"true"`
	Signer       identity.Signer
	Transport    *udp.Transport
	DHT          *dht.DHT
	Reachability *Reachability
	Metrics      *metrics.Metrics `optional:"true"`
}

// ============================================================================
//                              服务提供
// ============================================================================

// ProvideReachability 创建可达性；DHT 通过 dht.AddrSource 读取公布地址
func ProvideReachability(tr *udp.Transport) (*Reachability, dht.AddrSource) {
	r := NewReachability(tr.LocalAddr())
	return r, r
}

// ProvideService 创建 NAT 服务
//
// 路由表中距本节点最近的节点作为动态候选中继。
func ProvideService(input ModuleInput) (*Service, error) {
	cfg := DefaultConfig()
	if input.Config != nil {
		cfg = *input.Config
	}
	d := input.DHT
	self := input.Signer.PeerID()
	return NewService(Params{
		Config:       cfg,
		Signer:       input.Signer,
		Transport:    input.Transport,
		Directory:    d,
		Reachability: input.Reachability,
		Metrics:      input.Metrics,
		RelayHints: func() []relay.Candidate {
			contacts := d.RoutingTable().FindClosest(self, maxRelayCandidates)
			out := make([]relay.Candidate, 0, len(contacts))
			for _, c := range contacts {
				out = append(out, relay.Candidate{ID: c.ID, Addr: c.Addr})
			}
			return out
		},
	})
}

// ProvideTraversal 导出穿透器
func ProvideTraversal(s *Service) *Traversal {
	return s.Traversal()
}

// ============================================================================
//                              模块定义
// ============================================================================

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("nat",
		fx.Provide(ProvideReachability, ProvideService, ProvideTraversal),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, s *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}
