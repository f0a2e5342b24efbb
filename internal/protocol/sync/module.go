package sync

import (
	"context"

	"go.uber.org/fx"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/nat"
	"github.com/slskdn/go-mesh/internal/core/reputation"
	"github.com/slskdn/go-mesh/internal/core/storage/engine"
	"github.com/slskdn/go-mesh/internal/core/storage/kv"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/internal/discovery/dht"
	"github.com/slskdn/go-mesh/pkg/types"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config     *Config `optional:"true"`
	Signer     identity.Signer
	Reputation *reputation.Store
	Transport  *udp.Transport
	DHT        *dht.DHT
	Traversal  *nat.Traversal
	Engine     engine.Engine    `optional:"true"`
	Metrics    *metrics.Metrics `optional:"true"`
}

// traversalSender 经 NAT 穿透建立的路径发送
type traversalSender struct {
	t *nat.Traversal
}

func (s traversalSender) SendTo(ctx context.Context, peer types.PeerID, payload []byte) error {
	p, err := s.t.Connect(ctx, peer)
	if err != nil {
		return err
	}
	return p.Send(payload)
}

// ProvideService 创建同步服务并接收穿透路径上的数据
//
// 共识候选取路由表中距键位置最近的节点。
func ProvideService(input ModuleInput) (*Service, error) {
	cfg := DefaultConfig()
	if input.Config != nil {
		cfg = *input.Config
	}
	rt := input.DHT.RoutingTable()
	p := Params{
		Config:     cfg,
		Signer:     input.Signer,
		Reputation: input.Reputation,
		Transport:  input.Transport,
		Peers: func(key string, n int) []types.Contact {
			return rt.FindClosest(dht.KeyToID([]byte(key)), n)
		},
		Sender:  traversalSender{t: input.Traversal},
		Metrics: input.Metrics,
	}
	if input.Engine != nil {
		p.Persist = kv.New(input.Engine, []byte("s/"))
	}
	s, err := NewService(p)
	if err != nil {
		return nil, err
	}

	timeout := s.cfg.ConsensusTimeout * 2
	input.Traversal.OnData(func(peer types.PeerID, kind types.PathKind, payload []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res := s.HandleMessage(ctx, peer, payload)
		logger.Debug("处理同步消息", "peer", peer.ShortString(), "path", kind, "outcome", res.Outcome)
	})
	return s, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("sync",
		fx.Provide(ProvideService),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, s *Service) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
