package mesh

import (
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/slskdn/go-mesh/config"
	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/nat"
	"github.com/slskdn/go-mesh/internal/core/reputation"
	"github.com/slskdn/go-mesh/internal/core/storage"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/internal/discovery/dht"
	meshsync "github.com/slskdn/go-mesh/internal/protocol/sync"
)

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：
//  1. 身份、存储、指标
//  2. UDP 传输
//  3. DHT
//  4. NAT 穿透与中继
//  5. 信誉、同步
func buildFxApp(cfg *config.Config, o *options, node *Node) (*fx.App, error) {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 组件配置
	// ════════════════════════════════════════════════════════════════════════
	identityCfg := cfg.ToIdentity()
	transportCfg := cfg.ToTransport()
	dhtCfg, err := cfg.ToDHT()
	if err != nil {
		return nil, fmt.Errorf("mesh: dht config: %w", err)
	}
	natCfg := cfg.ToNAT()
	reputationCfg := cfg.ToReputation()
	syncCfg := cfg.ToSync()
	storageCfg := cfg.ToStorage()

	modules := []fx.Option{
		fx.Supply(cfg),
		fx.Supply(&identityCfg, &transportCfg, &dhtCfg, &natCfg, &reputationCfg, &syncCfg, &storageCfg),

		// ════════════════════════════════════════════════════════════════════
		// 2. 组件模块
		// ════════════════════════════════════════════════════════════════════
		identity.Module(),
		storage.Module(),
		metrics.Module(),
		udp.Module(),
		dht.Module(),
		nat.Module(),
		reputation.Module(),
		meshsync.Module(),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 3. 用户扩展
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, o.fxOptions...)

	// ════════════════════════════════════════════════════════════════════════
	// 4. Node 组件注入与 Fx 配置
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Invoke(injectNodeComponents(node)),
		// 禁用 Fx 日志输出（避免干扰用户日志）
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.StartTimeout(o.startTimeout),
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return app, nil
}

// nodeInjectParams Node 组件注入参数
type nodeInjectParams struct {
	fx.In

	Identity   *identity.Service
	Transport  *udp.Transport
	DHT        *dht.DHT
	NAT        *nat.Service
	Reputation *reputation.Store
	Sync       *meshsync.Service
	Metrics    *metrics.Metrics
}

// injectNodeComponents 创建 Node 组件注入函数
func injectNodeComponents(node *Node) any {
	return func(p nodeInjectParams) {
		node.identity = p.Identity
		node.transport = p.Transport
		node.dht = p.DHT
		node.nat = p.NAT
		node.reputation = p.Reputation
		node.syncSvc = p.Sync
		node.metrics = p.Metrics
	}
}
