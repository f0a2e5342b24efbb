package dht

import (
	"context"
	"net/netip"

	"go.uber.org/fx"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/storage/engine"
	"github.com/slskdn/go-mesh/internal/core/storage/kv"
)

// Endpoint 可注册入站处理函数的网络端点
type Endpoint interface {
	Network

	// Handle 注册入站 DHT 请求处理函数
	Handle(h RequestHandler)
}

// AddrSource 提供本地公布地址（如 NAT 映射后的外部地址）
type AddrSource interface {
	AdvertiseAddr() netip.AddrPort
}

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config   *Config `optional:"true"`
	Signer   identity.Signer
	Endpoint Endpoint
	Engine   engine.Engine    `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
	Addrs    AddrSource       `optional:"true"`
}

// ProvideDHT 创建 DHT 并注册到端点
func ProvideDHT(input ModuleInput) (*DHT, error) {
	cfg := DefaultConfig()
	if input.Config != nil {
		cfg = *input.Config
	}
	p := Params{
		Config:  cfg,
		Signer:  input.Signer,
		Network: input.Endpoint,
		Metrics: input.Metrics,
	}
	if input.Engine != nil {
		p.Persist = kv.New(input.Engine, []byte("d/"))
	}
	if input.Addrs != nil {
		p.Advertise = input.Addrs.AdvertiseAddr
	}

	d, err := New(p)
	if err != nil {
		return nil, err
	}
	input.Endpoint.Handle(d.HandleRequest)
	return d, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("dht",
		fx.Provide(ProvideUDPEndpoint, ProvideDHT),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, d *DHT) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return d.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return d.Stop(ctx)
		},
	})
}
