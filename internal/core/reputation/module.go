package reputation

import (
	"go.uber.org/fx"

	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/storage/engine"
	"github.com/slskdn/go-mesh/internal/core/storage/kv"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config  *Config          `optional:"true"`
	Engine  engine.Engine    `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

// ProvideStore 创建信誉存储，有存储引擎时持久化到 p/ 命名空间
func ProvideStore(input ModuleInput) *Store {
	cfg := DefaultConfig()
	if input.Config != nil {
		cfg = *input.Config
	}
	var persist *kv.Store
	if input.Engine != nil {
		persist = kv.New(input.Engine, []byte("p/"))
	}
	return NewStore(cfg, persist, input.Metrics)
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("reputation",
		fx.Provide(ProvideStore),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, s *Store) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
