package udp

import (
	"context"

	"go.uber.org/fx"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config *Config `optional:"true"`
}

// ProvideTransport 打开 UDP 传输
func ProvideTransport(input ModuleInput) (*Transport, error) {
	cfg := DefaultConfig()
	if input.Config != nil {
		cfg = *input.Config
	}
	return Listen(cfg)
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("transport/udp",
		fx.Provide(ProvideTransport),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, t *Transport) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return t.Close()
		},
	})
}
