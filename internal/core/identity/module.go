package identity

import (
	"go.uber.org/fx"
)

// ============================================================================
//                              模块输入输出
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// 配置（可选，使用默认配置）
	Config *Config `optional:"true"`
}

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	Service *Service
	Signer  Signer
}

// ProvideServices 提供模块服务
//
// 身份在构造阶段即加载，后续模块依赖 PeerID 构建路由表。
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	config := DefaultConfig()
	if input.Config != nil {
		config = *input.Config
	}

	svc := NewService(config)
	if _, err := svc.GenerateOrLoad(); err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Service: svc, Signer: svc}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(ProvideServices),
	)
}
