// Package storage 提供持久化存储模块
//
// 基于 BadgerDB，供 DHT 记录、路由表快照与信誉存储共用。
package storage

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/slskdn/go-mesh/internal/core/storage/engine"
	"github.com/slskdn/go-mesh/internal/core/storage/engine/badger"
	"github.com/slskdn/go-mesh/pkg/lib/log"
)

var logger = log.Logger("core/storage")

// Config 存储模块配置
type Config struct {
	// DataDir 数据目录，为空时使用内存模式
	DataDir string
}

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config *Config `optional:"true"`
}

// ProvideEngine 打开存储引擎
func ProvideEngine(input ModuleInput) (engine.Engine, error) {
	path := ""
	if input.Config != nil && input.Config.DataDir != "" {
		path = filepath.Join(input.Config.DataDir, "db")
	}
	db, err := badger.New(engine.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	logger.Debug("存储引擎已打开", "path", path, "in_memory", path == "")
	return db, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(ProvideEngine),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, eng engine.Engine) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return eng.Close()
		},
	})
}
