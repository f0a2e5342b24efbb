package mesh

import (
	"errors"
	"time"

	"go.uber.org/fx"

	"github.com/slskdn/go-mesh/config"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	config *config.Config

	// 依次应用在 config 之上
	preset         string
	dataDir        *string
	listenPort     *uint16
	bootstrapPeers []string

	startTimeout time.Duration

	// 用户自定义 Fx 选项（测试替换组件）
	fxOptions []fx.Option
}

// defaultStartTimeout Fx App 启动超时
const defaultStartTimeout = 30 * time.Second

func newOptions() *options {
	return &options{startTimeout: defaultStartTimeout}
}

// resolve 合成最终配置
func (o *options) resolve() (*config.Config, error) {
	cfg := o.config
	if cfg == nil {
		cfg = config.NewConfig()
	} else {
		cfg = cfg.Clone()
		if cfg == nil {
			return nil, errors.New("mesh: config cannot be copied")
		}
	}
	if o.preset != "" {
		if err := config.ApplyPreset(cfg, o.preset); err != nil {
			return nil, err
		}
	}
	if o.dataDir != nil {
		cfg.Storage.DataDir = *o.dataDir
	}
	if o.listenPort != nil {
		cfg.Listen = cfg.Listen.WithPort(*o.listenPort)
	}
	if len(o.bootstrapPeers) > 0 {
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, o.bootstrapPeers...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithConfig 使用完整配置；调用方之后的修改不影响节点
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("mesh: nil config")
		}
		o.config = cfg
		return nil
	}
}

// WithPreset 应用预设（config.PresetServer / PresetClient / PresetTest）
func WithPreset(name string) Option {
	return func(o *options) error {
		o.preset = name
		return nil
	}
}

// WithDataDir 设置数据目录，空字符串表示内存模式
func WithDataDir(dir string) Option {
	return func(o *options) error {
		o.dataDir = &dir
		return nil
	}
}

// WithListenPort 设置监听端口
func WithListenPort(port uint16) Option {
	return func(o *options) error {
		o.listenPort = &port
		return nil
	}
}

// WithBootstrapPeers 追加引导节点（ip:port）
func WithBootstrapPeers(addrs ...string) Option {
	return func(o *options) error {
		o.bootstrapPeers = append(o.bootstrapPeers, addrs...)
		return nil
	}
}

// WithStartTimeout 设置启动超时
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("mesh: start timeout must be positive")
		}
		o.startTimeout = d
		return nil
	}
}

// WithFxOptions 追加 Fx 选项
func WithFxOptions(opts ...fx.Option) Option {
	return func(o *options) error {
		o.fxOptions = append(o.fxOptions, opts...)
		return nil
	}
}
