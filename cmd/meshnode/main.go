// Package main 提供 meshnode 命令行入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mesh "github.com/slskdn/go-mesh"
	"github.com/slskdn/go-mesh/config"
	"github.com/slskdn/go-mesh/pkg/lib/log"
)

var logger = log.Logger("cmd/meshnode")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
// 命令行参数覆盖配置文件中的同名设置，其余设置只能通过配置文件指定。
var (
	configFile  = flag.String("config", "", "配置文件路径（JSON）")
	dataDir     = flag.String("data-dir", "", "数据目录，覆盖配置文件")
	port        = flag.Int("port", -1, "监听端口，0 为随机端口")
	logLevel    = flag.String("log-level", "", "日志级别，如 info 或 discovery/dht=debug,info")
	bootstrap   = flag.String("bootstrap", "", "引导节点，逗号分隔的 ip:port")
	preset      = flag.String("preset", "", "预设配置 (server/client/test)")
	metricsAddr = flag.String("metrics-addr", "", "Prometheus 指标监听地址，如 127.0.0.1:9090")
	stopTimeout = flag.Duration("stop-timeout", 15*time.Second, "停止超时")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Println(mesh.VersionInfo())
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("启动 mesh 节点", "version", mesh.Version, "commit", mesh.GitCommit)
	node, err := mesh.Start(ctx, mesh.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}

	logger.Info("节点已启动",
		"peer", node.ID().ShortString(),
		"addr", node.LocalAddr(),
		"advertise", node.AdvertiseAddr(),
		"nat", node.NATType().String())

	srv := serveMetrics(node)

	<-ctx.Done()
	logger.Info("收到退出信号，正在停止节点")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), *stopTimeout)
	defer stopCancel()
	if srv != nil {
		_ = srv.Shutdown(stopCtx)
	}
	return node.Stop(stopCtx)
}

// loadConfig 加载配置文件并应用命令行覆盖
//
// 优先级：命令行 > 配置文件 > 默认值
func loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *preset != "" {
		if err := config.ApplyPreset(cfg, *preset); err != nil {
			return nil, err
		}
	}
	if isFlagSet("data-dir") {
		cfg.Storage.DataDir = *dataDir
	}
	if *port >= 0 {
		if *port > 65535 {
			return nil, fmt.Errorf("invalid port %d", *port)
		}
		cfg.Listen = cfg.Listen.WithPort(uint16(*port))
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *bootstrap != "" {
		for _, s := range strings.Split(*bootstrap, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.BootstrapPeers = append(cfg.BootstrapPeers, s)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging 按配置初始化日志，返回关闭日志文件的函数
func setupLogging(cfg *config.Config) (func(), error) {
	opts := cfg.ToLogOptions()
	closeFn := func() {}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
			return closeFn, err
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return closeFn, err
		}
		opts.Output = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}
	if err := log.Setup(opts); err != nil {
		closeFn()
		return func() {}, err
	}
	return closeFn, nil
}

// serveMetrics 在单独的地址上提供 /metrics
func serveMetrics(node *mesh.Node) *http.Server {
	if *metricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", node.MetricsHandler())
	srv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("指标服务退出", "err", err)
		}
	}()
	logger.Info("指标服务已启动", "addr", *metricsAddr)
	return srv
}

// isFlagSet 检查命令行参数是否被显式设置
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
