// Package log 提供 mesh 统一日志接口
//
// 基于 Go 标准库 log/slog 封装，按组件名输出结构化日志。
// 组件级别可通过 MESH_LOG_LEVEL 覆盖，例如：
//
//	MESH_LOG_LEVEL=info
//	MESH_LOG_LEVEL=discovery/dht=debug,protocol/sync=warn,info
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EnvLogLevel 日志级别环境变量
const EnvLogLevel = "MESH_LOG_LEVEL"

// 日志级别常量（从 slog 导出，方便使用）
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	mu sync.RWMutex

	// 全局最低级别，handler 自身放行所有级别，由 LazyLogger 过滤
	baseLevel = slog.LevelInfo

	// 组件级别覆盖
	componentLevels = map[string]slog.Level{}
)

func init() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		_ = ParseLevelSpec(v)
	}
}

// Options 日志初始化选项
type Options struct {
	// Level 全局级别规格（同 MESH_LOG_LEVEL 语法）
	Level string

	// Format 输出格式：text 或 json
	Format string

	// Output 输出目标，nil 表示 stderr
	Output io.Writer
}

// Setup 按选项重建默认 logger
func Setup(opts Options) error {
	if opts.Level != "" {
		if err := ParseLevelSpec(opts.Level); err != nil {
			return err
		}
	}
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: slog.LevelDebug}
	switch strings.ToLower(opts.Format) {
	case "", "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(w, hopts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, hopts)))
	default:
		return fmt.Errorf("log: unknown format %q", opts.Format)
	}
	return nil
}

// SetOutput 设置日志输出目标（文本格式）
func SetOutput(w io.Writer) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// SetLevel 设置全局日志级别
func SetLevel(level slog.Level) {
	mu.Lock()
	baseLevel = level
	mu.Unlock()
}

// ParseLevelSpec 解析级别规格并生效
//
// 逗号分隔，"comp=level" 为组件覆盖，单独的 "level" 为全局级别。
func ParseLevelSpec(spec string) error {
	global, overrides, err := parseSpec(spec)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		baseLevel = *global
	}
	componentLevels = overrides
	return nil
}

// CheckLevelSpec 只校验级别规格，不改变当前设置
func CheckLevelSpec(spec string) error {
	_, _, err := parseSpec(spec)
	return err
}

func parseSpec(spec string) (*slog.Level, map[string]slog.Level, error) {
	var global *slog.Level
	overrides := map[string]slog.Level{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if comp, lv, ok := strings.Cut(part, "="); ok {
			level, err := parseLevel(lv)
			if err != nil {
				return nil, nil, err
			}
			overrides[strings.TrimSpace(comp)] = level
			continue
		}
		level, err := parseLevel(part)
		if err != nil {
			return nil, nil, err
		}
		global = &level
	}
	return global, overrides, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log: unknown level %q", s)
}

func enabled(component string, level slog.Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	if lv, ok := componentLevels[component]; ok {
		return level >= lv
	}
	return level >= baseLevel
}

// ============================================================================
//                              LazyLogger
// ============================================================================

// LazyLogger 懒加载 logger
//
// 每次日志调用时都从 slog.Default() 获取最新的 handler，
// 支持在运行时动态切换日志输出目标。
//
//	var logger = log.Logger("discovery/dht")
//	logger.Info("路由表已加载", "peers", n)
type LazyLogger struct {
	component string
}

// Logger 创建组件 logger
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

// Component 返回组件名
func (l *LazyLogger) Component() string {
	return l.component
}

func (l *LazyLogger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !enabled(l.component, level) {
		return
	}
	slog.Default().With("component", l.component).Log(ctx, level, msg, args...)
}

// Debug 输出 Debug 级别日志
func (l *LazyLogger) Debug(msg string, args ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, args...)
}

// Info 输出 Info 级别日志
func (l *LazyLogger) Info(msg string, args ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, args...)
}

// Warn 输出 Warn 级别日志
func (l *LazyLogger) Warn(msg string, args ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, args...)
}

// Error 输出 Error 级别日志
func (l *LazyLogger) Error(msg string, args ...any) {
	l.log(context.Background(), slog.LevelError, msg, args...)
}

// DebugContext 带 context 的 Debug 日志
func (l *LazyLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// WarnContext 带 context 的 Warn 日志
func (l *LazyLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// With 返回带固定属性的 slog.Logger
func (l *LazyLogger) With(args ...any) *slog.Logger {
	return slog.Default().With("component", l.component).With(args...)
}
