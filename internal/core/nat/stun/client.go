package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"

	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("nat/stun")

// Requester 从节点传输 socket 发出 STUN 请求
//
// 由 udp.Transport 实现。
type Requester interface {
	// RoundTrip 发送请求并等待同一事务 ID 的响应
	RoundTrip(ctx context.Context, server netip.AddrPort, req *stun.Message) (*stun.Message, error)

	// LocalAddr 返回 socket 的本地地址
	LocalAddr() netip.AddrPort
}

// Result 分类结果
type Result struct {
	// Type NAT 类型
	Type types.NATType

	// Mapped 外部映射地址
	Mapped netip.AddrPort

	// Local 本地 socket 地址
	Local netip.AddrPort

	// Server 完成 Test I 的服务器
	Server netip.AddrPort
}

// Client STUN 客户端
type Client struct {
	cfg      Config
	req      Requester
	resolver *net.Resolver

	// isLocal 判断映射地址是否就是本机地址
	isLocal func(mapped, local netip.AddrPort) bool

	mu       sync.Mutex
	cached   *Result
	cachedAt time.Time
}

// NewClient 创建 STUN 客户端
func NewClient(req Requester, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Client{
		cfg:      cfg,
		req:      req,
		resolver: net.DefaultResolver,
		isLocal:  isInterfaceAddr,
	}
}

// ============================================================================
//                              地址发现
// ============================================================================

// Discover 按顺序询问服务器，返回第一个得到的映射地址
func (c *Client) Discover(ctx context.Context) (netip.AddrPort, error) {
	if res := c.cachedResult(); res != nil {
		return res.Mapped, nil
	}
	servers, err := c.servers(ctx)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, s := range servers {
		resp, err := c.binding(ctx, s, ChangeRequest{}, c.cfg.Timeout, c.cfg.Retries)
		if err != nil {
			logger.Debug("STUN 服务器无响应", "server", s, "err", err)
			continue
		}
		return resp.Mapped, nil
	}
	if ctx.Err() != nil {
		return netip.AddrPort{}, ctx.Err()
	}
	return netip.AddrPort{}, ErrAllServersFailed
}

// ============================================================================
//                              NAT 分类
// ============================================================================

// Classify 检测 NAT 类型
//
// 所有服务器均无响应时返回 NATTypeUnknown 与 ErrAllServersFailed。
// 结果缓存 CacheDuration。
func (c *Client) Classify(ctx context.Context) (*Result, error) {
	if res := c.cachedResult(); res != nil {
		return res, nil
	}
	local := c.req.LocalAddr()
	servers, err := c.servers(ctx)
	if err != nil {
		return &Result{Type: types.NATTypeUnknown, Local: local}, err
	}

	// Test I
	var (
		first   Response
		primary netip.AddrPort
		next    []netip.AddrPort
	)
	for i, s := range servers {
		resp, err := c.binding(ctx, s, ChangeRequest{}, c.cfg.Timeout, c.cfg.Retries)
		if err != nil {
			logger.Debug("STUN Test I 失败", "server", s, "err", err)
			continue
		}
		first, primary, next = resp, s, servers[i+1:]
		break
	}
	if !primary.IsValid() {
		if ctx.Err() != nil {
			return &Result{Type: types.NATTypeUnknown, Local: local}, ctx.Err()
		}
		return &Result{Type: types.NATTypeUnknown, Local: local}, ErrAllServersFailed
	}

	res := &Result{Mapped: first.Mapped, Local: local, Server: primary}
	res.Type = c.classify(ctx, first, primary, next, local)
	c.store(res)

	logger.Info("NAT 类型检测完成", "type", res.Type.String(), "mapped", res.Mapped)
	return res, nil
}

func (c *Client) classify(ctx context.Context, first Response, primary netip.AddrPort, next []netip.AddrPort, local netip.AddrPort) types.NATType {
	if c.isLocal(first.Mapped, local) {
		return types.NATTypeOpen
	}

	// 服务器支持 RFC 5780 时才能做变更测试
	hasOther := first.Other.IsValid() &&
		first.Other.Addr() != primary.Addr() &&
		first.Other.Port() != primary.Port()

	// Test II
	if hasOther {
		if _, err := c.binding(ctx, primary, ChangeRequest{ChangeIP: true, ChangePort: true}, c.cfg.ProbeTimeout, 0); err == nil {
			return types.NATTypeFullCone
		}
	}

	// 映射行为：向另一地址请求，比较映射
	targets := next
	if hasOther {
		targets = append([]netip.AddrPort{first.Other}, next...)
	}
	for _, s := range targets {
		resp, err := c.binding(ctx, s, ChangeRequest{}, c.cfg.Timeout, 0)
		if err != nil {
			continue
		}
		if resp.Mapped != first.Mapped {
			return types.NATTypeSymmetric
		}
		break
	}

	// Test III
	if hasOther {
		if _, err := c.binding(ctx, primary, ChangeRequest{ChangePort: true}, c.cfg.ProbeTimeout, 0); err == nil {
			return types.NATTypeRestrictedCone
		}
	}
	return types.NATTypePortRestricted
}

// Invalidate 清除缓存的分类结果
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// ============================================================================
//                              内部实现
// ============================================================================

// binding 发送 Binding Request，失败时最多重试 retries 次
func (c *Client) binding(ctx context.Context, server netip.AddrPort, change ChangeRequest, timeout time.Duration, retries int) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		req, err := NewBindingRequest(change)
		if err != nil {
			return Response{}, err
		}
		rctx, cancel := context.WithTimeout(ctx, timeout)
		m, err := c.req.RoundTrip(rctx, server, req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := ParseResponse(m)
		if err != nil {
			// 错误响应是确定的答复，不重试
			return Response{}, err
		}
		return resp, nil
	}
	return Response{}, lastErr
}

// servers 解析服务器列表，跳过无法解析的条目
func (c *Client) servers(ctx context.Context) ([]netip.AddrPort, error) {
	if len(c.cfg.Servers) == 0 {
		return nil, ErrNoServers
	}
	out := make([]netip.AddrPort, 0, len(c.cfg.Servers))
	for _, s := range c.cfg.Servers {
		ap, err := c.resolve(ctx, s)
		if err != nil {
			logger.Debug("解析 STUN 服务器失败", "server", s, "err", err)
			continue
		}
		out = append(out, ap)
	}
	if len(out) == 0 {
		return nil, ErrAllServersFailed
	}
	return out, nil
}

func (c *Client) resolve(ctx context.Context, server string) (netip.AddrPort, error) {
	server = normalizeServer(server)
	if ap, err := netip.ParseAddrPort(server); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: invalid port %q", portStr)
	}
	ips, err := c.resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, errors.New("stun: no addresses for " + host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(port)), nil
}

// normalizeServer 去掉 stun: / stun:// 前缀
func normalizeServer(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range []string{"stun://", "stuns://", "stun:", "stuns:"} {
		if strings.HasPrefix(s, p) {
			return strings.TrimPrefix(s, p)
		}
	}
	return s
}

func (c *Client) cachedResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil || c.cfg.CacheDuration <= 0 {
		return nil
	}
	if c.cfg.Clock.Since(c.cachedAt) > c.cfg.CacheDuration {
		c.cached = nil
		return nil
	}
	res := *c.cached
	return &res
}

func (c *Client) store(res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *res
	c.cached = &cp
	c.cachedAt = c.cfg.Clock.Now()
}

// isInterfaceAddr 映射地址是否为本机某个接口地址且端口一致
func isInterfaceAddr(mapped, local netip.AddrPort) bool {
	if mapped.Port() != local.Port() {
		return false
	}
	if la := local.Addr(); la.IsValid() && !la.IsUnspecified() {
		return mapped.Addr() == la.Unmap()
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipnet.IP); ok && ip.Unmap() == mapped.Addr() {
			return true
		}
	}
	return false
}
