package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

//go:generate mockgen -destination=mock_network_test.go -package=dht . Network

// Network DHT 使用的请求/响应传输
//
// 由 UDP 传输层实现；测试中使用 MemNetwork 或 gomock。
type Network interface {
	// Request 发送请求并等待响应，遵守 ctx 截止时间
	Request(ctx context.Context, addr netip.AddrPort, data []byte) ([]byte, error)
}

// RequestHandler 入站请求处理函数，返回值作为响应发回
type RequestHandler func(ctx context.Context, from netip.AddrPort, data []byte) ([]byte, error)

// ErrUnreachable 目标地址不可达
var ErrUnreachable = errors.New("dht: peer unreachable")

// ============================================================================
//                              MemNetwork（内存网络）
// ============================================================================

// MemNetwork 进程内网络，用于多节点测试
//
// 标记为离线的节点不响应，请求阻塞直到 ctx 超时，模拟丢包。
type MemNetwork struct {
	mu       sync.RWMutex
	handlers map[netip.AddrPort]RequestHandler
	offline  map[netip.AddrPort]bool
	next     uint32
}

// NewMemNetwork 创建内存网络
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		handlers: make(map[netip.AddrPort]RequestHandler),
		offline:  make(map[netip.AddrPort]bool),
	}
}

// Endpoint 分配一个新地址
func (n *MemNetwork) Endpoint() *MemEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, byte(n.next >> 16), byte(n.next >> 8), byte(n.next)}), 4001)
	return &MemEndpoint{net: n, addr: addr}
}

// SetOffline 设置节点离线状态
func (n *MemNetwork) SetOffline(addr netip.AddrPort, offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[addr] = offline
}

// MemEndpoint 内存网络端点
type MemEndpoint struct {
	net  *MemNetwork
	addr netip.AddrPort
}

var _ Network = (*MemEndpoint)(nil)

// Addr 返回端点地址
func (e *MemEndpoint) Addr() netip.AddrPort {
	return e.addr
}

// Handle 注册入站处理函数
func (e *MemEndpoint) Handle(h RequestHandler) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.net.handlers[e.addr] = h
}

// Request 实现 Network
func (e *MemEndpoint) Request(ctx context.Context, addr netip.AddrPort, data []byte) ([]byte, error) {
	e.net.mu.RLock()
	h, ok := e.net.handlers[addr]
	down := e.net.offline[addr] || e.net.offline[e.addr]
	e.net.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	if down {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return h(ctx, e.addr, append([]byte(nil), data...))
}
