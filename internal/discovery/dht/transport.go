package dht

import (
	"context"
	"net/netip"

	"github.com/slskdn/go-mesh/internal/core/transport/udp"
)

// UDPEndpoint 将 UDP 传输适配为 DHT 端点（帧类型 KindDHT）
type UDPEndpoint struct {
	t *udp.Transport
}

var _ Endpoint = (*UDPEndpoint)(nil)

// NewUDPEndpoint 创建 UDP 端点
func NewUDPEndpoint(t *udp.Transport) *UDPEndpoint {
	return &UDPEndpoint{t: t}
}

// Request 实现 Network
func (e *UDPEndpoint) Request(ctx context.Context, addr netip.AddrPort, data []byte) ([]byte, error) {
	return e.t.Request(ctx, addr, udp.KindDHT, data)
}

// Handle 实现 Endpoint
func (e *UDPEndpoint) Handle(h RequestHandler) {
	e.t.Handle(udp.KindDHT, udp.Handler(h))
}

// ProvideUDPEndpoint fx 构造函数
func ProvideUDPEndpoint(t *udp.Transport) Endpoint {
	return NewUDPEndpoint(t)
}
