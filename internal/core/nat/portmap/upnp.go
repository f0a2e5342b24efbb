package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// igdClient UPnP IGD 连接服务
//
// goupnp 的 WANIPConnection1/2 与 WANPPPConnection1 都实现此接口。
type igdClient interface {
	AddPortMappingCtx(
		ctx context.Context,
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) error

	DeletePortMappingCtx(
		ctx context.Context,
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
	) error

	GetExternalIPAddressCtx(ctx context.Context) (string, error)

	// LocalAddr 访问网关时使用的本地 IP
	LocalAddr() net.IP
}

// UPnP UPnP IGD 映射器
type UPnP struct {
	client igdClient
	desc   string
}

var _ Mapper = (*UPnP)(nil)

// UPnPFactory 返回 UPnP 映射器工厂
//
// 依次尝试 IGDv2 WANIPConnection2/1、WANPPPConnection1，再回退 IGDv1。
func UPnPFactory(cfg Config) Factory {
	return func(ctx context.Context) (Mapper, error) {
		c, err := discoverIGD(ctx)
		if err != nil {
			return nil, err
		}
		return &UPnP{client: c, desc: cfg.Description}, nil
	}
}

func discoverIGD(ctx context.Context) (igdClient, error) {
	if cs, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], nil
	}
	if cs, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], nil
	}
	if cs, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], nil
	}
	if cs, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], nil
	}
	if cs, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("portmap: upnp discovery: %w", err)
	}
	return nil, errors.New("portmap: no upnp gateway found")
}

// Name 实现 Mapper
func (u *UPnP) Name() string {
	return "upnp"
}

// Map 实现 Mapper
func (u *UPnP) Map(ctx context.Context, internalPort uint16, lifetime time.Duration) (Mapping, error) {
	local := u.client.LocalAddr()
	if local == nil {
		return Mapping{}, errors.New("portmap: upnp local address unknown")
	}
	if err := u.client.AddPortMappingCtx(ctx, "", internalPort, "UDP", internalPort,
		local.String(), true, u.desc, uint32(lifetime/time.Second)); err != nil {
		return Mapping{}, fmt.Errorf("portmap: upnp add mapping: %w", err)
	}
	extStr, err := u.client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return Mapping{}, fmt.Errorf("portmap: upnp external ip: %w", err)
	}
	ext, err := netip.ParseAddr(extStr)
	if err != nil {
		return Mapping{}, fmt.Errorf("portmap: upnp external ip %q: %w", extStr, err)
	}
	return Mapping{
		Protocol:     "udp",
		InternalPort: internalPort,
		External:     netip.AddrPortFrom(ext.Unmap(), internalPort),
		Lifetime:     lifetime,
		Mapper:       u.Name(),
	}, nil
}

// Unmap 实现 Mapper
func (u *UPnP) Unmap(ctx context.Context, m Mapping) error {
	return u.client.DeletePortMappingCtx(ctx, "", m.External.Port(), "UDP")
}
