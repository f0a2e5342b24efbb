package portmap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

// natpmpClient go-nat-pmp 客户端的可替换接口
type natpmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// NATPMP NAT-PMP 映射器
type NATPMP struct {
	client  natpmpClient
	gateway netip.Addr
}

var _ Mapper = (*NATPMP)(nil)

// NATPMPFactory 返回 NAT-PMP 映射器工厂
func NATPMPFactory(cfg Config) Factory {
	return func(ctx context.Context) (Mapper, error) {
		gw, err := resolveGateway(cfg.Gateway)
		if err != nil {
			return nil, fmt.Errorf("portmap: natpmp gateway: %w", err)
		}
		timeout := cfg.Timeout
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}
		m := &NATPMP{
			client:  natpmp.NewClientWithTimeout(net.IP(gw.AsSlice()), timeout),
			gateway: gw,
		}
		// 探测网关是否支持 NAT-PMP
		if _, err := m.externalAddr(ctx); err != nil {
			return nil, fmt.Errorf("portmap: natpmp probe %s: %w", gw, err)
		}
		return m, nil
	}
}

// Name 实现 Mapper
func (m *NATPMP) Name() string {
	return "natpmp"
}

// Map 实现 Mapper
func (m *NATPMP) Map(ctx context.Context, internalPort uint16, lifetime time.Duration) (Mapping, error) {
	ext, err := m.externalAddr(ctx)
	if err != nil {
		return Mapping{}, err
	}
	res, err := call(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return m.client.AddPortMapping("udp", int(internalPort), int(internalPort), int(lifetime/time.Second))
	})
	if err != nil {
		return Mapping{}, fmt.Errorf("portmap: natpmp add mapping: %w", err)
	}
	return Mapping{
		Protocol:     "udp",
		InternalPort: internalPort,
		External:     netip.AddrPortFrom(ext, res.MappedExternalPort),
		Lifetime:     time.Duration(res.PortMappingLifetimeInSeconds) * time.Second,
		Mapper:       m.Name(),
	}, nil
}

// Unmap 实现 Mapper（租期为 0 即删除）
func (m *NATPMP) Unmap(ctx context.Context, mp Mapping) error {
	_, err := call(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return m.client.AddPortMapping("udp", int(mp.InternalPort), 0, 0)
	})
	return err
}

func (m *NATPMP) externalAddr(ctx context.Context) (netip.Addr, error) {
	res, err := call(ctx, m.client.GetExternalAddress)
	if err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom4(res.ExternalIPAddress), nil
}

// call 在 ctx 约束下执行阻塞的库调用
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
