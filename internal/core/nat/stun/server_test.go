package stun

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

func newTransport(t *testing.T) *udp.Transport {
	t.Helper()
	cfg := udp.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	tr, err := udp.Listen(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func loopbackConfig(servers ...netip.AddrPort) Config {
	cfg := testConfig(servers...)
	cfg.Timeout = time.Second
	cfg.ProbeTimeout = 300 * time.Millisecond
	return cfg
}

func TestServer_LoopbackOpen(t *testing.T) {
	srv, err := NewServer(netip.MustParseAddrPort("127.0.0.1:0"), netip.Addr{})
	require.NoError(t, err)
	defer srv.Close()
	assert.False(t, srv.OtherAddr().IsValid())

	tr := newTransport(t)
	c := NewClient(tr, loopbackConfig(srv.Addr()))

	addr, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tr.LocalAddr(), addr)

	res, err := c.Classify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.NATTypeOpen, res.Type)
	assert.GreaterOrEqual(t, srv.Served(), uint64(2))

	t.Log("✅ 回环 STUN 服务器发现本地地址")
}

func TestServer_ChangeRequestsOverLoopback(t *testing.T) {
	srv, err := NewServer(netip.MustParseAddrPort("127.0.0.1:0"), netip.MustParseAddr("127.0.0.2"))
	if err != nil {
		t.Skipf("无法绑定 127.0.0.2: %v", err)
	}
	defer srv.Close()
	require.True(t, srv.OtherAddr().IsValid())

	tr := newTransport(t)
	c := NewClient(tr, loopbackConfig(srv.Addr()))
	// 回环上没有 NAT，关闭本地判定后走完整测试序列
	c.isLocal = func(netip.AddrPort, netip.AddrPort) bool { return false }

	res, err := c.Classify(context.Background())
	require.NoError(t, err)
	// 无过滤的路径在测试序列中表现为完全锥形
	assert.Equal(t, types.NATTypeFullCone, res.Type)

	t.Log("✅ 响应器按 CHANGE-REQUEST 从备用地址回复")
}

func TestReflect_OnTransport(t *testing.T) {
	reflector := newTransport(t)
	reflector.HandleSTUN(Reflect)

	tr := newTransport(t)
	c := NewClient(tr, loopbackConfig(reflector.LocalAddr()))
	c.isLocal = func(netip.AddrPort, netip.AddrPort) bool { return false }

	addr, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tr.LocalAddr(), addr)

	// 单 socket 反射器不公布备用地址，分类保守地给出端口受限
	res, err := c.Classify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.NATTypePortRestricted, res.Type)

	req, err := NewBindingRequest(ChangeRequest{ChangeIP: true})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := tr.RoundTrip(ctx, reflector.LocalAddr(), req)
	require.NoError(t, err)
	_, err = ParseResponse(m)
	assert.ErrorIs(t, err, ErrInvalidResponse, "无法满足的变更请求返回错误响应")

	t.Log("✅ 节点传输可充当 STUN 反射器")
}
