package dht

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
)

// newUDPNode 通过 fx 组装一个基于回环 UDP 的 DHT 节点
func newUDPNode(t *testing.T, bootstrap ...netip.AddrPort) (*DHT, *udp.Transport) {
	t.Helper()
	udpCfg := udp.DefaultConfig()
	udpCfg.ListenAddr = "127.0.0.1:0"
	dhtCfg := NewConfig(WithRPCTimeout(time.Second), WithBootstrapPeers(bootstrap...))
	idCfg := identity.Config{}

	var (
		d  *DHT
		tr *udp.Transport
	)
	app := fxtest.New(t,
		fx.Supply(&udpCfg, &dhtCfg, &idCfg),
		identity.Module(),
		udp.Module(),
		Module(),
		fx.Populate(&d, &tr),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)
	return d, tr
}

func TestModule_UDPRoundTrip(t *testing.T) {
	seed, seedTr := newUDPNode(t)
	a, _ := newUDPNode(t, seedTr.LocalAddr())
	b, _ := newUDPNode(t, seedTr.LocalAddr())

	assert.GreaterOrEqual(t, seed.RoutingTable().Size(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := a.Store(ctx, []byte("udp:key"), []byte("over-the-wire"), time.Hour)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	v, err := b.Get(ctx, []byte("udp:key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("over-the-wire"), v)

	t.Log("✅ 回环 UDP 上的 STORE / FIND_VALUE")
}
