package udp

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func newLoopback(t *testing.T) *Transport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	tr, err := Listen(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestFrame_RoundTrip(t *testing.T) {
	small := frame{kind: KindDHT, reqID: 42, payload: []byte("ping")}
	f, err := decodeFrame(encodeFrame(small, 1024), 64<<10)
	require.NoError(t, err)
	assert.Equal(t, small, f)

	big := frame{kind: KindData, response: true, reqID: 7, payload: bytes.Repeat([]byte("mesh"), 1000)}
	wire := encodeFrame(big, 1024)
	assert.Less(t, len(wire), len(big.payload), "大负载应被压缩")
	assert.NotZero(t, wire[1]&flagCompressed)

	f, err = decodeFrame(wire, 64<<10)
	require.NoError(t, err)
	assert.Equal(t, big, f)

	_, err = decodeFrame(wire, 100)
	assert.ErrorIs(t, err, ErrFrameTooLarge, "解压后超限应拒绝")

	_, err = decodeFrame([]byte{0x01, 0, 0}, 64<<10)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	t.Log("✅ 帧编解码与 s2 压缩")
}

func TestTransport_RequestResponse(t *testing.T) {
	server := newLoopback(t)
	client := newLoopback(t)

	server.Handle(KindDHT, func(_ context.Context, from netip.AddrPort, payload []byte) ([]byte, error) {
		assert.Equal(t, client.LocalAddr(), from)
		return append([]byte("echo:"), payload...), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, server.LocalAddr(), KindDHT, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hello"), resp)

	large := bytes.Repeat([]byte{0xAB}, 20<<10)
	resp, err = client.Request(ctx, server.LocalAddr(), KindDHT, large)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("echo:"), large...), resp)

	t.Log("✅ 请求响应按请求 ID 匹配")
}

func TestTransport_NoResponseTimesOut(t *testing.T) {
	server := newLoopback(t)
	client := newLoopback(t)

	// 未注册处理函数与返回 nil 都不响应
	server.Handle(KindPunch, func(context.Context, netip.AddrPort, []byte) ([]byte, error) {
		return nil, nil
	})

	for _, kind := range []Kind{KindDHT, KindPunch} {
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		_, err := client.Request(ctx, server.LocalAddr(), kind, []byte("x"))
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestTransport_SendOneWay(t *testing.T) {
	server := newLoopback(t)
	client := newLoopback(t)

	got := make(chan []byte, 1)
	server.Handle(KindKeepalive, func(_ context.Context, _ netip.AddrPort, payload []byte) ([]byte, error) {
		got <- payload
		return nil, nil
	})

	require.NoError(t, client.Send(server.LocalAddr(), KindKeepalive, []byte("ka")))
	select {
	case p := <-got:
		assert.Equal(t, []byte("ka"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到单向帧")
	}
}

func TestTransport_RejectsOversized(t *testing.T) {
	server := newLoopback(t)
	client := newLoopback(t)

	// 不可压缩的超大负载在发送端即被拒绝
	payload := make([]byte, 70<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	err = client.Send(server.LocalAddr(), KindData, payload)
	assert.Error(t, err)
}

func TestTransport_Closed(t *testing.T) {
	tr := newLoopback(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Request(context.Background(), tr.LocalAddr(), KindDHT, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Send(tr.LocalAddr(), KindDHT, nil), ErrClosed)
}

func TestModule_Lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	var tr *Transport
	app := fxtest.New(t,
		fx.Supply(&cfg),
		Module(),
		fx.Populate(&tr),
	)
	app.RequireStart()
	require.NotNil(t, tr)
	assert.True(t, tr.LocalAddr().IsValid())
	app.RequireStop()

	assert.ErrorIs(t, tr.Send(tr.LocalAddr(), KindDHT, nil), ErrClosed)
}

func TestTransport_STUNOnSharedSocket(t *testing.T) {
	reflector := newLoopback(t)
	client := newLoopback(t)

	reflector.HandleSTUN(func(from netip.AddrPort, req *stun.Message) *stun.Message {
		resp, err := stun.Build(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())},
		)
		if err != nil {
			return nil
		}
		return resp
	})
	// 同一 socket 上的帧处理不受影响
	reflector.Handle(KindDHT, func(_ context.Context, _ netip.AddrPort, p []byte) ([]byte, error) {
		return p, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	resp, err := client.RoundTrip(ctx, reflector.LocalAddr(), req)
	require.NoError(t, err)
	assert.Equal(t, req.TransactionID, resp.TransactionID)

	var xor stun.XORMappedAddress
	require.NoError(t, xor.GetFrom(resp))
	assert.Equal(t, int(client.LocalAddr().Port()), xor.Port)

	echo, err := client.Request(ctx, reflector.LocalAddr(), KindDHT, []byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), echo)

	t.Log("✅ STUN 与帧共享同一 socket")
}
