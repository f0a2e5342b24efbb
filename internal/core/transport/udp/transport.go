// Package udp 实现单 socket 的 UDP 传输
//
// 一个节点只使用一个 UDP socket，承载 DHT RPC、打洞探测、中继与保活。
// STUN 请求也从同一 socket 发出，使观测到的映射地址正是对端需要打洞的地址。
//
// 帧格式：
//
//	[1B kind][1B flags][8B request id][payload]
//
// flags 第 0 位表示 s2 压缩，第 1 位表示响应帧。
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/stun"

	"github.com/slskdn/go-mesh/pkg/lib/log"
)

var logger = log.Logger("transport/udp")

// Handler 入站帧处理函数
//
// 对请求帧，返回非 nil 的负载会作为响应发回；返回 nil 表示不响应。
type Handler func(ctx context.Context, from netip.AddrPort, payload []byte) ([]byte, error)

// STUNHandler 入站 STUN 请求处理函数，返回 nil 表示不响应
type STUNHandler func(from netip.AddrPort, req *stun.Message) *stun.Message

// pendingKey 等待中的请求（按对端地址与请求 ID 匹配）
type pendingKey struct {
	addr  netip.AddrPort
	reqID uint64
}

// Transport UDP 传输
type Transport struct {
	config Config
	conn   *net.UDPConn
	local  netip.AddrPort

	handlersMu sync.RWMutex
	handlers   map[Kind]Handler

	pendingMu sync.Mutex
	pending   map[pendingKey]chan []byte

	stunMu      sync.Mutex
	stunWaiters map[[stun.TransactionIDSize]byte]chan *stun.Message
	stunHandler atomic.Pointer[STUNHandler]

	nextID   atomic.Uint64
	sem      chan struct{}
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	dropped  atomic.Uint64
	received atomic.Uint64
}

// Listen 打开 UDP socket 并开始接收
func Listen(cfg Config) (*Transport, error) {
	if cfg.MaxFrameSize <= headerSize {
		return nil, fmt.Errorf("udp: max frame size must exceed %d", headerSize)
	}
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = DefaultConfig().MaxConcurrentHandlers
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultConfig().HandlerTimeout
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		config:      cfg,
		conn:        conn,
		local:       conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		handlers:    make(map[Kind]Handler),
		pending:     make(map[pendingKey]chan []byte),
		stunWaiters: make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
		sem:         make(chan struct{}, cfg.MaxConcurrentHandlers),
		ctx:         ctx,
		cancel:      cancel,
	}
	t.nextID.Store(uint64(time.Now().UnixNano()))

	t.wg.Add(1)
	go t.readLoop()

	logger.Info("UDP 传输已监听", "addr", t.local)
	return t, nil
}

// LocalAddr 返回本地监听地址
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.local
}

// Handle 注册某类帧的入站处理函数
func (t *Transport) Handle(kind Kind, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[kind] = h
}

// Close 关闭传输
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	logger.Debug("UDP 传输已关闭",
		"received", t.received.Load(),
		"dropped", t.dropped.Load())
	return err
}

// ============================================================================
//                              发送
// ============================================================================

// Send 发送单向帧（不等待响应）
func (t *Transport) Send(addr netip.AddrPort, kind Kind, payload []byte) error {
	return t.write(addr, frame{kind: kind, reqID: t.nextID.Add(1), payload: payload})
}

// Request 发送请求帧并等待同一对端的响应
//
// 响应按 (对端地址, 请求 ID) 匹配，遵守 ctx 截止时间。
func (t *Transport) Request(ctx context.Context, addr netip.AddrPort, kind Kind, payload []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	addr = normalize(addr)
	id := t.nextID.Add(1)
	key := pendingKey{addr: addr, reqID: id}
	ch := make(chan []byte, 1)

	t.pendingMu.Lock()
	t.pending[key] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, key)
		t.pendingMu.Unlock()
	}()

	if err := t.write(addr, frame{kind: kind, reqID: id, payload: payload}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrClosed
	}
}

func (t *Transport) write(addr netip.AddrPort, f frame) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !addr.IsValid() {
		return ErrInvalidAddress
	}
	buf := encodeFrame(f, t.config.CompressThreshold)
	if len(buf) > t.config.MaxFrameSize {
		return ErrFrameTooLarge
	}
	_, err := t.conn.WriteToUDPAddrPort(buf, addr)
	return err
}

// ============================================================================
//                              STUN
// ============================================================================

// RoundTrip 从传输 socket 发送 STUN 请求并等待同一事务 ID 的响应
func (t *Transport) RoundTrip(ctx context.Context, server netip.AddrPort, req *stun.Message) (*stun.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	ch := make(chan *stun.Message, 1)
	t.stunMu.Lock()
	t.stunWaiters[req.TransactionID] = ch
	t.stunMu.Unlock()
	defer func() {
		t.stunMu.Lock()
		delete(t.stunWaiters, req.TransactionID)
		t.stunMu.Unlock()
	}()

	if _, err := t.conn.WriteToUDPAddrPort(req.Raw, server); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrClosed
	}
}

// HandleSTUN 注册入站 STUN 请求处理函数，使本节点充当反射器
func (t *Transport) HandleSTUN(h STUNHandler) {
	t.stunHandler.Store(&h)
}

func (t *Transport) dispatchSTUN(from netip.AddrPort, b []byte) {
	m := new(stun.Message)
	if err := stun.Decode(append([]byte(nil), b...), m); err != nil {
		t.dropped.Add(1)
		return
	}
	if m.Type.Class == stun.ClassRequest {
		t.answerSTUN(normalize(from), m)
		return
	}
	t.stunMu.Lock()
	ch, ok := t.stunWaiters[m.TransactionID]
	t.stunMu.Unlock()
	if !ok {
		t.dropped.Add(1)
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (t *Transport) answerSTUN(from netip.AddrPort, req *stun.Message) {
	h := t.stunHandler.Load()
	if h == nil {
		t.dropped.Add(1)
		return
	}
	resp := (*h)(from, req)
	if resp == nil {
		return
	}
	if _, err := t.conn.WriteToUDPAddrPort(resp.Raw, from); err != nil {
		logger.Debug("发送 STUN 响应失败", "to", from, "err", err)
	}
}

// ============================================================================
//                              接收
// ============================================================================

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, t.config.MaxFrameSize+1)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("读取 UDP 数据失败", "err", err)
			continue
		}
		t.received.Add(1)
		if n > t.config.MaxFrameSize {
			t.dropped.Add(1)
			continue
		}
		b := buf[:n]
		if n > 0 && b[0] < 0x40 && stun.IsMessage(b) {
			t.dispatchSTUN(from, b)
			continue
		}

		f, err := decodeFrame(b, t.config.MaxFrameSize)
		if err != nil {
			t.dropped.Add(1)
			continue
		}
		from = normalize(from)
		if f.response {
			t.deliver(from, f)
			continue
		}
		t.dispatch(from, f)
	}
}

// deliver 将响应交给等待中的请求
func (t *Transport) deliver(from netip.AddrPort, f frame) {
	t.pendingMu.Lock()
	ch, ok := t.pending[pendingKey{addr: from, reqID: f.reqID}]
	t.pendingMu.Unlock()
	if !ok {
		t.dropped.Add(1)
		return
	}
	select {
	case ch <- f.payload:
	default:
	}
}

// dispatch 在独立 goroutine 中处理请求帧
func (t *Transport) dispatch(from netip.AddrPort, f frame) {
	t.handlersMu.RLock()
	h, ok := t.handlers[f.kind]
	t.handlersMu.RUnlock()
	if !ok {
		t.dropped.Add(1)
		return
	}

	select {
	case t.sem <- struct{}{}:
	default:
		t.dropped.Add(1)
		logger.Debug("入站处理已满，丢弃帧", "kind", f.kind.String(), "from", from)
		return
	}

	t.wg.Add(1)
	go func() {
		defer func() {
			<-t.sem
			t.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(t.ctx, t.config.HandlerTimeout)
		defer cancel()

		resp, err := h(ctx, from, f.payload)
		if err != nil || resp == nil {
			return
		}
		if err := t.write(from, frame{kind: f.kind, response: true, reqID: f.reqID, payload: resp}); err != nil {
			logger.Debug("发送响应失败", "kind", f.kind.String(), "to", from, "err", err)
		}
	}()
}

// normalize 将 IPv4 映射的 IPv6 地址还原为 IPv4，保证匹配一致
func normalize(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}
