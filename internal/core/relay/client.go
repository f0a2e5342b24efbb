package relay

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

// DataFunc 收到经中继投递的数据时调用
//
// src 由中继填写，relay 为投递该帧的中继地址。
type DataFunc func(src types.PeerID, relay netip.AddrPort, payload []byte)

// Client 中继客户端
type Client struct {
	cfg    ClientConfig
	signer identity.Signer
	tr     Transport

	mu     sync.RWMutex
	relays map[netip.AddrPort]int // 已预留中继地址的引用计数
	onData DataFunc
}

// NewClient 创建中继客户端并注册投递处理函数
func NewClient(cfg ClientConfig, signer identity.Signer, tr Transport) *Client {
	def := DefaultClientConfig()
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	c := &Client{
		cfg:    cfg,
		signer: signer,
		tr:     tr,
		relays: make(map[netip.AddrPort]int),
	}
	tr.Handle(udp.KindRelayDeliver, c.handleDeliver)
	return c
}

// OnData 设置数据回调
func (c *Client) OnData(fn DataFunc) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

// Reserve 按顺序向候选中继申请预留，返回第一个成功的会话
//
// 会话保活失败时会在这些候选之间切换。
func (c *Client) Reserve(ctx context.Context, candidates ...Candidate) (*Session, error) {
	if len(candidates) == 0 {
		return nil, ErrNoRelay
	}
	var lastErr error
	for i, cand := range candidates {
		if err := c.reserveAt(ctx, cand); err != nil {
			logger.Debug("中继预留失败", "relay", cand.Addr, "err", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return newSession(c, candidates, i), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoRelay, lastErr)
}

// Signal 经中继向已预留的 target 投递一条协调消息
//
// 本端无需在该中继预留。
func (c *Client) Signal(ctx context.Context, relay Candidate, target types.PeerID, payload []byte) error {
	_, err := c.request(ctx, relay, control{Type: MsgConnect, Target: target, Payload: payload})
	return err
}

// ============================================================================
//                              内部实现
// ============================================================================

func (c *Client) reserveAt(ctx context.Context, relay Candidate) error {
	if _, err := c.request(ctx, relay, control{Type: MsgReserve}); err != nil {
		return err
	}
	c.track(relay.Addr)
	logger.Info("中继预留成功", "relay", relay.Addr, "id", relay.ID.ShortString())
	return nil
}

// request 发送控制请求并校验响应签名者
func (c *Client) request(ctx context.Context, relay Candidate, m control) (control, error) {
	wire, err := sealControl(m, c.signer)
	if err != nil {
		return control{}, err
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	raw, err := c.tr.Request(rctx, relay.Addr, udp.KindRelay, wire)
	if err != nil {
		return control{}, err
	}
	resp, sender, err := openControl(raw)
	if err != nil {
		return control{}, err
	}
	if !relay.ID.IsEmpty() && sender != relay.ID {
		return control{}, ErrRelayMismatch
	}
	switch resp.Type {
	case MsgOK:
		return resp, nil
	case MsgError:
		return resp, fmt.Errorf("%w: %s", ErrDenied, resp.Reason)
	default:
		return control{}, ErrInvalidMessage
	}
}

func (c *Client) track(addr netip.AddrPort) {
	c.mu.Lock()
	c.relays[addr]++
	c.mu.Unlock()
}

func (c *Client) untrack(addr netip.AddrPort) {
	c.mu.Lock()
	if c.relays[addr] <= 1 {
		delete(c.relays, addr)
	} else {
		c.relays[addr]--
	}
	c.mu.Unlock()
}

// handleDeliver 只接受来自已预留中继的投递
func (c *Client) handleDeliver(_ context.Context, from netip.AddrPort, b []byte) ([]byte, error) {
	c.mu.RLock()
	_, known := c.relays[from]
	fn := c.onData
	c.mu.RUnlock()
	if !known {
		return nil, nil
	}
	src, payload, err := decodeData(b)
	if err != nil {
		return nil, nil
	}
	if src == c.signer.PeerID() {
		return nil, nil
	}
	if fn != nil {
		fn(src, from, append([]byte(nil), payload...))
	}
	return nil, nil
}

// release 尽力释放预留
func (c *Client) release(relay Candidate) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.request(ctx, relay, control{Type: MsgUnreserve}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("释放中继预留失败", "relay", relay.Addr, "err", err)
	}
	c.untrack(relay.Addr)
}
