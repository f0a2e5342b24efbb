package dht

import (
	"context"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/slskdn/go-mesh/internal/core/envelope"
	"github.com/slskdn/go-mesh/pkg/types"
)

// maxRPCSize 单条 DHT RPC 的最大负载
const maxRPCSize = 64 << 10

// ============================================================================
//                              出站 RPC
// ============================================================================

// call 向联系方式发送请求
//
// 请求与响应均为签名信封。c.ID 非空时要求响应者身份与之相符。
// 成功时返回响应和响应者的联系方式。
func (d *DHT) call(ctx context.Context, c types.Contact, req *Message) (*Message, types.Contact, error) {
	op := req.Type.String()

	wire, err := d.seal(req)
	if err != nil {
		return nil, types.Contact{}, opError(op, err)
	}

	rctx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
	defer cancel()

	raw, err := d.net.Request(rctx, c.Addr, wire)
	if err != nil {
		d.metrics.DHTRPC(op, "error")
		return nil, types.Contact{}, opError(op, err)
	}

	resp, sender, env, err := d.open(raw)
	if err == nil && !c.ID.IsEmpty() && sender != c.ID {
		err = ErrSenderMismatch
	}
	if err == nil && resp.Type != req.Type.responseType() {
		err = ErrInvalidMessage
	}
	if err != nil {
		d.metrics.DHTRPC(op, "invalid")
		return nil, types.Contact{}, opError(op, err)
	}

	d.metrics.DHTRPC(op, "ok")
	responder := types.Contact{ID: sender, Addr: c.Addr, PublicKey: env.PublicKey}
	d.observe(responder)
	return resp, responder, nil
}

// seal 编码消息并包装为签名信封
func (d *DHT) seal(m *Message) ([]byte, error) {
	if m.SenderAddr == "" && d.advertise != nil {
		if addr := d.advertise(); addr.IsValid() {
			m.SenderAddr = addr.String()
		}
	}
	body, err := encodeMessage(m)
	if err != nil {
		return nil, err
	}
	env := envelope.Sign(envelope.New(EnvelopeType, body), d.signer)
	return envelope.Marshal(env)
}

// open 解码并验证信封，返回消息与发送方 ID
func (d *DHT) open(raw []byte) (*Message, types.PeerID, *envelope.Envelope, error) {
	env, err := envelope.Unmarshal(raw, maxRPCSize)
	if err != nil {
		return nil, types.EmptyPeerID, nil, ErrInvalidMessage
	}
	if env.Type != EnvelopeType || !envelope.Verify(env) {
		return nil, types.EmptyPeerID, nil, ErrInvalidMessage
	}
	sender, err := env.Sender()
	if err != nil {
		return nil, types.EmptyPeerID, nil, ErrInvalidMessage
	}
	m, err := decodeMessage(env.Payload)
	if err != nil {
		return nil, types.EmptyPeerID, nil, err
	}
	return m, sender, env, nil
}

// ============================================================================
//                              入站 RPC
// ============================================================================

// HandleRequest 处理入站 DHT 请求
//
// 返回错误时不发送响应；调用方视为超时。
func (d *DHT) HandleRequest(ctx context.Context, from netip.AddrPort, raw []byte) ([]byte, error) {
	req, sender, env, err := d.open(raw)
	if err != nil {
		logger.Debug("丢弃无效 DHT 请求", "from", from)
		return nil, err
	}
	if sender == d.signer.PeerID() {
		return nil, ErrInvalidMessage
	}
	if !d.limiter(sender).Allow() {
		logger.Debug("DHT 请求超出速率限制", "peer", sender.ShortString())
		return nil, ErrRateLimited
	}

	contact := types.Contact{ID: sender, Addr: from, PublicKey: env.PublicKey}
	if !from.IsValid() {
		if addr, perr := netip.ParseAddrPort(req.SenderAddr); perr == nil {
			contact.Addr = addr
		}
	}
	d.observe(contact)

	resp := d.handle(req, sender)
	if resp == nil {
		return nil, ErrInvalidMessage
	}
	return d.seal(resp)
}

// handle 按消息类型分派
func (d *DHT) handle(req *Message, sender types.PeerID) *Message {
	switch req.Type {
	case MessageTypePing:
		return &Message{Type: MessageTypePong}

	case MessageTypeFindNode:
		return &Message{
			Type:        MessageTypeFindNodeResponse,
			CloserPeers: toPeerInfos(d.closestExcluding(req.Target, sender)),
		}

	case MessageTypeFindValue:
		if len(req.Key) == 0 || len(req.Key) > MaxKeySize {
			return nil
		}
		if rec, ok := d.store.Get(req.Key); ok {
			return &Message{Type: MessageTypeFindValueResponse, Record: rec}
		}
		return &Message{
			Type:        MessageTypeFindValueResponse,
			CloserPeers: toPeerInfos(d.closestExcluding(KeyToID(req.Key), sender)),
		}

	case MessageTypeStore:
		resp := &Message{Type: MessageTypeStoreResponse}
		if req.Record == nil {
			resp.Error = ErrInvalidMessage.Error()
			return resp
		}
		if err := d.store.Put(req.Record); err != nil {
			logger.Debug("拒绝 STORE", "peer", sender.ShortString(), "err", err)
			resp.Error = err.Error()
		}
		return resp
	}
	return nil
}

func (d *DHT) closestExcluding(target, exclude types.PeerID) []types.Contact {
	cs := d.rt.FindClosest(target, d.cfg.BucketSize+1)
	out := cs[:0]
	for _, c := range cs {
		if c.ID != exclude {
			out = append(out, c)
		}
	}
	if len(out) > d.cfg.BucketSize {
		out = out[:d.cfg.BucketSize]
	}
	return out
}

// limiter 返回发送方的令牌桶（LRU 缓存，限制内存）
func (d *DHT) limiter(id types.PeerID) *rate.Limiter {
	if l, ok := d.limiters.Get(id); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(d.cfg.InboundRate), d.cfg.InboundBurst)
	d.limiters.Add(id, l)
	return l
}

// observe 将成功交互的节点加入路由表
//
// 需要存活探测时在后台进行，不阻塞调用方。
func (d *DHT) observe(c types.Contact) {
	_, oldest := d.rt.insert(c)
	if oldest == nil {
		return
	}
	select {
	case d.probeSem <- struct{}{}:
	default:
		// 探测并发已满，放弃本次探测
		d.rt.abortProbe(*oldest)
		return
	}
	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.probeSem
			d.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.ProbeTimeout+time.Second)
		defer cancel()
		d.rt.probe(ctx, *oldest)
	}()
}
