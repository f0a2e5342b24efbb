package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/slskdn/go-mesh/internal/core/envelope"
	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

// maxQuerySize 查询与应答信封的最大字节数
const maxQuerySize = 32 << 10

// Transport 共识查询使用的请求/响应传输
type Transport interface {
	Request(ctx context.Context, addr netip.AddrPort, kind udp.Kind, payload []byte) ([]byte, error)
	Handle(kind udp.Kind, h udp.Handler)
}

type query struct {
	Key string `json:"key"`
}

// UDPQuerier 通过 UDP 请求/响应查询节点的本地值
//
// 查询与应答都是签名信封，应答签名者必须是被查询的节点。
type UDPQuerier struct {
	signer identity.Signer
	tr     Transport
}

// NewUDPQuerier 创建查询器
func NewUDPQuerier(signer identity.Signer, tr Transport) *UDPQuerier {
	return &UDPQuerier{signer: signer, tr: tr}
}

// Query 实现 Querier
func (q *UDPQuerier) Query(ctx context.Context, peer types.Contact, key string) (Answer, error) {
	body, err := json.Marshal(query{Key: key})
	if err != nil {
		return Answer{}, err
	}
	raw, err := envelope.Marshal(envelope.Sign(envelope.New(QueryType, body), q.signer))
	if err != nil {
		return Answer{}, err
	}
	resp, err := q.tr.Request(ctx, peer.Addr, udp.KindSyncQuery, raw)
	if err != nil {
		return Answer{}, err
	}

	env, err := envelope.Unmarshal(resp, maxQuerySize)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type != AnswerType || !envelope.Verify(env) {
		return Answer{}, ErrInvalidSignature
	}
	if signer, err := env.Sender(); err != nil || signer != peer.ID {
		return Answer{}, ErrSenderMismatch
	}
	var ans Answer
	if err := json.Unmarshal(env.Payload, &ans); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ans, nil
}

// serveQuery 应答共识查询
//
// 查询方被封禁时不应答，对方按弃权处理。
func (s *Service) serveQuery(_ context.Context, _ netip.AddrPort, raw []byte) ([]byte, error) {
	env, err := envelope.Unmarshal(raw, maxQuerySize)
	if err != nil || env.Type != QueryType || !envelope.Verify(env) {
		return nil, ErrInvalidSignature
	}
	asker, err := env.Sender()
	if err != nil {
		return nil, err
	}
	if s.rep != nil && s.rep.IsBanned(asker) {
		return nil, ErrBanned
	}
	var qr query
	if err := json.Unmarshal(env.Payload, &qr); err != nil || qr.Key == "" {
		return nil, ErrMalformed
	}

	ans := Answer{Key: qr.Key}
	if rec, ok := s.state.Get(qr.Key); ok {
		ans.Value = rec.Value
		ans.Timestamp = rec.Timestamp
		ans.Found = true
	}
	body, err := json.Marshal(ans)
	if err != nil {
		return nil, err
	}
	out := envelope.New(AnswerType, body)
	out.TimestampUnixMs = s.cfg.Clock.Now().UnixMilli()
	return envelope.Marshal(envelope.Sign(out, s.signer))
}
