package relay

import (
	"context"
	"encoding/json"
	"net/netip"

	"github.com/slskdn/go-mesh/internal/core/envelope"
	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

// EnvelopeType 中继控制消息的信封类型
const EnvelopeType = "mesh.relay.v1"

// MaxPayload 单个中继数据帧的负载上限
const MaxPayload = 32 << 10

// maxControlSize 控制消息上限（CONNECT 可携带一个小负载）
const maxControlSize = 8 << 10

// peerIDLen 数据帧头部的 PeerID 长度
const peerIDLen = len(types.PeerID{})

// Transport 中继使用的传输能力，由 udp.Transport 实现
type Transport interface {
	Request(ctx context.Context, addr netip.AddrPort, kind udp.Kind, payload []byte) ([]byte, error)
	Send(addr netip.AddrPort, kind udp.Kind, payload []byte) error
	Handle(kind udp.Kind, h udp.Handler)
}

// Candidate 候选中继
type Candidate struct {
	ID   types.PeerID   `json:"id"`
	Addr netip.AddrPort `json:"addr"`
}

// MsgType 控制消息类型
type MsgType uint8

const (
	// MsgReserve 申请或续期预留
	MsgReserve MsgType = iota + 1
	// MsgKeepalive 会话保活
	MsgKeepalive
	// MsgUnreserve 释放预留
	MsgUnreserve
	// MsgConnect 向已预留节点投递协调消息
	MsgConnect
	// MsgOK 成功响应
	MsgOK
	// MsgError 失败响应
	MsgError
)

// String 返回消息类型名
func (t MsgType) String() string {
	switch t {
	case MsgReserve:
		return "RESERVE"
	case MsgKeepalive:
		return "KEEPALIVE"
	case MsgUnreserve:
		return "UNRESERVE"
	case MsgConnect:
		return "CONNECT"
	case MsgOK:
		return "OK"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// control 控制消息
type control struct {
	Type      MsgType      `json:"type"`
	Target    types.PeerID `json:"target,omitempty"`
	Payload   []byte       `json:"payload,omitempty"`
	ExpiresMs int64        `json:"expires_ms,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

func sealControl(m control, signer identity.Signer) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return envelope.Marshal(envelope.Sign(envelope.New(EnvelopeType, body), signer))
}

func openControl(raw []byte) (control, types.PeerID, error) {
	env, err := envelope.Unmarshal(raw, maxControlSize)
	if err != nil || env.Type != EnvelopeType || !envelope.Verify(env) {
		return control{}, types.EmptyPeerID, ErrInvalidMessage
	}
	sender, err := env.Sender()
	if err != nil {
		return control{}, types.EmptyPeerID, ErrInvalidMessage
	}
	var m control
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return control{}, types.EmptyPeerID, ErrInvalidMessage
	}
	return m, sender, nil
}

// encodeData 构造数据帧
func encodeData(peer types.PeerID, payload []byte) []byte {
	buf := make([]byte, 0, peerIDLen+len(payload))
	buf = append(buf, peer[:]...)
	return append(buf, payload...)
}

// decodeData 解析数据帧
func decodeData(b []byte) (types.PeerID, []byte, error) {
	if len(b) < peerIDLen || len(b)-peerIDLen > MaxPayload {
		return types.EmptyPeerID, nil, ErrInvalidMessage
	}
	var id types.PeerID
	copy(id[:], b[:peerIDLen])
	return id, b[peerIDLen:], nil
}
