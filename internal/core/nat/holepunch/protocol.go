package holepunch

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/slskdn/go-mesh/internal/core/envelope"
	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/pkg/types"
)

// EnvelopeType 打洞消息的信封类型
const EnvelopeType = "mesh.punch.v1"

// maxProbeSize 探测消息上限
const maxProbeSize = 1024

// probe 打洞探测或确认
//
// 探测与确认都签名：确认必须来自预期的对端，且回显探测的 nonce。
type probe struct {
	Nonce  string       `json:"nonce"`
	Target types.PeerID `json:"target"`
	Ack    bool         `json:"ack,omitempty"`
}

func newNonce() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// sealProbe 编码并签名
func sealProbe(p probe, signer identity.Signer) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return envelope.Marshal(envelope.Sign(envelope.New(EnvelopeType, body), signer))
}

// openProbe 验证签名并解码，返回消息与发送方
func openProbe(raw []byte) (probe, types.PeerID, error) {
	env, err := envelope.Unmarshal(raw, maxProbeSize)
	if err != nil || env.Type != EnvelopeType || !envelope.Verify(env) {
		return probe{}, types.EmptyPeerID, ErrInvalidProbe
	}
	sender, err := env.Sender()
	if err != nil {
		return probe{}, types.EmptyPeerID, ErrInvalidProbe
	}
	var p probe
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Nonce == "" {
		return probe{}, types.EmptyPeerID, ErrInvalidProbe
	}
	return p, sender, nil
}
