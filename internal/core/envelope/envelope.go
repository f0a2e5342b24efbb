// Package envelope 实现签名控制信封
//
// 信封封装任意应用负载，携带发送方公钥、时间戳与签名。
// 新信封一律使用规范编码签名；验证时先试规范编码，
// 失败后再试一种旧版拼接编码，兼容旧版软件签发的信封。
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/pkg/types"
)

// canonicalTag 规范编码的域分隔前缀
const canonicalTag = "mesh.envelope.v1\x00"

// Envelope 签名控制信封
type Envelope struct {
	// Type 负载类型，如 "mesh.sync.v1"
	Type string

	// MessageID 每个发送方唯一，用于重放跟踪
	MessageID string

	// TimestampUnixMs 签发时间（毫秒）
	TimestampUnixMs int64

	// Payload 应用负载
	Payload []byte

	// PublicKey 发送方 Ed25519 公钥（32 字节）
	PublicKey []byte

	// Signature Ed25519 签名（64 字节）
	Signature []byte
}

// New 创建未签名信封，MessageID 使用随机 UUID
func New(typ string, payload []byte) *Envelope {
	return &Envelope{
		Type:            typ,
		MessageID:       uuid.NewString(),
		TimestampUnixMs: time.Now().UnixMilli(),
		Payload:         payload,
	}
}

// Timestamp 返回签发时间
func (e *Envelope) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampUnixMs)
}

// Sender 从公钥派生发送方 PeerID
func (e *Envelope) Sender() (types.PeerID, error) {
	return identity.DerivePeerID(e.PublicKey)
}

// ============================================================================
//                              签名载荷编码
// ============================================================================

// CanonicalBytes 规范签名载荷
//
// 字段顺序固定：Type、MessageID、TimestampUnixMs、Payload。
// 变长字段带 uvarint 长度前缀，时间戳为 8 字节大端，
// 不同的字段组合不可能编码出相同字节。
func CanonicalBytes(typ, messageID string, tsMs int64, payload []byte) []byte {
	size := len(canonicalTag) +
		varint.UvarintSize(uint64(len(typ))) + len(typ) +
		varint.UvarintSize(uint64(len(messageID))) + len(messageID) +
		8 +
		varint.UvarintSize(uint64(len(payload))) + len(payload)

	buf := make([]byte, 0, size)
	buf = append(buf, canonicalTag...)
	buf = appendBytes(buf, []byte(typ))
	buf = appendBytes(buf, []byte(messageID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(tsMs))
	buf = appendBytes(buf, payload)
	return buf
}

// LegacyBytes 旧版签名载荷
//
// 格式："Type|MessageID|TimestampUnixMs|base64(Payload)"。
// 分隔符可出现在字段内容中，仅用于验证旧版信封。
func LegacyBytes(typ, messageID string, tsMs int64, payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString(typ)
	b.WriteByte('|')
	b.WriteString(messageID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(tsMs, 10))
	b.WriteByte('|')
	b.WriteString(base64.StdEncoding.EncodeToString(payload))
	return b.Bytes()
}

func appendBytes(buf, field []byte) []byte {
	buf = append(buf, varint.ToUvarint(uint64(len(field)))...)
	return append(buf, field...)
}

// ============================================================================
//                              签名与验证
// ============================================================================

// Sign 使用本地身份对信封进行规范签名
//
// 缺失的 MessageID 与时间戳会被补全。返回签名后的副本，原信封不变。
func Sign(e *Envelope, signer identity.Signer) *Envelope {
	out := *e
	if out.MessageID == "" {
		out.MessageID = uuid.NewString()
	}
	if out.TimestampUnixMs == 0 {
		out.TimestampUnixMs = time.Now().UnixMilli()
	}
	out.PublicKey = append([]byte(nil), signer.PublicKey()...)
	out.Signature = signer.Sign(CanonicalBytes(out.Type, out.MessageID, out.TimestampUnixMs, out.Payload))
	return &out
}

// Verify 验证信封签名
//
// 公钥或签名为空、长度错误时返回 false，不会 panic。
func Verify(e *Envelope) bool {
	if e == nil {
		return false
	}
	if len(e.PublicKey) != ed25519.PublicKeySize || len(e.Signature) != ed25519.SignatureSize {
		return false
	}
	if identity.Verify(CanonicalBytes(e.Type, e.MessageID, e.TimestampUnixMs, e.Payload), e.Signature, e.PublicKey) {
		return true
	}
	return identity.Verify(LegacyBytes(e.Type, e.MessageID, e.TimestampUnixMs, e.Payload), e.Signature, e.PublicKey)
}
