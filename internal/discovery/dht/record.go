package dht

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/multiformats/go-varint"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/pkg/types"
)

// recordTag 记录签名载荷的域分隔前缀
const recordTag = "mesh.dht.record.v1\x00"

// ============================================================================
//                              Record
// ============================================================================

// Record 签名的 DHT 记录
type Record struct {
	Key         []byte       `json:"key"`
	Value       []byte       `json:"value"`
	TTLSeconds  uint32       `json:"ttl_s"`
	TimestampMs int64        `json:"ts_ms"`
	Signer      types.PeerID `json:"signer"`
	PublicKey   []byte       `json:"pub"`
	Signature   []byte       `json:"sig"`
}

// TTL 返回记录 TTL
func (r *Record) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// SigningBytes 记录签名载荷
//
// 键、值带 uvarint 长度前缀，TTL 与时间戳为定长大端。
func (r *Record) SigningBytes() []byte {
	buf := make([]byte, 0, len(recordTag)+len(r.Key)+len(r.Value)+24)
	buf = append(buf, recordTag...)
	buf = append(buf, varint.ToUvarint(uint64(len(r.Key)))...)
	buf = append(buf, r.Key...)
	buf = append(buf, varint.ToUvarint(uint64(len(r.Value)))...)
	buf = append(buf, r.Value...)
	buf = binary.BigEndian.AppendUint32(buf, r.TTLSeconds)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.TimestampMs))
	return buf
}

// ClampTTL 将 TTL 钳制到 [min, max]，0 使用默认值
func ClampTTL(ttl, min, max time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

// ExpiresAt 返回记录的过期时间：签名时间戳加上钳制后的 TTL
//
// 过期时间只由签名内容决定，重新 STORE 不会延长记录寿命。
func (r *Record) ExpiresAt(min, max time.Duration) time.Time {
	return time.UnixMilli(r.TimestampMs).Add(ClampTTL(r.TTL(), min, max))
}

// NewRecord 创建并签名记录
func NewRecord(key, value []byte, ttl time.Duration, now time.Time, signer identity.Signer) (*Record, error) {
	if len(key) == 0 || len(key) > MaxKeySize {
		return nil, ErrInvalidKey
	}
	if len(value) > MaxValueSize {
		return nil, ErrValueTooLarge
	}
	r := &Record{
		Key:         append([]byte(nil), key...),
		Value:       append([]byte(nil), value...),
		TTLSeconds:  uint32(ttl / time.Second),
		TimestampMs: now.UnixMilli(),
		Signer:      signer.PeerID(),
		PublicKey:   append([]byte(nil), signer.PublicKey()...),
	}
	r.Signature = signer.Sign(r.SigningBytes())
	return r, nil
}

// Verify 校验记录格式、签名者与签名
func (r *Record) Verify() error {
	if r == nil || len(r.Key) == 0 || len(r.Key) > MaxKeySize {
		return ErrInvalidKey
	}
	if len(r.Value) > MaxValueSize {
		return ErrValueTooLarge
	}
	id, err := identity.DerivePeerID(r.PublicKey)
	if err != nil || id != r.Signer {
		return ErrSignerMismatch
	}
	if !identity.Verify(r.SigningBytes(), r.Signature, r.PublicKey) {
		return ErrBadSignature
	}
	return nil
}

// Supersedes 判断 r 是否胜过 other（最后写入者胜）
//
// 先比较时间戳，相同时按签名者 PeerID 字典序，再按签名字节，
// 使所有节点独立收敛到同一胜者。
func (r *Record) Supersedes(other *Record) bool {
	if r.TimestampMs != other.TimestampMs {
		return r.TimestampMs > other.TimestampMs
	}
	if c := r.Signer.Compare(other.Signer); c != 0 {
		return c > 0
	}
	return bytes.Compare(r.Signature, other.Signature) > 0
}

// Equal 判断两条记录是否完全相同
func (r *Record) Equal(other *Record) bool {
	return r.TimestampMs == other.TimestampMs &&
		r.Signer == other.Signer &&
		bytes.Equal(r.Signature, other.Signature)
}
