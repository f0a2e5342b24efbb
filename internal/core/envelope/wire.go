package envelope

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/multiformats/go-varint"
)

// 线路格式限制
const (
	// MaxTypeLen Type 最大长度
	MaxTypeLen = 128

	// MaxMessageIDLen MessageID 最大长度
	MaxMessageIDLen = 128

	// DefaultMaxPayload 默认最大负载
	DefaultMaxPayload = 256 << 10
)

var (
	// ErrTruncated 数据截断
	ErrTruncated = errors.New("envelope: truncated")

	// ErrFieldTooLarge 字段超出限制
	ErrFieldTooLarge = errors.New("envelope: field too large")

	// ErrTrailingData 尾部存在多余数据
	ErrTrailingData = errors.New("envelope: trailing data")

	// ErrUnsigned 信封未签名
	ErrUnsigned = errors.New("envelope: unsigned")
)

// Marshal 编码为线路格式
//
//	uvarint len | Type
//	uvarint len | MessageID
//	int64 BE    | TimestampUnixMs
//	uvarint len | Payload
//	32 B        | PublicKey
//	64 B        | Signature
func Marshal(e *Envelope) ([]byte, error) {
	if len(e.PublicKey) != ed25519.PublicKeySize || len(e.Signature) != ed25519.SignatureSize {
		return nil, ErrUnsigned
	}
	if len(e.Type) > MaxTypeLen || len(e.MessageID) > MaxMessageIDLen {
		return nil, ErrFieldTooLarge
	}
	buf := make([]byte, 0, 16+len(e.Type)+len(e.MessageID)+len(e.Payload)+ed25519.PublicKeySize+ed25519.SignatureSize)
	buf = appendBytes(buf, []byte(e.Type))
	buf = appendBytes(buf, []byte(e.MessageID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.TimestampUnixMs))
	buf = appendBytes(buf, e.Payload)
	buf = append(buf, e.PublicKey...)
	buf = append(buf, e.Signature...)
	return buf, nil
}

// Unmarshal 从线路格式解码
//
// maxPayload <= 0 时使用 DefaultMaxPayload。长度前缀在分配内存前校验。
func Unmarshal(data []byte, maxPayload int) (*Envelope, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	r := reader{buf: data}

	typ, err := r.field(MaxTypeLen)
	if err != nil {
		return nil, err
	}
	msgID, err := r.field(MaxMessageIDLen)
	if err != nil {
		return nil, err
	}
	ts, err := r.fixed(8)
	if err != nil {
		return nil, err
	}
	payload, err := r.field(maxPayload)
	if err != nil {
		return nil, err
	}
	pub, err := r.fixed(ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	sig, err := r.fixed(ed25519.SignatureSize)
	if err != nil {
		return nil, err
	}
	if len(r.buf) != 0 {
		return nil, ErrTrailingData
	}

	return &Envelope{
		Type:            string(typ),
		MessageID:       string(msgID),
		TimestampUnixMs: int64(binary.BigEndian.Uint64(ts)),
		Payload:         append([]byte(nil), payload...),
		PublicKey:       append([]byte(nil), pub...),
		Signature:       append([]byte(nil), sig...),
	}, nil
}

type reader struct {
	buf []byte
}

func (r *reader) field(max int) ([]byte, error) {
	n, size, err := varint.FromUvarint(r.buf)
	if err != nil {
		return nil, ErrTruncated
	}
	if n > uint64(max) {
		return nil, ErrFieldTooLarge
	}
	r.buf = r.buf[size:]
	return r.fixed(int(n))
}

func (r *reader) fixed(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, ErrTruncated
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}
