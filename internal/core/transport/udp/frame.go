package udp

import (
	"encoding/binary"

	"github.com/klauspost/compress/s2"
)

// Kind 帧类型
//
// 取值从 0x80 开始，首字节最高两位为 1，与 STUN 消息（最高两位为 0）区分。
type Kind uint8

const (
	// KindDHT DHT RPC
	KindDHT Kind = 0x80 + iota
	// KindPunch 打洞探测
	KindPunch
	// KindKeepalive 路径保活
	KindKeepalive
	// KindRelay 中继控制
	KindRelay
	// KindRelayData 客户端发往中继的数据
	KindRelayData
	// KindData 应用数据
	KindData
	// KindRelayDeliver 中继投递给客户端的数据
	KindRelayDeliver
	// KindSyncQuery 同步共识查询
	KindSyncQuery
)

// String 返回帧类型名称
func (k Kind) String() string {
	switch k {
	case KindDHT:
		return "dht"
	case KindPunch:
		return "punch"
	case KindKeepalive:
		return "keepalive"
	case KindRelay:
		return "relay"
	case KindRelayData:
		return "relay_data"
	case KindData:
		return "data"
	case KindRelayDeliver:
		return "relay_deliver"
	case KindSyncQuery:
		return "sync_query"
	default:
		return "unknown"
	}
}

// 帧标志位
const (
	flagCompressed byte = 1 << 0
	flagResponse   byte = 1 << 1
)

// headerSize [1B kind][1B flags][8B request id]
const headerSize = 10

// frame 解码后的帧
type frame struct {
	kind     Kind
	response bool
	reqID    uint64
	payload  []byte
}

// encodeFrame 编码帧，负载超过阈值时尝试 s2 压缩
func encodeFrame(f frame, compressThreshold int) []byte {
	payload := f.payload
	var flags byte
	if f.response {
		flags |= flagResponse
	}
	if compressThreshold > 0 && len(payload) > compressThreshold {
		if c := s2.Encode(nil, payload); len(c) < len(payload) {
			payload = c
			flags |= flagCompressed
		}
	}

	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(f.kind)
	buf[1] = flags
	binary.BigEndian.PutUint64(buf[2:10], f.reqID)
	copy(buf[headerSize:], payload)
	return buf
}

// decodeFrame 解码帧，maxPayload 限制解压后大小
func decodeFrame(b []byte, maxPayload int) (frame, error) {
	if len(b) < headerSize || b[0] < byte(KindDHT) {
		return frame{}, ErrMalformedFrame
	}
	f := frame{
		kind:     Kind(b[0]),
		response: b[1]&flagResponse != 0,
		reqID:    binary.BigEndian.Uint64(b[2:10]),
	}
	payload := b[headerSize:]
	if b[1]&flagCompressed != 0 {
		n, err := s2.DecodedLen(payload)
		if err != nil {
			return frame{}, ErrMalformedFrame
		}
		if n > maxPayload {
			return frame{}, ErrFrameTooLarge
		}
		out, err := s2.Decode(nil, payload)
		if err != nil {
			return frame{}, ErrMalformedFrame
		}
		payload = out
	} else {
		payload = append([]byte(nil), payload...)
	}
	f.payload = payload
	return f, nil
}
