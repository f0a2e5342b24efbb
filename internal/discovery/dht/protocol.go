package dht

import (
	"encoding/json"
	"net/netip"

	"github.com/slskdn/go-mesh/pkg/types"
)

// EnvelopeType DHT RPC 的信封类型
const EnvelopeType = "mesh.dht.v1"

// MessageType DHT 消息类型
type MessageType uint8

const (
	// MessageTypePing 存活探测
	MessageTypePing MessageType = iota + 1
	// MessageTypePong 存活响应
	MessageTypePong
	// MessageTypeFindNode 查找节点
	MessageTypeFindNode
	// MessageTypeFindNodeResponse 查找节点响应
	MessageTypeFindNodeResponse
	// MessageTypeFindValue 查找值
	MessageTypeFindValue
	// MessageTypeFindValueResponse 查找值响应
	MessageTypeFindValueResponse
	// MessageTypeStore 存储记录
	MessageTypeStore
	// MessageTypeStoreResponse 存储响应
	MessageTypeStoreResponse
)

// String 返回消息类型名称（用作指标标签）
func (t MessageType) String() string {
	switch t {
	case MessageTypePing:
		return "ping"
	case MessageTypePong:
		return "pong"
	case MessageTypeFindNode:
		return "find_node"
	case MessageTypeFindNodeResponse:
		return "find_node_response"
	case MessageTypeFindValue:
		return "find_value"
	case MessageTypeFindValueResponse:
		return "find_value_response"
	case MessageTypeStore:
		return "store"
	case MessageTypeStoreResponse:
		return "store_response"
	default:
		return "unknown"
	}
}

// responseType 请求对应的响应类型
func (t MessageType) responseType() MessageType {
	switch t {
	case MessageTypePing:
		return MessageTypePong
	case MessageTypeFindNode:
		return MessageTypeFindNodeResponse
	case MessageTypeFindValue:
		return MessageTypeFindValueResponse
	case MessageTypeStore:
		return MessageTypeStoreResponse
	default:
		return 0
	}
}

// PeerInfo 消息中携带的节点信息
type PeerInfo struct {
	ID   types.PeerID `json:"id"`
	Addr string       `json:"addr"`
}

// Contact 转换为联系方式，地址无效时返回 false
func (p PeerInfo) Contact() (types.Contact, bool) {
	addr, err := netip.ParseAddrPort(p.Addr)
	if err != nil || p.ID.IsEmpty() {
		return types.Contact{}, false
	}
	return types.Contact{ID: p.ID, Addr: addr}, true
}

// Message DHT 消息
//
// 线路上每条消息都包在签名信封内，发送方身份由信封公钥派生，
// 消息体本身不携带可伪造的发送方 ID。
type Message struct {
	Type MessageType `json:"type"`

	// SenderAddr 发送方公布的地址（可为空，此时使用观测地址）
	SenderAddr string `json:"sender_addr,omitempty"`

	// Target FIND_NODE 目标
	Target types.PeerID `json:"target,omitempty"`

	// Key FIND_VALUE 键
	Key []byte `json:"key,omitempty"`

	// Record STORE 请求或 FIND_VALUE 响应中的记录
	Record *Record `json:"record,omitempty"`

	// CloserPeers 更近的节点
	CloserPeers []PeerInfo `json:"closer,omitempty"`

	// Error STORE 失败原因
	Error string `json:"error,omitempty"`
}

func encodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrInvalidMessage
	}
	if m.Type == 0 {
		return nil, ErrInvalidMessage
	}
	return &m, nil
}

func toPeerInfos(cs []types.Contact) []PeerInfo {
	out := make([]PeerInfo, 0, len(cs))
	for _, c := range cs {
		out = append(out, PeerInfo{ID: c.ID, Addr: c.Addr.String()})
	}
	return out
}
