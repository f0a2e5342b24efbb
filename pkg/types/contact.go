package types

import (
	"fmt"
	"net/netip"
	"time"
)

// ============================================================================
//                              Contact - 节点联系方式
// ============================================================================

// Contact 已知节点的联系方式
//
// 路由表按值保存 Contact，外部一律通过 PeerID 引用。
type Contact struct {
	// ID 节点标识
	ID PeerID `json:"id"`

	// Addr 网络地址（UDP）
	Addr netip.AddrPort `json:"addr"`

	// PublicKey Ed25519 公钥，可为空（未握手前）
	PublicKey []byte `json:"public_key,omitempty"`

	// LastSeen 最后一次成功交互
	LastSeen time.Time `json:"last_seen"`
}

// String 返回简短描述
func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID.ShortString(), c.Addr)
}

// Valid 是否可用于路由
func (c Contact) Valid() bool {
	return !c.ID.IsEmpty() && c.Addr.IsValid()
}
