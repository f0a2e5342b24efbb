package nat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/slskdn/go-mesh/internal/core/relay"
	"github.com/slskdn/go-mesh/internal/discovery/dht"
	"github.com/slskdn/go-mesh/pkg/types"
)

// rendezvousPrefix 会合记录键前缀
const rendezvousPrefix = "rendezvous/"

// Directory 会合记录的存取，由 *dht.DHT 实现
type Directory interface {
	FindValue(ctx context.Context, key []byte) (*dht.Record, error)
	Store(ctx context.Context, key, value []byte, ttl time.Duration) (int, error)
	PingAddr(ctx context.Context, addr netip.AddrPort) (types.Contact, error)
}

// Rendezvous 节点发布到 DHT 的可达性信息
type Rendezvous struct {
	Addrs     []netip.AddrPort  `json:"addrs"`
	NATType   types.NATType     `json:"nat_type"`
	Relays    []relay.Candidate `json:"relays,omitempty"`
	Timestamp int64             `json:"ts"`
}

// RendezvousKey 返回节点会合记录的键
func RendezvousKey(id types.PeerID) []byte {
	return []byte(rendezvousPrefix + id.String())
}

// Resolve 查询并校验 peer 的会合记录
//
// 记录必须由 peer 本人签名。
func Resolve(ctx context.Context, dir Directory, peer types.PeerID) (*Rendezvous, error) {
	rec, err := dir.FindValue(ctx, RendezvousKey(peer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRendezvous, err)
	}
	if rec.Signer != peer {
		return nil, ErrRendezvousMismatch
	}
	var rv Rendezvous
	if err := json.Unmarshal(rec.Value, &rv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRendezvous, err)
	}
	return &rv, nil
}

// ParseRelay 解析 <peerid>@<ip>:<port>
func ParseRelay(s string) (relay.Candidate, error) {
	idStr, addrStr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return relay.Candidate{}, fmt.Errorf("%w: %q", ErrInvalidRelay, s)
	}
	id, err := types.ParsePeerID(idStr)
	if err != nil {
		return relay.Candidate{}, fmt.Errorf("%w: %q", ErrInvalidRelay, s)
	}
	addr, err := netip.ParseAddrPort(addrStr)
	if err != nil {
		return relay.Candidate{}, fmt.Errorf("%w: %q", ErrInvalidRelay, s)
	}
	return relay.Candidate{ID: id, Addr: addr}, nil
}

// ============================================================================
//                              Reachability
// ============================================================================

// Reachability 本节点当前的可达性
//
// 由 Service 更新，DHT 通过 AdvertiseAddr 读取公布地址。
type Reachability struct {
	mu      sync.RWMutex
	natType types.NATType
	mapped  netip.AddrPort
	local   netip.AddrPort
	relays  []relay.Candidate
}

// NewReachability 创建初始为未知类型的可达性
func NewReachability(local netip.AddrPort) *Reachability {
	return &Reachability{local: local}
}

// AdvertiseAddr 实现 dht.AddrSource；未探测到映射地址时返回无效值
func (r *Reachability) AdvertiseAddr() netip.AddrPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mapped
}

// NATType 返回当前 NAT 类型
func (r *Reachability) NATType() types.NATType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.natType
}

// Relays 返回当前所在中继
func (r *Reachability) Relays() []relay.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]relay.Candidate(nil), r.relays...)
}

// Set 更新 NAT 类型与映射地址
func (r *Reachability) Set(t types.NATType, mapped netip.AddrPort) {
	r.mu.Lock()
	r.natType = t
	r.mapped = mapped
	r.mu.Unlock()
}

// SetRelays 更新所在中继
func (r *Reachability) SetRelays(relays []relay.Candidate) {
	r.mu.Lock()
	r.relays = append([]relay.Candidate(nil), relays...)
	r.mu.Unlock()
}

// Candidates 返回对外候选地址：映射地址在前，具体的本地地址在后
func (r *Reachability) Candidates() []netip.AddrPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]netip.AddrPort, 0, 2)
	if r.mapped.IsValid() {
		out = append(out, r.mapped)
	}
	if r.local.IsValid() && !r.local.Addr().IsUnspecified() && r.local != r.mapped {
		out = append(out, r.local)
	}
	return out
}

// Rendezvous 生成当前的会合记录内容
func (r *Reachability) Rendezvous(now time.Time) Rendezvous {
	return Rendezvous{
		Addrs:     r.Candidates(),
		NATType:   r.NATType(),
		Relays:    r.Relays(),
		Timestamp: now.UnixMilli(),
	}
}
