package nat

import (
	"net/netip"
	"sync"

	"github.com/slskdn/go-mesh/internal/core/relay"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

// 中继负载内层类型
const (
	innerPunchSync byte = 1
	innerData      byte = 2
)

// Path 到对端的一条已建立路径
type Path struct {
	// Peer 对端
	Peer types.PeerID

	// Kind 路径种类
	Kind types.PathKind

	// Addr 直连或打洞时为对端地址，中继时为中继地址
	Addr netip.AddrPort

	tr      Transport
	session *relay.Session
}

// Send 沿路径发送应用数据
func (p *Path) Send(payload []byte) error {
	if p.Kind == types.PathRelayed {
		return p.session.Send(p.Peer, inner(innerData, payload))
	}
	return p.tr.Send(p.Addr, udp.KindData, payload)
}

// rank 路径优先级：UDP 直达路径优于中继
func rank(k types.PathKind) int {
	switch k {
	case types.PathDirect, types.PathHolePunched:
		return 2
	case types.PathRelayed:
		return 1
	default:
		return 0
	}
}

func inner(kind byte, payload []byte) []byte {
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, kind)
	return append(buf, payload...)
}

// ============================================================================
//                              路径表
// ============================================================================

// pathTable 每个对端一条最优路径，并可按地址反查直达路径的对端
type pathTable struct {
	mu     sync.RWMutex
	byPeer map[types.PeerID]*Path
	byAddr map[netip.AddrPort]types.PeerID
}

func newPathTable() *pathTable {
	return &pathTable{
		byPeer: make(map[types.PeerID]*Path),
		byAddr: make(map[netip.AddrPort]types.PeerID),
	}
}

func (t *pathTable) get(peer types.PeerID) (*Path, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byPeer[peer]
	return p, ok
}

func (t *pathTable) peerAt(addr netip.AddrPort) (types.PeerID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byAddr[addr]
	return id, ok
}

// put 登记路径；已有更优路径时保留原路径，返回最终生效的路径
func (t *pathTable) put(p *Path) (*Path, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byPeer[p.Peer]; ok {
		if rank(cur.Kind) > rank(p.Kind) {
			return cur, false
		}
		if cur.Kind != types.PathRelayed {
			delete(t.byAddr, cur.Addr)
		}
	}
	t.byPeer[p.Peer] = p
	if p.Kind != types.PathRelayed {
		t.byAddr[p.Addr] = p.Peer
	}
	return p, true
}

// remove 删除路径；addr 有效时仅当地址一致才删除
func (t *pathTable) remove(peer types.PeerID, addr netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byPeer[peer]
	if !ok || (addr.IsValid() && cur.Addr != addr) {
		return false
	}
	delete(t.byPeer, peer)
	if cur.Kind != types.PathRelayed {
		delete(t.byAddr, cur.Addr)
	}
	return true
}

// removeSession 删除经指定会话的中继路径
func (t *pathTable) removeSession(s *relay.Session) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, p := range t.byPeer {
		if p.session == s {
			delete(t.byPeer, id)
			n++
		}
	}
	return n
}

func (t *pathTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPeer)
}
