package dht

import (
	"encoding/json"
	"fmt"

	"github.com/slskdn/go-mesh/pkg/types"
)

// ============================================================================
//                              路由表快照
// ============================================================================

// snapshotEntry 快照中的一条联系方式
type snapshotEntry struct {
	ID         types.PeerID `json:"id"`
	Addr       string       `json:"addr"`
	PublicKey  []byte       `json:"public_key,omitempty"`
	LastSeenMs int64        `json:"last_seen_ms"`
}

// saveSnapshot 保存路由表快照（键: r/<桶索引>/<PeerID>）
//
// 旧快照整体替换，不做增量合并。
func (d *DHT) saveSnapshot() {
	if d.persist == nil {
		return
	}
	snap := d.persist.SubStore(prefixSnapshot)
	if err := snap.Clear(); err != nil {
		logger.Warn("清除旧路由表快照失败", "err", err)
		return
	}

	local := d.signer.PeerID()
	saved := 0
	for _, c := range d.rt.Contacts() {
		key := fmt.Sprintf("%03d/%s", d.space.BucketIndex(local, c.ID), c.ID)
		e := snapshotEntry{
			ID:         c.ID,
			Addr:       c.Addr.String(),
			PublicKey:  c.PublicKey,
			LastSeenMs: c.LastSeen.UnixMilli(),
		}
		if err := snap.PutJSON([]byte(key), e); err != nil {
			logger.Warn("写入路由表快照失败", "err", err)
			return
		}
		saved++
	}
	logger.Debug("路由表快照已保存", "peers", saved)
}

// loadSnapshot 从快照恢复路由表，返回恢复数量
//
// 恢复的节点未经验证，失败计数机制会逐步淘汰失效节点。
func (d *DHT) loadSnapshot() int {
	if d.persist == nil {
		return 0
	}
	snap := d.persist.SubStore(prefixSnapshot)
	loaded := 0
	err := snap.PrefixScan(nil, func(_, v []byte) bool {
		var e snapshotEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return true
		}
		c, ok := PeerInfo{ID: e.ID, Addr: e.Addr}.Contact()
		if !ok {
			return true
		}
		c.PublicKey = e.PublicKey
		res, oldest := d.rt.insert(c)
		if oldest != nil {
			d.rt.abortProbe(*oldest)
		}
		if res == InsertAdded {
			loaded++
		}
		return true
	})
	if err != nil {
		logger.Warn("读取路由表快照失败", "err", err)
	}
	return loaded
}
