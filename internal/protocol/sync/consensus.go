package sync

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slskdn/go-mesh/pkg/types"
)

// Answer 节点对某个键的本地值
type Answer struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Found     bool   `json:"found"`
}

// Querier 向单个节点查询键的当前值
type Querier interface {
	Query(ctx context.Context, peer types.Contact, key string) (Answer, error)
}

// PeerSource 返回可参与某个键共识的候选节点，按优先级排序
type PeerSource func(key string, n int) []types.Contact

// errEnough 已获足够认同，提前结束其余查询
var errEnough = errors.New("sync: enough agreements")

type consensus struct {
	self          types.PeerID
	querier       Querier
	peers         PeerSource
	minPeers      int
	minAgreements int
	timeout       time.Duration
}

// voters 选出不含来源与本节点的投票节点
func (c *consensus) voters(key string, origin types.PeerID) []types.Contact {
	if c.peers == nil {
		return nil
	}
	out := make([]types.Contact, 0, c.minPeers)
	for _, p := range c.peers(key, c.minPeers+2) {
		if p.ID == origin || p.ID == c.self || !p.Valid() {
			continue
		}
		out = append(out, p)
		if len(out) == c.minPeers {
			break
		}
	}
	return out
}

// check 向最多 minPeers 个节点查询，至少 minAgreements 个返回相同值才通过
//
// 超时或出错的节点视为弃权，不导致整条失败。
func (c *consensus) check(ctx context.Context, origin types.PeerID, e Entry) (int, error) {
	voters := c.voters(e.Key, origin)
	if c.querier == nil || len(voters) < c.minAgreements {
		return 0, ErrNoConsensus
	}

	var agreed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range voters {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			ans, err := c.querier.Query(qctx, v, e.Key)
			if err != nil {
				logger.Debug("共识查询无应答", "peer", v.ID.ShortString(), "err", err)
				return nil
			}
			if !ans.Found || ans.Key != e.Key || !bytes.Equal(ans.Value, e.Value) {
				return nil
			}
			if int(agreed.Add(1)) >= c.minAgreements {
				return errEnough
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(agreed.Load())
	if n < c.minAgreements {
		return n, ErrNoConsensus
	}
	return n, nil
}
