package relay

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

// ChangeFunc 会话切换中继时调用
type ChangeFunc func(old, current Candidate)

// Session 一个中继预留会话
//
// 后台按 KeepaliveInterval 保活；保活失败时依次尝试其它候选，
// 全部失败则在下一周期重试。
type Session struct {
	c          *Client
	candidates []Candidate

	mu       sync.RWMutex
	current  int
	onChange ChangeFunc
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(c *Client, candidates []Candidate, current int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		c:          c,
		candidates: append([]Candidate(nil), candidates...),
		current:    current,
		cancel:     cancel,
	}
	// 先创建 ticker，保证返回后时钟推进一定能触发保活
	ticker := c.cfg.Clock.Ticker(c.cfg.KeepaliveInterval)
	s.wg.Add(1)
	go s.loop(ctx, ticker)
	return s
}

// Relay 返回当前中继
func (s *Session) Relay() Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candidates[s.current]
}

// OnChange 设置中继切换回调
func (s *Session) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Send 经当前中继向 dst 发送数据
func (s *Session) Send(dst types.PeerID, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	s.mu.RLock()
	closed := s.closed
	relay := s.candidates[s.current]
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	return s.c.tr.Send(relay.Addr, udp.KindRelayData, encodeData(dst, payload))
}

// Close 停止保活并释放预留
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.c.release(s.Relay())
	return nil
}

func (s *Session) loop(ctx context.Context, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh 保活当前中继，失败时切换
func (s *Session) refresh(ctx context.Context) {
	cur := s.Relay()
	_, err := s.c.request(ctx, cur, control{Type: MsgKeepalive})
	if err == nil || ctx.Err() != nil {
		return
	}
	logger.Warn("中继保活失败", "relay", cur.Addr, "err", err)

	s.mu.RLock()
	start := s.current
	s.mu.RUnlock()

	// 从下一个候选开始轮询，最后再尝试原中继
	n := len(s.candidates)
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		cand := s.candidates[idx]
		if err := s.c.reserveAt(ctx, cand); err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		s.mu.Lock()
		s.current = idx
		fn := s.onChange
		s.mu.Unlock()

		// reserveAt 已为新地址加了引用，原地址的引用在此释放
		s.c.untrack(cur.Addr)
		if idx != start {
			logger.Info("中继已切换", "from", cur.Addr, "to", cand.Addr)
			if fn != nil {
				fn(cur, cand)
			}
		}
		return
	}
	logger.Warn("所有候选中继均不可用", "candidates", n)
}
