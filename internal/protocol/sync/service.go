package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/slskdn/go-mesh/internal/core/envelope"
	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/reputation"
	"github.com/slskdn/go-mesh/internal/core/storage/kv"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("protocol/sync")

// ============================================================================
//                              终态
// ============================================================================

// Outcome 一条入站消息的处理终态
type Outcome int

const (
	// OutcomeRejected 签名无效、被封禁或结构无效，条目未经处理
	OutcomeRejected Outcome = iota
	// OutcomeDropped 隔离、重放或超限，静默丢弃
	OutcomeDropped
	// OutcomePartiallyMerged 有条目被跳过；全部跳过时 Accepted 为 0 且 Err 给出原因
	OutcomePartiallyMerged
	// OutcomeMerged 全部条目被接受
	OutcomeMerged
	// OutcomeEmpty 格式正确但没有条目
	OutcomeEmpty
)

// String 返回终态名称
func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeDropped:
		return "dropped"
	case OutcomePartiallyMerged:
		return "partially_merged"
	case OutcomeMerged:
		return "merged"
	case OutcomeEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Result 一条入站消息的处理结果
type Result struct {
	Outcome Outcome

	// Accepted 通过校验与共识的条目数
	Accepted int
	// Applied 实际替换本地值的条目数
	Applied int
	// Skipped 被跳过的条目数
	Skipped int
	// ConsensusFailures 未达成共识的条目数
	ConsensusFailures int

	// Err 拒绝或丢弃的原因
	Err error
}

// ============================================================================
//                              统计
// ============================================================================

// Stats 同步统计快照
type Stats struct {
	MessagesReceived  int64 `json:"messages_received"`
	Merged            int64 `json:"merged"`
	PartiallyMerged   int64 `json:"partially_merged"`
	Empty             int64 `json:"empty"`
	Rejected          int64 `json:"rejected"`
	Dropped           int64 `json:"dropped"`
	SignatureFailures int64 `json:"signature_failures"`
	BannedRejections  int64 `json:"banned_rejections"`
	InvalidMessages   int64 `json:"invalid_messages"`
	ReplayDrops       int64 `json:"replay_drops"`
	QuarantineDrops   int64 `json:"quarantine_drops"`
	Quarantines       int64 `json:"quarantines"`
	QuarantinedPeers  int   `json:"quarantined_peers"`
	ConsensusFailures int64 `json:"consensus_failures"`
	EntriesMerged     int64 `json:"entries_merged"`
	EntriesStale      int64 `json:"entries_stale"`
	EntriesSkipped    int64 `json:"entries_skipped"`
	InvalidEntries    int64 `json:"invalid_entries"`
}

type counters struct {
	received, merged, partial, empty, rejected, dropped       atomic.Int64
	sigFailures, banned, invalidMsgs, replays, quarantineDrop atomic.Int64
	quarantines, consensusFailures                            atomic.Int64
	entriesMerged, entriesStale, entriesSkipped, invalidEnts  atomic.Int64
}

// ============================================================================
//                              服务
// ============================================================================

// Reputation 同步服务依赖的信誉能力
type Reputation interface {
	RecordEvent(ev reputation.Event) error
	IsBanned(id types.PeerID) bool
}

// Sender 向节点发送一条同步消息
type Sender interface {
	SendTo(ctx context.Context, peer types.PeerID, payload []byte) error
}

// Params Service 构造参数
type Params struct {
	Config     Config
	Signer     identity.Signer
	Reputation Reputation

	// Persist 本地状态存储（可为 nil）
	Persist *kv.Store
	// Transport 共识查询传输（可为 nil，此时不应答查询）
	Transport Transport
	// Querier 共识查询器（可为 nil，有 Transport 时使用 UDP 查询）
	Querier Querier
	// Peers 共识候选节点（可为 nil，此时争议条目一律不合并）
	Peers PeerSource
	// Sender 出站发送（可为 nil，此时不能 Push）
	Sender Sender
	// Metrics 指标（可为 nil）
	Metrics *metrics.Metrics
}

// Service 同步服务
type Service struct {
	cfg     Config
	signer  identity.Signer
	rep     Reputation
	state   *State
	guard   *guard
	replay  *lru.Cache[string, struct{}]
	cons    consensus
	sender  Sender
	metrics *metrics.Metrics
	stats   counters

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建同步服务
func NewService(p Params) (*Service, error) {
	if p.Signer == nil {
		return nil, fmt.Errorf("sync: signer is required")
	}
	cfg := p.Config
	cfg.fill()

	replay, err := lru.New[string, struct{}](cfg.ReplayCacheSize)
	if err != nil {
		return nil, err
	}
	q := p.Querier
	if q == nil && p.Transport != nil {
		q = NewUDPQuerier(p.Signer, p.Transport)
	}

	s := &Service{
		cfg:    cfg,
		signer: p.Signer,
		rep:    p.Reputation,
		state:  NewState(p.Persist),
		guard:  newGuard(&cfg),
		replay: replay,
		cons: consensus{
			self:          p.Signer.PeerID(),
			querier:       q,
			peers:         p.Peers,
			minPeers:      cfg.ConsensusMinPeers,
			minAgreements: cfg.ConsensusMinAgreements,
			timeout:       cfg.ConsensusTimeout,
		},
		sender:  p.Sender,
		metrics: p.Metrics,
	}
	if p.Transport != nil {
		p.Transport.Handle(udp.KindSyncQuery, s.serveQuery)
	}
	return s, nil
}

// State 返回本地状态
func (s *Service) State() *State {
	return s.state
}

// Start 加载本地状态并启动隔离清理
func (s *Service) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	n, err := s.state.load()
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("已加载同步状态", "entries", n)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := s.cfg.Clock.Ticker(s.cfg.SweepInterval)
	s.wg.Add(1)
	go s.sweepLoop(ctx, ticker)
	return nil
}

// Stop 停止后台任务
func (s *Service) Stop(_ context.Context) error {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	return nil
}

func (s *Service) sweepLoop(ctx context.Context, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.SetQuarantined(s.guard.sweep(s.cfg.Clock.Now()))
		}
	}
}

// IsQuarantined 报告节点是否处于隔离期
func (s *Service) IsQuarantined(id types.PeerID) bool {
	return s.guard.quarantined(id, s.cfg.Clock.Now())
}

// Stats 返回统计快照
func (s *Service) Stats() Stats {
	c := &s.stats
	return Stats{
		MessagesReceived:  c.received.Load(),
		Merged:            c.merged.Load(),
		PartiallyMerged:   c.partial.Load(),
		Empty:             c.empty.Load(),
		Rejected:          c.rejected.Load(),
		Dropped:           c.dropped.Load(),
		SignatureFailures: c.sigFailures.Load(),
		BannedRejections:  c.banned.Load(),
		InvalidMessages:   c.invalidMsgs.Load(),
		ReplayDrops:       c.replays.Load(),
		QuarantineDrops:   c.quarantineDrop.Load(),
		Quarantines:       c.quarantines.Load(),
		QuarantinedPeers:  s.guard.count(),
		ConsensusFailures: c.consensusFailures.Load(),
		EntriesMerged:     c.entriesMerged.Load(),
		EntriesStale:      c.entriesStale.Load(),
		EntriesSkipped:    c.entriesSkipped.Load(),
		InvalidEntries:    c.invalidEnts.Load(),
	}
}

// ============================================================================
//                              入站管线
// ============================================================================

// HandleMessage 处理一条来自 from 的入站同步消息
//
// from 是传输层确认的来源，为空时以信封签名者为准。
// 协议违规与资源耗尽只体现在结果与计数中，不返回错误。
func (s *Service) HandleMessage(ctx context.Context, from types.PeerID, raw []byte) Result {
	s.stats.received.Add(1)
	now := s.cfg.Clock.Now()

	// 1. 大小/结构
	env, err := checkShape(raw, &s.cfg)
	if err != nil {
		class := types.ErrorClassProtocolViolation
		if errors.Is(err, ErrMessageTooLarge) {
			class = types.ErrorClassResourceExhaustion
		} else {
			s.report(from, reputation.EventProtocolViolation, "")
		}
		return s.invalidMessage(from, now, class, err)
	}

	// 2. 签名
	sender, err := env.Sender()
	if err != nil || !envelope.Verify(env) {
		s.stats.sigFailures.Add(1)
		s.report(from, reputation.EventInvalidSignature, "")
		return s.invalidMessage(from, now, types.ErrorClassProtocolViolation, ErrInvalidSignature)
	}
	if from.IsEmpty() {
		from = sender
	} else if sender != from {
		s.stats.sigFailures.Add(1)
		s.report(from, reputation.EventInvalidSignature, "")
		return s.invalidMessage(from, now, types.ErrorClassProtocolViolation, ErrSenderMismatch)
	}

	// 3. 信誉门限
	if s.rep != nil && s.rep.IsBanned(from) {
		s.stats.banned.Add(1)
		logger.Debug("拒绝已封禁节点的同步消息", "peer", from.ShortString())
		return s.finish(Result{Outcome: OutcomeRejected, Err: ErrBanned})
	}

	// 4. 隔离
	if s.guard.quarantined(from, now) {
		s.stats.quarantineDrop.Add(1)
		return s.finish(Result{Outcome: OutcomeDropped, Err: ErrQuarantined})
	}

	// 重放与过期
	if d := now.Sub(env.Timestamp()); d > s.cfg.MaxClockSkew || d < -s.cfg.MaxClockSkew {
		s.stats.replays.Add(1)
		return s.finish(Result{Outcome: OutcomeDropped, Err: ErrStale})
	}
	if seen, _ := s.replay.ContainsOrAdd(from.String()+"/"+env.MessageID, struct{}{}); seen {
		s.stats.replays.Add(1)
		return s.finish(Result{Outcome: OutcomeDropped, Err: ErrReplay})
	}

	// 5. 速率限制
	if s.guard.exceeded(from, now) {
		s.quarantine(from, now, s.guard.quarantine(from, now))
		return s.finish(Result{Outcome: OutcomeDropped, Err: ErrQuarantined})
	}

	raws, err := decodeEntries(env.Payload, s.cfg.MaxEntries)
	if err != nil {
		class := types.ErrorClassProtocolViolation
		if errors.Is(err, ErrTooManyEntries) {
			class = types.ErrorClassResourceExhaustion
		}
		s.report(from, reputation.EventProtocolViolation, "")
		return s.invalidMessage(from, now, class, err)
	}
	if len(raws) == 0 {
		return s.finish(Result{Outcome: OutcomeEmpty})
	}

	// 6. 逐条合并  7. 提交
	res := s.merge(ctx, from, now, raws)
	return s.finish(res)
}

// merge 逐条校验、共识与提交
func (s *Service) merge(ctx context.Context, from types.PeerID, now time.Time, raws []json.RawMessage) Result {
	var res Result
	invalid := 0
	for _, raw := range raws {
		e, err := decodeEntry(raw, &s.cfg, now)
		if err != nil {
			invalid++
			res.Skipped++
			continue
		}
		if s.cfg.RequireConsensus || s.contested(e) {
			if _, err := s.cons.check(ctx, from, e); err != nil {
				res.ConsensusFailures++
				res.Skipped++
				continue
			}
		}
		res.Accepted++
		applied, err := s.state.Apply(Record{Entry: e, Origin: from})
		if err != nil {
			logger.Warn("同步条目写入失败", "err", err)
			continue
		}
		if applied {
			res.Applied++
		}
	}

	s.stats.invalidEnts.Add(int64(invalid))
	s.stats.entriesSkipped.Add(int64(res.Skipped))
	s.stats.entriesMerged.Add(int64(res.Applied))
	s.stats.entriesStale.Add(int64(res.Accepted - res.Applied))
	s.stats.consensusFailures.Add(int64(res.ConsensusFailures))
	s.metrics.SyncEntries("merged", res.Applied)
	s.metrics.SyncEntries("stale", res.Accepted-res.Applied)
	s.metrics.SyncEntries("skipped", res.Skipped)

	if invalid > 0 {
		s.metrics.SyncFailure(types.ErrorClassProtocolViolation.String())
		s.report(from, reputation.EventBadData, "")
		if hit, violations := s.guard.record(from, now, invalid, 0); hit {
			s.quarantine(from, now, violations)
		}
	}
	if res.ConsensusFailures > 0 {
		s.metrics.SyncFailure(types.ErrorClassConsensusFailure.String())
		s.report(from, reputation.EventConsensusFailure, "")
	}

	switch {
	case res.Accepted == len(raws):
		res.Outcome = OutcomeMerged
		s.report(from, reputation.EventGoodData, "")
	default:
		res.Outcome = OutcomePartiallyMerged
		if res.Accepted == 0 {
			res.Err = ErrInvalidEntry
			if invalid == 0 {
				res.Err = ErrNoConsensus
			}
		}
	}
	return res
}

// contested 本地已有该键且值不同时，条目需要共识
//
// 争议只由本地状态判定，发送方无法声明。
func (s *Service) contested(e Entry) bool {
	cur, ok := s.state.Get(e.Key)
	return ok && !bytes.Equal(cur.Value, e.Value)
}

// invalidMessage 记录一条无效消息并拒绝
func (s *Service) invalidMessage(from types.PeerID, now time.Time, class types.ErrorClass, err error) Result {
	s.stats.invalidMsgs.Add(1)
	s.metrics.SyncFailure(class.String())
	logger.Debug("拒绝无效同步消息", "peer", from.ShortString(), "class", class, "err", err)
	if !from.IsEmpty() {
		if hit, violations := s.guard.record(from, now, 0, 1); hit {
			s.quarantine(from, now, violations)
		}
	}
	return s.finish(Result{Outcome: OutcomeRejected, Err: err})
}

// quarantine 记录一次隔离
func (s *Service) quarantine(from types.PeerID, now time.Time, violations int) {
	s.stats.quarantines.Add(1)
	s.metrics.SyncFailure(types.ErrorClassResourceExhaustion.String())
	s.metrics.SetQuarantined(s.guard.count())
	s.report(from, reputation.EventRateLimited, "")
	logger.Warn("节点已被隔离",
		"peer", from.ShortString(),
		"until", now.Add(s.cfg.QuarantineDuration),
		"violations", violations,
		"security_event", "peer_quarantined")
}

// finish 更新终态计数
func (s *Service) finish(res Result) Result {
	switch res.Outcome {
	case OutcomeRejected:
		s.stats.rejected.Add(1)
	case OutcomeDropped:
		s.stats.dropped.Add(1)
	case OutcomePartiallyMerged:
		s.stats.partial.Add(1)
	case OutcomeMerged:
		s.stats.merged.Add(1)
	case OutcomeEmpty:
		s.stats.empty.Add(1)
	}
	s.metrics.SyncMessage(res.Outcome.String())
	return res
}

// report 记录信誉事件
func (s *Service) report(peer types.PeerID, typ reputation.EventType, ref string) {
	if s.rep == nil || peer.IsEmpty() {
		return
	}
	if err := s.rep.RecordEvent(reputation.Event{Peer: peer, Type: typ, Ref: ref}); err != nil {
		logger.Debug("记录信誉事件失败", "err", err)
	}
}

// ============================================================================
//                              本地写入与出站
// ============================================================================

// Set 写入本地条目，来源为本节点
//
// 时间戳不早于已有记录，保证本地写入覆盖旧值。
func (s *Service) Set(key string, value []byte) (Record, error) {
	now := s.cfg.Clock.Now()
	e := Entry{Key: key, Value: value, Timestamp: now.UnixMilli()}
	if cur, ok := s.state.Get(key); ok && cur.Timestamp >= e.Timestamp {
		e.Timestamp = cur.Timestamp + 1
	}
	if err := validateEntry(e, &s.cfg, e.Time()); err != nil {
		return Record{}, err
	}
	rec := Record{Entry: e, Origin: s.signer.PeerID()}
	if _, err := s.state.Apply(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get 返回本地状态中的记录
func (s *Service) Get(key string) (Record, error) {
	rec, ok := s.state.Get(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Push 把本地条目发送给 peer；keys 为空时发送全部
//
// 条目按出站上限分批，每批单独签名。
func (s *Service) Push(ctx context.Context, peer types.PeerID, keys ...string) (int, error) {
	if s.sender == nil {
		return 0, ErrNoTransport
	}
	recs := s.state.Records(keys...)
	if len(recs) == 0 {
		return 0, nil
	}
	entries := make([]Entry, len(recs))
	for i, r := range recs {
		entries[i] = r.Entry
	}
	raws, err := s.Encode(entries)
	if err != nil {
		return 0, err
	}
	for _, raw := range raws {
		if err := s.sender.SendTo(ctx, peer, raw); err != nil {
			return 0, err
		}
	}
	logger.Debug("同步条目已发送", "peer", peer.ShortString(), "entries", len(entries), "messages", len(raws))
	return len(entries), nil
}

// Encode 把条目编码为若干签名的线路消息
func (s *Service) Encode(entries []Entry) ([][]byte, error) {
	batches, err := encodeBatches(entries, s.cfg.MaxBatchBytes, s.cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(batches))
	for _, b := range batches {
		env := envelope.New(MessageType, b)
		env.TimestampUnixMs = s.cfg.Clock.Now().UnixMilli()
		raw, err := envelope.Marshal(envelope.Sign(env, s.signer))
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
