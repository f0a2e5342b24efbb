package reputation

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/slskdn/go-mesh/pkg/types"
)

// EventType 行为事件类型
type EventType string

const (
	// EventInvalidSignature 签名验证失败
	EventInvalidSignature EventType = "invalid_signature"
	// EventProtocolViolation 消息格式或协议违规
	EventProtocolViolation EventType = "protocol_violation"
	// EventBadData 提供了无效数据
	EventBadData EventType = "bad_data"
	// EventRateLimited 超出速率限制被隔离
	EventRateLimited EventType = "rate_limited"
	// EventConsensusFailure 争议值未获共识
	EventConsensusFailure EventType = "consensus_failure"
	// EventMinorAnomaly 轻微异常
	EventMinorAnomaly EventType = "minor_anomaly"
	// EventGoodData 数据被接受
	EventGoodData EventType = "good_data"
)

// defaultSeverities 事件默认权重
var defaultSeverities = map[EventType]float64{
	EventInvalidSignature:  -20,
	EventProtocolViolation: -15,
	EventBadData:           -10,
	EventRateLimited:       -10,
	EventConsensusFailure:  -2,
	EventMinorAnomaly:      -1,
	EventGoodData:          1,
}

// maxMetadata 每个事件保留的元数据条数上限
const maxMetadata = 8

// Event 一次观测到的节点行为
type Event struct {
	Peer      types.PeerID      `json:"-"`
	Type      EventType         `json:"type"`
	Ref       string            `json:"ref,omitempty"`
	Timestamp time.Time         `json:"ts"`
	Metadata  map[string]string `json:"meta,omitempty"`
}

// sanitize 处理事件引用与元数据，不保留路径或完整内容哈希
func (e Event) sanitize(maxRef int) Event {
	e.Ref = shortRef(e.Ref, maxRef)
	if len(e.Metadata) > 0 {
		meta := make(map[string]string, min(len(e.Metadata), maxMetadata))
		for k, v := range e.Metadata {
			if len(meta) == maxMetadata {
				break
			}
			meta[shortRef(k, maxRef)] = shortRef(v, maxRef)
		}
		e.Metadata = meta
	}
	return e
}

// shortRef 超长或含路径分隔符的引用替换为不透明短摘要
func shortRef(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	if len(s) <= maxLen && !strings.ContainsAny(s, `/\`) {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return "h:" + hex.EncodeToString(sum[:4])
}
