package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/slskdn/go-mesh/internal/core/envelope"
	"github.com/slskdn/go-mesh/pkg/types"
)

// 信封类型
const (
	// MessageType 同步消息
	MessageType = "mesh.sync.v1"

	// QueryType 共识查询
	QueryType = "mesh.sync.query.v1"

	// AnswerType 共识应答
	AnswerType = "mesh.sync.answer.v1"
)

// Entry 一条同步数据
type Entry struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// Time 返回条目时间戳
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Record 本地状态中的条目及其来源
type Record struct {
	Entry
	Origin types.PeerID `json:"origin"`
}

// message 同步消息负载，条目延迟解码以便逐条跳过
type message struct {
	Entries []json.RawMessage `json:"entries"`
}

// ============================================================================
//                              入站检查
// ============================================================================

// checkShape 在解码负载前检查原始字节
//
// 信封长度前缀在分配前校验，超限的消息不会被完整解析。
func checkShape(raw []byte, cfg *Config) (*envelope.Envelope, error) {
	if len(raw) > cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(raw), cfg.MaxMessageSize)
	}
	env, err := envelope.Unmarshal(raw, cfg.MaxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type != MessageType {
		return nil, fmt.Errorf("%w: %q", ErrWrongType, env.Type)
	}
	p := bytes.TrimLeft(env.Payload, " \t\r\n")
	if len(p) == 0 || p[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}
	return env, nil
}

// decodeEntries 解码条目列表，不解码条目内容
func decodeEntries(payload []byte, maxEntries int) ([]json.RawMessage, error) {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(m.Entries) > maxEntries {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(m.Entries), maxEntries)
	}
	return m.Entries, nil
}

// decodeEntry 解码并校验单个条目
func decodeEntry(raw json.RawMessage, cfg *Config, now time.Time) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := validateEntry(e, cfg, now); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func validateEntry(e Entry, cfg *Config, now time.Time) error {
	switch {
	case e.Key == "" || len(e.Key) > cfg.MaxKeySize:
		return fmt.Errorf("%w: key length %d", ErrInvalidEntry, len(e.Key))
	case !utf8.ValidString(e.Key):
		return fmt.Errorf("%w: key is not utf-8", ErrInvalidEntry)
	case len(e.Value) > cfg.MaxValueSize:
		return fmt.Errorf("%w: value length %d", ErrInvalidEntry, len(e.Value))
	case e.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEntry)
	case e.Time().After(now.Add(cfg.MaxFutureSkew)):
		return fmt.Errorf("%w: timestamp in the future", ErrInvalidEntry)
	}
	return nil
}

// ============================================================================
//                              出站编码
// ============================================================================

// encodeBatches 把条目切分为若干消息负载，每条不超过 maxBytes 字节与 maxEntries 个条目
func encodeBatches(entries []Entry, maxBytes, maxEntries int) ([][]byte, error) {
	const head, tail = `{"entries":[`, `]}`

	var out [][]byte
	var buf bytes.Buffer
	n := 0
	flush := func() {
		if n == 0 {
			return
		}
		buf.WriteString(tail)
		out = append(out, append([]byte(nil), buf.Bytes()...))
		buf.Reset()
		n = 0
	}

	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		if len(head)+len(b)+len(tail) > maxBytes {
			return nil, fmt.Errorf("%w: entry %q exceeds batch size", ErrInvalidEntry, e.Key)
		}
		if n == maxEntries || (n > 0 && buf.Len()+1+len(b)+len(tail) > maxBytes) {
			flush()
		}
		if n == 0 {
			buf.WriteString(head)
		} else {
			buf.WriteByte(',')
		}
		buf.Write(b)
		n++
	}
	flush()
	return out, nil
}
