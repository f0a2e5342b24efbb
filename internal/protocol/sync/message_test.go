package sync

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBatches_Limits(t *testing.T) {
	entries := make([]Entry, 20)
	for i := range entries {
		entries[i] = Entry{Key: fmt.Sprintf("k%02d", i), Value: make([]byte, 600), Timestamp: 1}
	}

	batches, err := encodeBatches(entries, 2048, 512)
	require.NoError(t, err)
	assert.Greater(t, len(batches), 1)

	total := 0
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 2048)
		raws, err := decodeEntries(b, 512)
		require.NoError(t, err)
		total += len(raws)
	}
	assert.Equal(t, 20, total)

	batches, err = encodeBatches(entries, 1<<20, 8)
	require.NoError(t, err)
	assert.Len(t, batches, 3)

	_, err = encodeBatches([]Entry{{Key: "big", Value: make([]byte, 4096), Timestamp: 1}}, 1024, 512)
	assert.ErrorIs(t, err, ErrInvalidEntry)

	t.Log("✅ 出站分批遵守大小与条数上限")
}

func TestDecodeEntry_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.fill()
	now := time.UnixMilli(1_000_000)

	cases := []struct {
		name string
		e    Entry
		ok   bool
	}{
		{"valid", Entry{Key: "k", Value: []byte("v"), Timestamp: now.UnixMilli()}, true},
		{"empty key", Entry{Key: "", Timestamp: now.UnixMilli()}, false},
		{"long key", Entry{Key: string(make([]byte, 257)), Timestamp: now.UnixMilli()}, false},
		{"large value", Entry{Key: "k", Value: make([]byte, 16<<10+1), Timestamp: now.UnixMilli()}, false},
		{"no timestamp", Entry{Key: "k"}, false},
		{"future", Entry{Key: "k", Timestamp: now.Add(2 * time.Minute).UnixMilli()}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.e)
			require.NoError(t, err)
			_, err = decodeEntry(raw, &cfg, now)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEntry)
			}
		})
	}

	_, err := decodeEntry([]byte(`{"key":1}`), &cfg, now)
	assert.ErrorIs(t, err, ErrInvalidEntry)

	t.Log("✅ 条目校验")
}

func TestDecodeEntries_Malformed(t *testing.T) {
	_, err := decodeEntries([]byte(`{"entries":`), 10)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = decodeEntries([]byte(`{"entries":[{},{},{}]}`), 2)
	assert.ErrorIs(t, err, ErrTooManyEntries)

	raws, err := decodeEntries([]byte(`{}`), 2)
	require.NoError(t, err)
	assert.Empty(t, raws)

	t.Log("✅ 消息结构解码")
}
