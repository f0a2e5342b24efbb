package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewConfig 默认配置有效
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 256, cfg.DHT.IDBits)
	assert.Equal(t, 20, cfg.DHT.BucketSize)
	assert.Equal(t, 3, cfg.DHT.Alpha)
	assert.Equal(t, 3, cfg.Sync.ConsensusMinPeers)
	assert.Equal(t, 2, cfg.Sync.ConsensusMinAgreements)
	assert.False(t, cfg.Sync.RequireConsensus)

	t.Log("✅ NewConfig 测试通过")
}

// TestSubConfig_Validate 各子配置的非法值
func TestSubConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"listen addr", func(c *Config) { c.Listen.Addr = "nowhere" }},
		{"frame size", func(c *Config) { c.Listen.MaxFrameSize = 128 << 10 }},
		{"id bits", func(c *Config) { c.DHT.IDBits = 100 }},
		{"alpha", func(c *Config) { c.DHT.Alpha = 0 }},
		{"min ttl", func(c *Config) { c.DHT.MinTTL = Seconds(10) }},
		{"max below min", func(c *Config) { c.DHT.MaxTTL = Seconds(30); c.DHT.MinTTL = Seconds(60) }},
		{"republish", func(c *Config) { c.NAT.RepublishInterval = c.NAT.RendezvousTTL }},
		{"relay keepalive", func(c *Config) { c.Relay.KeepaliveInterval = Minutes(5) }},
		{"static relay", func(c *Config) { c.Relay.Static = []string{"1.2.3.4:5"} }},
		{"ban floor", func(c *Config) { c.Reputation.BanFloor = 1 }},
		{"agreements", func(c *Config) { c.Sync.ConsensusMinAgreements = 4 }},
		{"value size", func(c *Config) { c.Sync.MaxValueSize = c.Sync.MaxMessageSize }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bootstrap", func(c *Config) { c.BootstrapPeers = []string{"example.org"} }},
		{"rendezvous ttl", func(c *Config) { c.NAT.RendezvousTTL = Duration(48 * time.Hour) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Log("✅ 子配置验证测试通过")
}

// TestFromJSON 部分字段覆盖默认值
func TestFromJSON(t *testing.T) {
	data := []byte(`{
		"listen": {"addr": "127.0.0.1:9000", "max_frame_size": 32768, "compress_threshold": 0},
		"sync": {"require_consensus": true, "quarantine_duration": "10m", "rate_window": 60000000000},
		"bootstrap_peers": ["10.0.0.1:4001"]
	}`)
	cfg, err := FromJSON(data)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen.Addr)
	assert.True(t, cfg.Sync.RequireConsensus)
	assert.Equal(t, 10*time.Minute, cfg.Sync.QuarantineDuration.Duration())
	assert.Equal(t, time.Minute, cfg.Sync.RateWindow.Duration())
	// 未出现的字段保持默认
	assert.Equal(t, 512, cfg.Sync.MaxEntries)
	assert.Equal(t, 20, cfg.DHT.BucketSize)

	_, err = FromJSON([]byte(`{"sync": {"rate_window": "soon"}}`))
	assert.Error(t, err)

	t.Log("✅ FromJSON 测试通过")
}

// TestSaveLoad 保存后重新加载一致
func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mesh.json")

	cfg := NewConfig()
	cfg.Sync.ConsensusMinPeers = 5
	cfg.Sync.ConsensusMinAgreements = 3
	cfg.Relay.Static = []string{"abc@10.0.0.2:4001"}
	require.NoError(t, cfg.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"quarantine_duration": "30m0s"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	t.Log("✅ Save/Load 测试通过")
}

// TestConvert 组件配置转换
func TestConvert(t *testing.T) {
	cfg := NewConfig()
	cfg.Storage.DataDir = "/var/lib/mesh"
	cfg.BootstrapPeers = []string{"10.0.0.1:4001", "[::1]:4002"}
	cfg.Sync.ConsensusTimeout = Seconds(5)

	t.Run("Identity", func(t *testing.T) {
		assert.Equal(t, filepath.Join("/var/lib/mesh", "identity.key"), cfg.ToIdentity().KeyPath)

		c := cfg.Clone()
		c.Identity.KeyFile = "/etc/mesh/key"
		assert.Equal(t, "/etc/mesh/key", c.ToIdentity().KeyPath)

		c.Identity.KeyFile = ""
		c.Storage.DataDir = ""
		assert.Empty(t, c.ToIdentity().KeyPath)
	})

	t.Run("DHT", func(t *testing.T) {
		d, err := cfg.ToDHT()
		require.NoError(t, err)
		assert.Equal(t, 256, d.IDBits)
		require.Len(t, d.BootstrapPeers, 2)
		assert.Equal(t, uint16(4002), d.BootstrapPeers[1].Port())
		assert.NotNil(t, d.Clock)
	})

	t.Run("NAT", func(t *testing.T) {
		n := cfg.ToNAT()
		assert.Equal(t, cfg.NAT.STUNServers, n.STUN.Servers)
		assert.Equal(t, 8*time.Second, n.PunchTimeout)
		assert.Equal(t, 2*time.Minute, n.RelayServer.ReservationTTL)
		assert.Equal(t, 30*time.Second, n.RelayClient.KeepaliveInterval)
		assert.True(t, n.EnableRelayServer)
	})

	t.Run("Sync", func(t *testing.T) {
		s := cfg.ToSync()
		assert.Equal(t, 5*time.Second, s.ConsensusTimeout)
		assert.Equal(t, 30*time.Minute, s.QuarantineDuration)
		assert.Equal(t, 50, s.MaxInvalidEntries)
		assert.Equal(t, 10, s.MaxInvalidMessages)
	})

	t.Run("Others", func(t *testing.T) {
		assert.Equal(t, "/var/lib/mesh", cfg.ToStorage().DataDir)
		assert.Equal(t, time.Hour, cfg.ToReputation().HalfLife)
		assert.Equal(t, "0.0.0.0:4001", cfg.ToTransport().ListenAddr)
		assert.Equal(t, "info", cfg.ToLogOptions().Level)
	})

	t.Log("✅ 配置转换测试通过")
}

// TestApplyPreset 预设
func TestApplyPreset(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, ApplyPreset(cfg, PresetTest))
	assert.Empty(t, cfg.Storage.DataDir)
	assert.Empty(t, cfg.NAT.STUNServers)
	assert.Equal(t, "127.0.0.1:0", cfg.Listen.Addr)
	require.NoError(t, cfg.Validate())

	cfg = NewConfig()
	require.NoError(t, ApplyPreset(cfg, PresetServer))
	assert.True(t, cfg.Sync.RequireConsensus)
	assert.False(t, cfg.NAT.EnablePortMap)

	assert.Error(t, ApplyPreset(cfg, "mobile"))
	assert.Error(t, ApplyPreset(nil, PresetClient))

	t.Log("✅ 预设测试通过")
}

// TestListenConfig_WithPort 替换端口
func TestListenConfig_WithPort(t *testing.T) {
	l := DefaultListenConfig().WithPort(5000)
	assert.Equal(t, "0.0.0.0:5000", l.Addr)

	bad := ListenConfig{Addr: "nope"}
	assert.Equal(t, "0.0.0.0:7000", bad.WithPort(7000).Addr)
}

// TestDuration_JSON 时长编码
func TestDuration_JSON(t *testing.T) {
	var v struct {
		D Duration `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d":"1m30s"}`), &v))
	assert.Equal(t, 90*time.Second, v.D.Duration())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"1m30s"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"d":true}`), &v))
}
