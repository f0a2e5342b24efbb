package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// ============================================================================
// GenerateOrLoad
// ============================================================================

func TestGenerateOrLoad_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", DefaultKeyFile)

	svc := NewService(Config{KeyPath: path})
	kp1, err := svc.GenerateOrLoad()
	require.NoError(t, err)
	assert.False(t, kp1.PeerID.IsEmpty())

	// 幂等
	kp2, err := svc.GenerateOrLoad()
	require.NoError(t, err)
	assert.Equal(t, kp1.PeerID, kp2.PeerID)

	// 新实例从磁盘加载同一身份
	other := NewService(Config{KeyPath: path})
	kp3, err := other.GenerateOrLoad()
	require.NoError(t, err)
	assert.Equal(t, kp1.PeerID, kp3.PeerID)
	assert.False(t, other.Regenerated())

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
	t.Log("✅ 身份持久化与重载正确")
}

func TestGenerateOrLoad_CorruptFileRegenerates(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultKeyFile)
	require.NoError(t, os.WriteFile(path, []byte("not a pem file"), 0600))

	svc := NewService(Config{KeyPath: path})
	kp, err := svc.GenerateOrLoad()
	require.NoError(t, err)
	assert.True(t, svc.Regenerated())

	// 新身份已覆盖损坏文件
	reloaded := NewService(Config{KeyPath: path})
	kp2, err := reloaded.GenerateOrLoad()
	require.NoError(t, err)
	assert.Equal(t, kp.PeerID, kp2.PeerID)
	assert.False(t, reloaded.Regenerated())
}

func TestGenerateOrLoad_TruncatedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultKeyFile)
	data := "-----BEGIN ED25519 PRIVATE KEY-----\nAAAA\n-----END ED25519 PRIVATE KEY-----\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	_, err := loadPrivateKey(path)
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	svc := NewService(Config{KeyPath: path})
	_, err = svc.GenerateOrLoad()
	require.NoError(t, err)
	assert.True(t, svc.Regenerated())
}

func TestGenerateOrLoad_Ephemeral(t *testing.T) {
	svc := NewService(DefaultConfig())
	kp, err := svc.GenerateOrLoad()
	require.NoError(t, err)
	assert.Equal(t, kp.PeerID, svc.PeerID())
	assert.Len(t, svc.PublicKey(), 32)
}

// ============================================================================
// Sign / Verify
// ============================================================================

func TestSignVerify(t *testing.T) {
	svc := NewService(DefaultConfig())
	_, err := svc.GenerateOrLoad()
	require.NoError(t, err)

	data := []byte("hello mesh")
	sig := svc.Sign(data)

	// 确定性
	assert.Equal(t, sig, svc.Sign(data))
	assert.True(t, Verify(data, sig, svc.PublicKey()))

	// 篡改数据
	assert.False(t, Verify([]byte("hello mesH"), sig, svc.PublicKey()))

	// 篡改签名
	bad := append([]byte(nil), sig...)
	bad[0] ^= 0xff
	assert.False(t, Verify(data, bad, svc.PublicKey()))
}

func TestVerify_Malformed(t *testing.T) {
	svc := NewService(DefaultConfig())
	_, err := svc.GenerateOrLoad()
	require.NoError(t, err)
	data := []byte("x")
	sig := svc.Sign(data)

	assert.False(t, Verify(data, sig[:63], svc.PublicKey()))
	assert.False(t, Verify(data, sig, svc.PublicKey()[:31]))
	assert.False(t, Verify(data, nil, nil))
	assert.False(t, Verify(nil, sig, make([]byte, 32)))
}

func TestDerivePeerID(t *testing.T) {
	svc := NewService(DefaultConfig())
	kp, err := svc.GenerateOrLoad()
	require.NoError(t, err)

	id, err := DerivePeerID(kp.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PeerID, id)

	_, err = DerivePeerID([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestSign_NotLoadedPanics(t *testing.T) {
	svc := NewService(DefaultConfig())
	assert.Panics(t, func() { svc.Sign([]byte("x")) })
}

// ============================================================================
// Fx 模块
// ============================================================================

func TestModule(t *testing.T) {
	var signer Signer
	cfg := ConfigInDir(t.TempDir())

	app := fxtest.New(t,
		fx.Supply(&cfg),
		Module(),
		fx.Populate(&signer),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.NotNil(t, signer)
	assert.False(t, signer.PeerID().IsEmpty())
	_, err := os.Stat(cfg.KeyPath)
	assert.NoError(t, err)
}
