package envelope

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slskdn/go-mesh/internal/core/identity"
)

func newSigner(t *testing.T) *identity.Service {
	t.Helper()
	svc := identity.NewService(identity.DefaultConfig())
	_, err := svc.GenerateOrLoad()
	require.NoError(t, err)
	return svc
}

// ============================================================================
// 签名与验证
// ============================================================================

func TestSignVerify_RoundTrip(t *testing.T) {
	signer := newSigner(t)
	env := Sign(New("mesh.sync.v1", []byte(`{"entries":[]}`)), signer)

	assert.True(t, Verify(env))
	assert.NotEmpty(t, env.MessageID)

	sender, err := env.Sender()
	require.NoError(t, err)
	assert.Equal(t, signer.PeerID(), sender)
}

func TestSign_FillsMissingFields(t *testing.T) {
	signer := newSigner(t)
	orig := &Envelope{Type: "t", Payload: []byte("p")}
	env := Sign(orig, signer)

	assert.NotEmpty(t, env.MessageID)
	assert.NotZero(t, env.TimestampUnixMs)
	assert.Empty(t, orig.Signature, "原信封不应被修改")
}

func TestVerify_TamperSensitivity(t *testing.T) {
	signer := newSigner(t)
	base := Sign(&Envelope{Type: "t", MessageID: "m-1", TimestampUnixMs: 1700000000000, Payload: []byte("payload")}, signer)
	require.True(t, Verify(base))

	cases := map[string]func(e *Envelope){
		"type":      func(e *Envelope) { e.Type = "u" },
		"messageId": func(e *Envelope) { e.MessageID = "m-2" },
		"timestamp": func(e *Envelope) { e.TimestampUnixMs++ },
		"payload":   func(e *Envelope) { e.Payload = []byte("payloaD") },
		"signature": func(e *Envelope) { e.Signature = flip(e.Signature) },
		"publicKey": func(e *Envelope) { e.PublicKey = newSigner(t).PublicKey() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := clone(base)
			mutate(e)
			assert.False(t, Verify(e))
		})
	}
}

func TestVerify_Malformed(t *testing.T) {
	signer := newSigner(t)
	env := Sign(New("t", []byte("x")), signer)

	e := clone(env)
	e.PublicKey = nil
	assert.False(t, Verify(e))

	e = clone(env)
	e.Signature = nil
	assert.False(t, Verify(e))

	e = clone(env)
	e.Signature = e.Signature[:40]
	assert.False(t, Verify(e))

	e = clone(env)
	e.PublicKey = append(e.PublicKey, 0)
	assert.False(t, Verify(e))

	assert.False(t, Verify(nil))
}

func TestVerify_LegacyAccepted(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := &Envelope{Type: "mesh.sync.v1", MessageID: "legacy-1", TimestampUnixMs: 1600000000000, Payload: []byte("old")}
	e.PublicKey = pub
	e.Signature = ed25519.Sign(priv, LegacyBytes(e.Type, e.MessageID, e.TimestampUnixMs, e.Payload))

	assert.True(t, Verify(e))

	e.Payload = []byte("new")
	assert.False(t, Verify(e))
}

func TestCanonicalBytes_NoCollision(t *testing.T) {
	// 拼接格式下两者相同，规范格式必须不同
	a := CanonicalBytes("a|b", "c", 1, nil)
	b := CanonicalBytes("a", "b|c", 1, nil)
	assert.NotEqual(t, a, b)
	assert.Equal(t, string(LegacyBytes("a|b", "c", 1, nil)), string(LegacyBytes("a", "b|c", 1, nil)))

	assert.NotEqual(t, CanonicalBytes("ab", "", 0, nil), CanonicalBytes("a", "b", 0, nil))
	assert.NotEqual(t, CanonicalBytes("t", "m", 0, []byte{0}), CanonicalBytes("t", "m", 0, nil))
}

func TestVerify_LegacySignatureNotReusedAcrossFields(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := &Envelope{Type: "t", MessageID: "m", TimestampUnixMs: 5, Payload: []byte("p")}
	e.PublicKey = pub
	e.Signature = ed25519.Sign(priv, CanonicalBytes(e.Type, e.MessageID, e.TimestampUnixMs, e.Payload))
	assert.True(t, Verify(e))

	// 规范签名不会被当作旧版格式接受到其它字段组合上
	e.Type = "t|m"
	e.MessageID = ""
	assert.False(t, Verify(e))
}

// ============================================================================
// 线路格式
// ============================================================================

func TestWire_RoundTrip(t *testing.T) {
	signer := newSigner(t)
	env := Sign(New("mesh.sync.v1", []byte("hello")), signer)

	data, err := Marshal(env)
	require.NoError(t, err)

	got, err := Unmarshal(data, 0)
	require.NoError(t, err)
	assert.Equal(t, env, got)
	assert.True(t, Verify(got))
}

func TestWire_Errors(t *testing.T) {
	signer := newSigner(t)
	env := Sign(New("t", make([]byte, 100)), signer)
	data, err := Marshal(env)
	require.NoError(t, err)

	_, err = Unmarshal(data[:len(data)-1], 0)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Unmarshal(append(data, 0), 0)
	assert.ErrorIs(t, err, ErrTrailingData)

	_, err = Unmarshal(data, 50)
	assert.ErrorIs(t, err, ErrFieldTooLarge)

	_, err = Unmarshal(nil, 0)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Marshal(New("t", nil))
	assert.ErrorIs(t, err, ErrUnsigned)
}

func clone(e *Envelope) *Envelope {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.PublicKey = append([]byte(nil), e.PublicKey...)
	c.Signature = append([]byte(nil), e.Signature...)
	return &c
}

func flip(b []byte) []byte {
	c := append([]byte(nil), b...)
	c[len(c)-1] ^= 0x01
	return c
}
