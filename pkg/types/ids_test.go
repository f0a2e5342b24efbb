package types

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerID_RoundTrip(t *testing.T) {
	id := RandomPeerID()

	parsed, err := ParsePeerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.ShortString(), 8)

	_, err = ParsePeerID("")
	assert.ErrorIs(t, err, ErrInvalidPeerID)
	_, err = ParsePeerID("0OIl")
	assert.ErrorIs(t, err, ErrInvalidPeerID)
	_, err = PeerIDFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPeerID)
}

func TestPeerID_JSON(t *testing.T) {
	c := Contact{ID: RandomPeerID(), Addr: netip.MustParseAddrPort("127.0.0.1:4001")}

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var got Contact
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Addr, got.Addr)
	assert.True(t, got.Valid())
}

func TestPeerID_Compare(t *testing.T) {
	var a, b PeerID
	a[0], b[0] = 1, 2
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, EmptyPeerID.IsEmpty())
	assert.Equal(t, "", EmptyPeerID.String())
}

func TestEnums_String(t *testing.T) {
	assert.Equal(t, "symmetric", NATTypeSymmetric.String())
	assert.False(t, NATTypeSymmetric.Punchable())
	assert.True(t, NATTypePortRestricted.Punchable())
	assert.Equal(t, "relayed", PathRelayed.String())
	assert.Equal(t, "consensus_failure", ErrorClassConsensusFailure.String())
	assert.Equal(t, "unknown", NATType(99).String())
}
