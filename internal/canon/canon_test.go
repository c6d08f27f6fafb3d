package canon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnsignedKeyOrderPermutationInvariance(t *testing.T) {
	base := Image{
		ID:        "commit_abc123",
		Type:      "agreement",
		Timestamp: 1700000000000,
		Payload: Payload{
			Subject: "code-review",
			Content: "Review PR #42",
			Metadata: map[string]any{
				"b": 2.0,
				"a": 1.0,
				"nested": map[string]any{
					"z": "last",
					"a": "first",
				},
			},
		},
	}

	a, err := base.Unsigned()
	require.NoError(t, err)

	// Go map iteration order is random, so each encode walks the
	// metadata keys in a different order; repeated encodes of the same
	// metadata must still agree.
	for i := 0; i < 20; i++ {
		b, err := base.Unsigned()
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
}

func TestSignedImageDiffersOnlyInSignature(t *testing.T) {
	img := Image{
		ID:        "commit_abc123",
		Type:      "attestation",
		Timestamp: 1,
		Payload:   Payload{Subject: "s", Content: "c"},
	}

	unsigned, err := img.Unsigned()
	require.NoError(t, err)
	signed, err := img.Signed("deadbeef")
	require.NoError(t, err)

	require.NotEqual(t, unsigned, signed)
	require.Contains(t, string(signed), `"signature":"deadbeef"`)
	require.Contains(t, string(unsigned), `"signature":""`)
}

func TestFixedTopLevelKeyOrder(t *testing.T) {
	img := Image{ID: "x", Type: "state", Timestamp: 5, Payload: Payload{Subject: "s", Content: "c"}}
	out, err := img.Unsigned()
	require.NoError(t, err)

	s := string(out)
	idIdx := indexOf(s, `"id"`)
	payloadIdx := indexOf(s, `"payload"`)
	sigIdx := indexOf(s, `"signature"`)
	tsIdx := indexOf(s, `"timestamp"`)
	typeIdx := indexOf(s, `"type"`)

	require.True(t, idIdx < payloadIdx)
	require.True(t, payloadIdx < sigIdx)
	require.True(t, sigIdx < tsIdx)
	require.True(t, tsIdx < typeIdx)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestNestedMetadataSortedByCodePoint(t *testing.T) {
	img := Image{
		ID: "x", Type: "custom", Timestamp: 1,
		Payload: Payload{
			Subject: "s", Content: "c",
			Metadata: map[string]any{"zeta": 1.0, "alpha": 2.0},
		},
	}
	out, err := img.Unsigned()
	require.NoError(t, err)
	s := string(out)
	require.True(t, indexOf(s, `"alpha"`) < indexOf(s, `"zeta"`))
}

func TestHashInternalOrderSensitive(t *testing.T) {
	l := HashLeaf([]byte("left"))
	r := HashLeaf([]byte("right"))

	lr := HashInternal(l, r)
	rl := HashInternal(r, l)
	require.NotEqual(t, lr, rl)
}

func TestHashLeafDomainSeparatedFromInternal(t *testing.T) {
	data := []byte("identical-bytes")
	leaf := HashLeaf(data)

	var asLeftRight [32]byte
	copy(asLeftRight[:], data[:min(32, len(data))])
	internal := HashInternal(asLeftRight, asLeftRight)
	require.NotEqual(t, leaf, internal)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
