package identity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveIDDeterministic(t *testing.T) {
	var seed Seed
	seed[0] = 1
	c := SHA3Codec{}
	a := c.DeriveID(seed, "")
	b := c.DeriveID(seed, "")
	require.Equal(t, a, b)
	require.Len(t, a, IDLen)
	require.True(t, ValidID(a))
}

func TestDeriveIDBindsParent(t *testing.T) {
	var seed Seed
	c := SHA3Codec{}
	root := c.DeriveID(seed, "")
	child := c.DeriveID(seed, root)
	require.NotEqual(t, root, child)
}

func TestSeedRedacted(t *testing.T) {
	var seed Seed
	seed[3] = 0xaa
	require.Equal(t, "Seed{REDACTED}", fmt.Sprint(seed))
	require.Equal(t, "identity.Seed{REDACTED}", fmt.Sprintf("%#v", seed))
}

func TestValidID(t *testing.T) {
	require.False(t, ValidID(""))
	require.False(t, ValidID("nonexistent-id"))
	require.False(t, ValidID(fmt.Sprintf("%064X", 0xabc)))
	require.True(t, ValidID(fmt.Sprintf("%064x", 0xabc)))
}

func TestFreshSeedsNeverCollide(t *testing.T) {
	if testing.Short() {
		t.Skip("collision sweep skipped in -short")
	}
	const n = 100_000
	src := RandSeeds{}
	c := SHA3Codec{}
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		seed, err := src.NewSeed()
		require.NoError(t, err)
		id := c.DeriveID(seed, "")
		if _, dup := seen[id]; dup {
			t.Fatalf("collision after %d ids", i)
		}
		seen[id] = struct{}{}
	}
}
