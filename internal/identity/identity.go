// Package identity provides the two leaf collaborators of the account tree:
// a source of fresh secret seeds and the one-way codec that turns a seed and
// an optional parent id into a public account id.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"phantomid/internal/crypto"
)

const (
	SeedSize = crypto.SeedSize
	// IDLen is the length of a textual id: hex of a SHA3-256 digest.
	IDLen = 64

	labelAccountID = "phantomid:account:v1"
)

type Seed [SeedSize]byte

// String keeps seeds out of logs and fmt output.
func (Seed) String() string { return "Seed{REDACTED}" }

func (s Seed) GoString() string { return "identity.Seed{REDACTED}" }

// SeedSource produces fresh secret seeds.
type SeedSource interface {
	NewSeed() (Seed, error)
}

// Codec derives public ids from seeds.
type Codec interface {
	DeriveID(seed Seed, parentID string) string
}

// RandSeeds draws seeds from crypto/rand.
type RandSeeds struct{}

func (RandSeeds) NewSeed() (Seed, error) {
	s, err := crypto.RandomSeed()
	if err != nil {
		return Seed{}, fmt.Errorf("seed: %w", err)
	}
	return Seed(s), nil
}

// SHA3Codec hashes a domain label, the seed and the parent id. Binding the
// parent into the id means the same seed under two parents never collides.
type SHA3Codec struct{}

func (SHA3Codec) DeriveID(seed Seed, parentID string) string {
	plen := binary.BigEndian.AppendUint64(nil, uint64(len(parentID)))
	sum := crypto.KDF(labelAccountID, seed[:], plen, []byte(parentID))
	return hex.EncodeToString(sum)
}

// ValidID reports whether s looks like an id produced by SHA3Codec.
func ValidID(s string) bool {
	if len(s) != IDLen || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
