package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/sha3"
)

func TestKDFDeterminismAndLabels(t *testing.T) {
	a1 := KDF("phantomid:test:a", []byte("ikm"))
	a2 := KDF("phantomid:test:a", []byte("ikm"))
	if !bytes.Equal(a1, a2) {
		t.Fatalf("KDF not deterministic")
	}
	b := KDF("phantomid:test:b", []byte("ikm"))
	if bytes.Equal(a1, b) {
		t.Fatalf("expected different outputs for different labels")
	}
	if len(a1) != 32 {
		t.Fatalf("expected 32-byte output, got %d", len(a1))
	}
}

func TestKDFMatchesConcatenatedHash(t *testing.T) {
	got := KDF("label", []byte("a"), []byte("b"))
	want := sha3.Sum256([]byte("labelab"))
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("KDF must hash label||parts")
	}
}

func TestRandomSeedDistinct(t *testing.T) {
	a, err := RandomSeed()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	b, err := RandomSeed()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct seeds")
	}
}

func TestXSealOpenRoundTrip(t *testing.T) {
	key, err := RandomKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	nonce, ct, err := XSeal(key, []byte("hi"), []byte("aad"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := XOpen(key, nonce, ct, []byte("aad"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != "hi" {
		t.Fatalf("unexpected plaintext %q", pt)
	}
	if _, err := XOpen(key, nonce, ct, []byte("other")); err == nil {
		t.Fatalf("expected aad mismatch to fail")
	}
}

func TestParseKeyHex(t *testing.T) {
	key := bytes.Repeat([]byte{7}, XKeySize)
	got, err := ParseKeyHex(hex.EncodeToString(key))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("key mismatch")
	}
	if _, err := ParseKeyHex("abcd"); err == nil {
		t.Fatalf("expected short key error")
	}
	if _, err := ParseKeyHex("zz"); err == nil {
		t.Fatalf("expected hex error")
	}
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3}
	Wipe(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Fatalf("expected zeroed buffer")
	}
}
