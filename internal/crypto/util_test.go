package crypto

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/awnumar/memguard"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		t.Fatalf("Failed to generate kek: %v", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	wrapped, err := WrapKey(raw, kek)
	if err != nil {
		t.Fatalf("Failed to wrap: %v", err)
	}
	if bytes.Contains(wrapped, raw) {
		t.Fatal("Wrapped output contains the raw key")
	}

	unwrapped, err := UnwrapKey(wrapped, kek)
	if err != nil {
		t.Fatalf("Failed to unwrap: %v", err)
	}
	if !bytes.Equal(unwrapped, raw) {
		t.Error("Unwrap did not restore the original key")
	}
}

func TestUnwrapWithWrongKEKFails(t *testing.T) {
	kek := make([]byte, 32)
	wrongKek := make([]byte, 32)
	raw := make([]byte, 32)
	rand.Read(kek)
	rand.Read(wrongKek)
	rand.Read(raw)

	wrapped, err := WrapKey(raw, kek)
	if err != nil {
		t.Fatalf("Failed to wrap: %v", err)
	}

	if _, err = UnwrapKey(wrapped, wrongKek); err == nil {
		t.Error("Unwrap succeeded with the wrong KEK")
	}
}

func TestUnwrapRejectsTruncatedInput(t *testing.T) {
	kek := make([]byte, 32)
	rand.Read(kek)

	if _, err := UnwrapKey([]byte("short"), kek); err == nil {
		t.Error("Unwrap accepted truncated input")
	}
}

func TestDeriveKEKDeterministic(t *testing.T) {
	salt := make([]byte, 32)
	rand.Read(salt)

	derive := func() []byte {
		enclave := memguard.NewEnclave(append([]byte{}, salt...))
		buf, err := DeriveKEK([]byte("passphrase"), enclave)
		if err != nil {
			t.Fatalf("DeriveKEK failed: %v", err)
		}
		out := append([]byte{}, buf.Bytes()...)
		buf.Destroy()
		return out
	}

	first := derive()
	second := derive()
	if !bytes.Equal(first, second) {
		t.Error("Same passphrase and salt derived different KEKs")
	}
	if len(first) != 32 {
		t.Errorf("KEK length = %d, want 32", len(first))
	}
}

func TestDeriveBackupKeys(t *testing.T) {
	salt := []byte("0123456789abcdef")

	enc1, mac1 := DeriveBackupKeys("password", salt, 1000)
	enc2, mac2 := DeriveBackupKeys("password", salt, 1000)
	if !bytes.Equal(enc1, enc2) || !bytes.Equal(mac1, mac2) {
		t.Error("Backup derivation is not deterministic")
	}
	if len(enc1) != 32 || len(mac1) != 32 {
		t.Errorf("Key halves = %d/%d bytes, want 32/32", len(enc1), len(mac1))
	}
	if bytes.Equal(enc1, mac1) {
		t.Error("Cipher and MAC halves are identical")
	}

	enc3, _ := DeriveBackupKeys("different", salt, 1000)
	if bytes.Equal(enc1, enc3) {
		t.Error("Different passwords derived the same key")
	}
}

func TestComputeHMACAndVerify(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	data := []byte("ciphertext bytes")

	tag := ComputeHMAC(key, data)
	if len(tag) != 64 {
		t.Errorf("HMAC hex length = %d, want 64", len(tag))
	}
	if !VerifyTag(tag, ComputeHMAC(key, data)) {
		t.Error("Identical inputs produced unequal tags")
	}
	if VerifyTag(tag, ComputeHMAC(key, []byte("other data"))) {
		t.Error("Different data verified against the same tag")
	}
	if VerifyTag(tag, ComputeDigest(data)) {
		t.Error("Digest verified against an HMAC tag")
	}
}

func TestIsWeakKey(t *testing.T) {
	weak := [][]byte{
		make([]byte, 32),                     // all zero
		[]byte(strings.Repeat("a", 32)),      // constant
		[]byte("short"),                      // too short
		bytes.Repeat([]byte{1, 2, 3, 4}, 8),  // 4 unique bytes
	}
	for i, k := range weak {
		if !IsWeakKey(k) {
			t.Errorf("Case %d: weak key accepted", i)
		}
	}

	strong := make([]byte, 32)
	if _, err := rand.Read(strong); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if IsWeakKey(strong) {
		t.Error("Random key flagged as weak")
	}
}
