package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/misc"
)

// WrapKey protects raw key bytes with the device KEK using ChaCha20-Poly1305.
// The output is nonce||ciphertext; callers base64-encode it for persistence.
func WrapKey(raw, kek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create wrapping cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}

	wrapped := aead.Seal(nil, nonce, raw, nil)

	out := make([]byte, len(nonce)+len(wrapped))
	copy(out[:len(nonce)], nonce)
	copy(out[len(nonce):], wrapped)
	return out, nil
}

// UnwrapKey reverses WrapKey. Authentication failure means the KEK is wrong
// or the wrapped material was tampered with.
func UnwrapKey(wrapped, kek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create wrapping cipher: %w", err)
	}

	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("wrapped key material too short")
	}

	nonce := wrapped[:aead.NonceSize()]
	ciphertext := wrapped[aead.NonceSize():]

	raw, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("key unwrap authentication failed: %w", err)
	}
	return raw, nil
}

// DeriveKEK derives the device key-encryption key from a passphrase and the
// persisted derivation salt using Argon2id, returning it in protected memory.
func DeriveKEK(passphrase []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	derived := argon2.IDKey(
		passphrase,
		saltBytes,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	protected := memguard.NewBufferFromBytes(derived)
	memguard.WipeBytes(derived)

	return protected, nil
}

// DeriveBackupKeys derives the cipher and MAC halves of a backup key bundle
// from a password and salt with PBKDF2-SHA256.
func DeriveBackupKeys(password string, salt []byte, iterations int) (encKey, macKey []byte) {
	material := pbkdf2.Key([]byte(password), salt, iterations, 64, sha256.New)
	return material[:32], material[32:]
}

// ComputeHMAC returns the hex HMAC-SHA256 of data under macKey. This is the
// envelope checksum in the current wire format.
func ComputeHMAC(macKey, data []byte) string {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// ComputeDigest returns the hex SHA-256 of data. Used as the tamper-evidence
// fallback when no MAC key can be resolved.
func ComputeDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyTag compares two hex integrity tags in constant time.
func VerifyTag(expected, actual string) bool {
	return hmac.Equal([]byte(expected), []byte(actual))
}

// IsWeakKey rejects generated key material with obviously insufficient
// entropy: short keys, constant bytes, or too little byte variety.
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	allSame := true
	for _, b := range key[1:] {
		if b != key[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	uniqueBytes := make(map[byte]struct{})
	for _, b := range key {
		uniqueBytes[b] = struct{}{}
	}
	return len(uniqueBytes) < 16
}
