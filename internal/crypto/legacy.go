package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Legacy (1.x) cipher: the original client encrypted records with a
// passphrase-style API where the stored key payload string was fed directly
// into an OpenSSL-compatible construction. EVP_BytesToKey (single-round MD5)
// stretches the string into an AES-256 key and IV, and the payload is
// AES-256-CBC with PKCS#7 padding, carried as base64("Salted__"||salt||ct).
// It is retained only for reading pre-upgrade data; LegacySeal exists for
// migration fixtures and tests.

const legacySaltHeader = "Salted__"

var (
	// ErrLegacyFormat reports a payload that is not legacy-enciphered data.
	ErrLegacyFormat = errors.New("invalid legacy payload format")
	// ErrLegacyPadding reports corrupt padding, which in CBC mode is the only
	// signal for a wrong key.
	ErrLegacyPadding = errors.New("invalid legacy padding")
)

// evpBytesToKey is the single-round-MD5 OpenSSL KDF: concatenated MD5 digests
// of (prevDigest || passphrase || salt) until keyLen+ivLen bytes are produced.
func evpBytesToKey(passphrase string, salt []byte, keyLen, ivLen int) (key, iv []byte) {
	var material []byte
	var prev []byte
	for len(material) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(passphrase))
		h.Write(salt)
		prev = h.Sum(nil)
		material = append(material, prev...)
	}
	return material[:keyLen], material[keyLen : keyLen+ivLen]
}

// LegacySeal produces a legacy ciphertext from plaintext and the key payload
// string. Only migrations and tests create new legacy payloads.
func LegacySeal(plaintext []byte, keyString string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate legacy salt: %w", err)
	}

	key, iv := evpBytesToKey(keyString, salt, 32, aes.BlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create legacy cipher: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := make([]byte, 0, len(legacySaltHeader)+len(salt)+len(ct))
	out = append(out, legacySaltHeader...)
	out = append(out, salt...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// LegacyOpen decrypts a legacy payload with the key payload string used
// directly, no unwrap or import step. A wrong key surfaces as a padding or
// format error, or as garbage plaintext the caller must checksum.
func LegacyOpen(payload string, keyString string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrLegacyFormat)
	}

	if len(raw) < len(legacySaltHeader)+8+aes.BlockSize || string(raw[:len(legacySaltHeader)]) != legacySaltHeader {
		return nil, ErrLegacyFormat
	}

	salt := raw[len(legacySaltHeader) : len(legacySaltHeader)+8]
	ct := raw[len(legacySaltHeader)+8:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, ErrLegacyFormat
	}

	key, iv := evpBytesToKey(keyString, salt, 32, aes.BlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create legacy cipher: %w", err)
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	return unpadPKCS7(pt, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrLegacyPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrLegacyPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrLegacyPadding
		}
	}
	return data[:len(data)-n], nil
}
