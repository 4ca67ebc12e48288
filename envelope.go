package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/crypto"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/misc"
)

// EncryptionMetadata describes how an envelope was produced. Version selects
// the decode path: "2.x" is the current authenticated-cipher format, "1.x"
// (or absent) the legacy format kept for pre-existing data. IV is mandatory
// for the current format and never present for legacy. PasswordSalt appears
// only on password-protected backups.
type EncryptionMetadata struct {
	Algorithm    string `json:"algorithm"`
	KeyID        string `json:"keyId"`
	Timestamp    string `json:"timestamp"`
	Version      string `json:"version"`
	IV           string `json:"iv,omitempty"`
	PasswordSalt string `json:"passwordSalt,omitempty"`
}

// Envelope is the serialized unit of protected data. Data is the ciphertext
// (base64 for the current format, the legacy cipher's own encoding for 1.x).
// Checksum is the integrity tag: HMAC-SHA256 over the ciphertext in the
// current format, a plain SHA-256 digest when no MAC key was resolvable, or
// the legacy plaintext+key hash for 1.x envelopes. It is empty only when the
// producer explicitly disabled integrity checking.
type Envelope struct {
	Data     string             `json:"data"`
	Checksum string             `json:"checksum"`
	Metadata EncryptionMetadata `json:"metadata"`
}

// EncryptOptions tunes a single Encrypt call. The zero value selects the
// default key, compression, and integrity tagging.
type EncryptOptions struct {
	// KeyID names the key bundle to encrypt under. Empty selects the
	// configured default key.
	KeyID string

	// DisableCompression skips the run-length transform regardless of
	// payload size.
	DisableCompression bool

	// DisableIntegrity omits the checksum. The AEAD tag still detects
	// ciphertext tampering, but envelope fields lose their independent tag.
	DisableIntegrity bool
}

// Encrypt turns a structured value into an authenticated ciphertext envelope.
//
// The value is JSON-serialized, run-length compressed when it exceeds the
// size threshold, and sealed with AES-256-GCM under a fresh random IV. The
// checksum is an HMAC-SHA256 over the ciphertext with the bundle's MAC key;
// when the bundle carries no MAC half the checksum falls back to a plain
// SHA-256 digest, and Decrypt mirrors that fallback.
//
// Key material for the chosen key id is resolved through the key manager and
// auto-generated on first use. A key that exists but cannot be parsed or
// unwrapped fails with ErrKeyMaterialUnavailable; every fatal failure emits
// a security audit event before being returned.
func (v *Vault) Encrypt(ctx context.Context, value interface{}, opts *EncryptOptions) (*Envelope, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &EncryptOptions{}
	}
	keyID := opts.KeyID
	if keyID == "" {
		keyID = v.options.defaultKeyIDOrFallback()
	}

	encKey, macKey, err := v.resolveOrGenerateKey(ctx, keyID)
	if err != nil {
		v.auditEvent("record_encrypt", false, err, map[string]interface{}{"keyId": keyID})
		return nil, err
	}
	defer memguard.WipeBytes(encKey)
	defer memguard.WipeBytes(macKey)

	serialized, err := json.Marshal(value)
	if err != nil {
		v.auditEvent("record_encrypt", false, err, map[string]interface{}{"keyId": keyID})
		return nil, fmt.Errorf("failed to serialize value: %w", err)
	}

	plaintext := serialized
	if !opts.DisableCompression && len(serialized) > misc.CompressionThreshold {
		plaintext = compressPayload(serialized)
	}

	iv := make([]byte, gcmIVSize)
	if _, err = rand.Read(iv); err != nil {
		v.auditEvent("record_encrypt", false, err, map[string]interface{}{"keyId": keyID})
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext, err := gcmSeal(encKey, iv, plaintext)
	if err != nil {
		v.auditEvent("record_encrypt", false, err, map[string]interface{}{"keyId": keyID})
		return nil, err
	}

	checksum := ""
	if !opts.DisableIntegrity {
		if macKey != nil {
			checksum = crypto.ComputeHMAC(macKey, ciphertext)
		} else {
			checksum = crypto.ComputeDigest(ciphertext)
		}
	}

	env := &Envelope{
		Data:     base64.StdEncoding.EncodeToString(ciphertext),
		Checksum: checksum,
		Metadata: EncryptionMetadata{
			Algorithm: "AES-256",
			KeyID:     keyID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   misc.CurrentEnvelopeVersion,
			IV:        base64.StdEncoding.EncodeToString(iv),
		},
	}

	v.auditEvent("record_encrypt", true, nil, map[string]interface{}{
		"keyId":      keyID,
		"compressed": len(plaintext) != len(serialized),
	})

	return env, nil
}

// Decrypt reverses Encrypt into out, which must be a pointer. The envelope's
// metadata version selects the decode path; integrity tags are verified in
// constant time before any plaintext is produced. All failures are fatal and
// audited: a missing key, a checksum mismatch, or a malformed envelope never
// degrade to a nil result.
func (v *Vault) Decrypt(ctx context.Context, env *Envelope, out interface{}) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	var err error
	if isCurrentVersion(env.Metadata.Version) {
		err = v.decryptCurrent(ctx, env, out)
	} else {
		err = v.decryptLegacy(ctx, env, out)
	}

	if err != nil {
		v.auditEvent("record_decrypt", false, err, map[string]interface{}{
			"keyId":   env.Metadata.KeyID,
			"version": env.Metadata.Version,
		})
		return err
	}

	v.auditEvent("record_decrypt", true, nil, map[string]interface{}{
		"keyId":   env.Metadata.KeyID,
		"version": env.Metadata.Version,
	})
	return nil
}

// decryptCurrent handles 2.x envelopes: verify the checksum over the raw
// ciphertext, open the AEAD, reverse compression, deserialize.
func (v *Vault) decryptCurrent(ctx context.Context, env *Envelope, out interface{}) error {
	payload, ok := v.RetrieveKey(ctx, env.Metadata.KeyID)
	if !ok {
		return fmt.Errorf("%w: decryption key %q not found", ErrKeyMaterialUnavailable, env.Metadata.KeyID)
	}

	encKey, macKey, err := v.resolveKeyMaterial(payload)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(encKey)
	defer memguard.WipeBytes(macKey)

	if env.Metadata.IV == "" {
		return ErrMissingIV
	}
	iv, err := base64.StdEncoding.DecodeString(env.Metadata.IV)
	if err != nil {
		return fmt.Errorf("%w: IV is not base64", ErrMissingIV)
	}
	if len(iv) != gcmIVSize {
		return fmt.Errorf("%w: IV has invalid length %d", ErrMissingIV, len(iv))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return fmt.Errorf("ciphertext is not base64: %w", err)
	}

	if env.Checksum != "" {
		if macKey != nil {
			if !crypto.VerifyTag(crypto.ComputeHMAC(macKey, ciphertext), env.Checksum) {
				return fmt.Errorf("%w: HMAC mismatch", ErrIntegrityFailure)
			}
		} else {
			if !crypto.VerifyTag(crypto.ComputeDigest(ciphertext), env.Checksum) {
				return fmt.Errorf("%w: digest mismatch", ErrIntegrityFailure)
			}
		}
	}

	plaintext, err := gcmOpen(encKey, iv, ciphertext)
	if err != nil {
		return fmt.Errorf("%w: cipher authentication failed", ErrIntegrityFailure)
	}
	defer memguard.WipeBytes(plaintext)

	serialized, err := decompressPayload(plaintext)
	if err != nil {
		return fmt.Errorf("failed to decompress record: %w", err)
	}

	if err = json.Unmarshal(serialized, out); err != nil {
		return fmt.Errorf("failed to deserialize record: %w", err)
	}
	return nil
}

// decryptLegacy handles 1.x envelopes. The stored key payload string feeds
// the legacy cipher directly, with no unwrap or import step, because that is
// how the legacy producer used it. The legacy checksum is a hash over
// plaintext plus key string.
func (v *Vault) decryptLegacy(ctx context.Context, env *Envelope, out interface{}) error {
	keyString, ok := v.RetrieveKey(ctx, env.Metadata.KeyID)
	if !ok {
		return fmt.Errorf("%w: decryption key %q not found", ErrKeyMaterialUnavailable, env.Metadata.KeyID)
	}

	plaintext, err := crypto.LegacyOpen(env.Data, keyString)
	if err != nil {
		return fmt.Errorf("legacy decryption failed: %w", err)
	}
	if len(plaintext) == 0 {
		return fmt.Errorf("%w: legacy decryption produced empty plaintext, invalid key or corrupted data", ErrIntegrityFailure)
	}

	if env.Checksum != "" {
		expected := crypto.ComputeDigest(append(append([]byte{}, plaintext...), keyString...))
		if !crypto.VerifyTag(expected, env.Checksum) {
			return fmt.Errorf("%w: legacy checksum mismatch", ErrIntegrityFailure)
		}
	}

	serialized, err := decompressPayload(plaintext)
	if err != nil {
		return fmt.Errorf("failed to decompress legacy record: %w", err)
	}

	if err = json.Unmarshal(serialized, out); err != nil {
		return fmt.Errorf("failed to deserialize legacy record: %w", err)
	}
	return nil
}

// resolveOrGenerateKey returns usable key bytes for keyID, lazily creating
// the bundle on first use.
func (v *Vault) resolveOrGenerateKey(ctx context.Context, keyID string) (encKey, macKey []byte, err error) {
	payload, ok := v.RetrieveKey(ctx, keyID)
	if !ok {
		payload, err = v.GenerateKey(ctx, keyID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: auto-generation failed: %v", ErrKeyMaterialUnavailable, err)
		}
	}
	return v.resolveKeyMaterial(payload)
}

// gcmIVSize is the standard GCM nonce length.
const gcmIVSize = 12

func gcmSeal(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func gcmOpen(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm.Open(nil, iv, ciphertext, nil)
}

// isCurrentVersion reports whether a metadata version selects the 2.x path.
// Absent and 1.x versions both take the legacy path.
func isCurrentVersion(version string) bool {
	return strings.HasPrefix(version, "2")
}

// isLegacyVersion reports whether a record explicitly carries the 1.x
// format. Used by migration, which upgrades only records it can positively
// identify as legacy.
func isLegacyVersion(version string) bool {
	return strings.HasPrefix(version, "1")
}
