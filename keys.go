package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/crypto"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/misc"
)

// keyBundle is the canonical persisted shape of a key pair. A bundle is
// either fully wrapped (EncWrapped/HMACWrapped) or fully raw (Enc/HMAC);
// the legacy "wrapped" field name is accepted on read and normalized to
// EncWrapped on write. All key fields are base64.
type keyBundle struct {
	Wrapped     string `json:"wrapped,omitempty"`
	EncWrapped  string `json:"encWrapped,omitempty"`
	HMACWrapped string `json:"hmacWrapped,omitempty"`
	Enc         string `json:"enc,omitempty"`
	HMAC        string `json:"hmac,omitempty"`
	Created     string `json:"created,omitempty"`
}

// bundleKind classifies a stored key payload once at the boundary, replacing
// repeated runtime shape probing.
type bundleKind int

const (
	bundleOpaque bundleKind = iota // non-JSON payload stored verbatim
	bundleWrapped
	bundleRaw
)

// classifyPayload decides the payload's shape. Anything that is not a JSON
// object with recognizable bundle fields is opaque.
func classifyPayload(payload string) (keyBundle, bundleKind) {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") {
		return keyBundle{}, bundleOpaque
	}

	var b keyBundle
	if err := json.Unmarshal([]byte(trimmed), &b); err != nil {
		return keyBundle{}, bundleOpaque
	}

	switch {
	case b.Wrapped != "" || b.EncWrapped != "":
		return b, bundleWrapped
	case b.Enc != "":
		return b, bundleRaw
	default:
		return keyBundle{}, bundleOpaque
	}
}

// normalize moves the legacy wrapped field to encWrapped and fills the
// created timestamp.
func (b *keyBundle) normalize() {
	if b.EncWrapped == "" && b.Wrapped != "" {
		b.EncWrapped = b.Wrapped
	}
	b.Wrapped = ""
	if b.Created == "" {
		b.Created = time.Now().UTC().Format(time.RFC3339)
	}
}

func (b *keyBundle) marshal() string {
	data, _ := json.Marshal(b)
	return string(data)
}

// GenerateKey creates a fresh key bundle for keyID and persists it.
//
// The bundle holds two independent 32-byte keys: one for the authenticated
// cipher and one for the HMAC integrity tag. Both halves are wrapped with
// the device KEK when wrapping is configured; when wrapping fails or is
// unavailable the bundle falls back to raw base64 export so encryption keeps
// working on constrained platforms.
//
// Returns the opaque payload string representing the stored bundle.
func (v *Vault) GenerateKey(ctx context.Context, keyID string) (string, error) {
	if err := v.checkOpen(); err != nil {
		return "", err
	}
	if keyID == "" {
		return "", fmt.Errorf("key id cannot be empty")
	}

	encKey := make([]byte, 32)
	macKey := make([]byte, 32)
	if _, err := rand.Read(encKey); err != nil {
		return "", fmt.Errorf("failed to generate cipher key: %w", err)
	}
	if _, err := rand.Read(macKey); err != nil {
		memguard.WipeBytes(encKey)
		return "", fmt.Errorf("failed to generate mac key: %w", err)
	}
	defer memguard.WipeBytes(encKey)
	defer memguard.WipeBytes(macKey)

	if crypto.IsWeakKey(encKey) || crypto.IsWeakKey(macKey) {
		return "", fmt.Errorf("generated key material failed entropy check")
	}

	bundle := keyBundle{Created: time.Now().UTC().Format(time.RFC3339)}

	wrappedEnc, errEnc := v.wrapKeyHalf(encKey)
	wrappedMac, errMac := v.wrapKeyHalf(macKey)
	if errEnc == nil && errMac == nil {
		bundle.EncWrapped = wrappedEnc
		bundle.HMACWrapped = wrappedMac
	} else {
		// Wrap unavailable or failed: export raw. The storage backend still
		// applies its sensitive handling, and the fallback is logged so the
		// degraded state is visible.
		v.log.Warn().Str("keyId", keyID).Msg("key wrapping unavailable, storing raw bundle")
		bundle.Enc = base64.StdEncoding.EncodeToString(encKey)
		bundle.HMAC = base64.StdEncoding.EncodeToString(macKey)
	}

	payload := bundle.marshal()
	if err := v.StoreKey(ctx, keyID, payload); err != nil {
		return "", err
	}

	v.auditEvent("key_generate", true, nil, map[string]interface{}{
		"keyId":   keyID,
		"wrapped": bundle.EncWrapped != "",
	})

	return payload, nil
}

// wrapKeyHalf wraps one raw key with the KEK, returning base64 output.
func (v *Vault) wrapKeyHalf(raw []byte) (string, error) {
	kek, err := v.openKEK()
	if err != nil {
		return "", err
	}
	defer kek.Destroy()

	wrapped, err := crypto.WrapKey(raw, kek.Bytes())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// unwrapKeyHalf reverses wrapKeyHalf.
func (v *Vault) unwrapKeyHalf(encoded string) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("wrapped key is not base64: %w", err)
	}

	kek, err := v.openKEK()
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	return crypto.UnwrapKey(wrapped, kek.Bytes())
}

// StoreKey persists a key payload under keyID.
//
// The payload is classified once: an already-wrapped bundle is stored as-is
// after normalization, a raw {enc, hmac} bundle has each half wrapped
// independently (tolerating wrap failure per half), and a non-JSON payload
// is stored verbatim.
//
// StoreKey never surfaces a storage failure. On any backend error the
// payload is kept in the in-memory fallback cache instead, the degradation
// is logged, and the call reports success: losing persistence must not stop
// the application from encrypting. The cache is updated on every call
// regardless of storage outcome, so the most recent value is always
// available without I/O.
func (v *Vault) StoreKey(ctx context.Context, keyID, payload string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if keyID == "" {
		return fmt.Errorf("key id cannot be empty")
	}

	stored := payload
	bundle, kind := classifyPayload(payload)
	switch kind {
	case bundleWrapped:
		bundle.normalize()
		stored = bundle.marshal()

	case bundleRaw:
		bundle.normalize()
		stored = v.wrapRawBundle(keyID, bundle)

	case bundleOpaque:
		// Non-bundle key material from a collaborator; keep it untouched.
	}

	v.mu.Lock()
	v.cache[keyID] = cachedKey{payload: stored, created: time.Now().UTC()}
	v.mu.Unlock()

	if err := v.store.Store(ctx, keyStoragePrefix+keyID, stored, true); err != nil {
		v.log.Warn().Err(err).Str("keyId", keyID).
			Msg("key not persisted, falling back to in-memory cache")
		v.auditEvent("key_store", false, err, map[string]interface{}{
			"keyId":    keyID,
			"fallback": "memory",
		})
		return nil
	}

	v.auditEvent("key_store", true, nil, map[string]interface{}{"keyId": keyID})
	return nil
}

// wrapRawBundle wraps each raw half independently. A half that fails to wrap
// stays raw; the result is still a single coherent bundle.
func (v *Vault) wrapRawBundle(keyID string, bundle keyBundle) string {
	if v.kekEnclave == nil {
		return bundle.marshal()
	}

	if bundle.Enc != "" {
		raw, err := base64.StdEncoding.DecodeString(bundle.Enc)
		if err == nil {
			if wrapped, werr := v.wrapKeyHalf(raw); werr == nil {
				bundle.EncWrapped = wrapped
				bundle.Enc = ""
			} else {
				v.log.Warn().Err(werr).Str("keyId", keyID).Msg("cipher key half not wrapped")
			}
			memguard.WipeBytes(raw)
		}
	}

	if bundle.HMAC != "" {
		raw, err := base64.StdEncoding.DecodeString(bundle.HMAC)
		if err == nil {
			if wrapped, werr := v.wrapKeyHalf(raw); werr == nil {
				bundle.HMACWrapped = wrapped
				bundle.HMAC = ""
			} else {
				v.log.Warn().Err(werr).Str("keyId", keyID).Msg("mac key half not wrapped")
			}
			memguard.WipeBytes(raw)
		}
	}

	return bundle.marshal()
}

// RetrieveKey resolves the stored payload for keyID.
//
// Storage is consulted first; wrapped shapes read back from storage are
// re-serialized into the canonical bundle JSON with a created timestamp
// filled in. On a read failure or miss the in-memory fallback cache answers
// instead. The second return is false when neither source has the key.
// Storage errors are never surfaced: degraded persistence is logged, not
// propagated.
func (v *Vault) RetrieveKey(ctx context.Context, keyID string) (string, bool) {
	if err := v.checkOpen(); err != nil {
		return "", false
	}

	stored, err := v.store.Retrieve(ctx, keyStoragePrefix+keyID, true)
	if err == nil {
		if bundle, kind := classifyPayload(stored); kind == bundleWrapped {
			bundle.normalize()
			stored = bundle.marshal()
		}
		return stored, true
	}

	if !misc.IsNotFoundError(err) {
		v.log.Warn().Err(err).Str("keyId", keyID).
			Msg("key read failed, falling back to in-memory cache")
	}

	v.mu.RLock()
	entry, ok := v.cache[keyID]
	v.mu.RUnlock()
	if !ok {
		return "", false
	}
	return entry.payload, true
}

// RotateKey replaces the key bundle for keyID with fresh material.
//
// The previous bundle, when one exists, is archived under
// "archived-key:<keyID>:<unix-ms>" so records encrypted before the rotation
// stay decryptable. Archival failure is a logged warning, never a rotation
// failure: losing an archive is recoverable (the old bundle is still in
// storage history or backups), losing the rotation is not.
//
// Rotation is not linearizable with concurrent Encrypt calls for the same
// keyID; see the Vault type documentation.
func (v *Vault) RotateKey(ctx context.Context, keyID string) (string, error) {
	if err := v.checkOpen(); err != nil {
		return "", err
	}

	oldPayload, hadOld := v.RetrieveKey(ctx, keyID)

	newPayload, err := v.GenerateKey(ctx, keyID)
	if err != nil {
		v.auditEvent("key_rotate", false, err, map[string]interface{}{"keyId": keyID})
		return "", fmt.Errorf("failed to rotate key %s: %w", keyID, err)
	}

	if hadOld {
		archiveID := fmt.Sprintf("%s%s:%d", archivedKeyPrefix, keyID, time.Now().UnixMilli())
		if err = v.store.Store(ctx, keyStoragePrefix+archiveID, oldPayload, true); err != nil {
			v.log.Warn().Err(err).Str("keyId", keyID).Str("archiveId", archiveID).
				Msg("previous key material not archived")
		}
	}

	v.auditEvent("key_rotate", true, nil, map[string]interface{}{
		"keyId":    keyID,
		"archived": hadOld,
	})

	return newPayload, nil
}

// DeleteKey removes the key bundle for keyID. A storage failure degrades to
// removing the cache entry only, so the key at least stops being usable in
// this process.
func (v *Vault) DeleteKey(ctx context.Context, keyID string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	v.mu.Lock()
	delete(v.cache, keyID)
	v.mu.Unlock()

	if err := v.store.Delete(ctx, keyStoragePrefix+keyID); err != nil {
		v.log.Warn().Err(err).Str("keyId", keyID).
			Msg("key not deleted from storage, removed from cache only")
		v.auditEvent("key_delete", false, err, map[string]interface{}{"keyId": keyID})
		return nil
	}

	v.auditEvent("key_delete", true, nil, map[string]interface{}{"keyId": keyID})
	return nil
}

// ListKeys returns the union of storage-visible key ids and in-memory cache
// ids, sorted. A storage listing failure is fatal: unlike single-key reads
// there is no meaningful partial answer for enumeration.
func (v *Vault) ListKeys(ctx context.Context) ([]string, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	storageKeys, err := v.store.List(ctx, keyStoragePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	seen := make(map[string]struct{})
	for _, k := range storageKeys {
		seen[strings.TrimPrefix(k, keyStoragePrefix)] = struct{}{}
	}

	v.mu.RLock()
	for id := range v.cache {
		seen[id] = struct{}{}
	}
	v.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// resolveKeyMaterial turns a stored payload into usable key bytes. Each half
// resolves independently so a partially-wrapped bundle (one half's wrap
// failed at store time) still yields both keys. The MAC half may
// legitimately be absent (nil), in which case integrity tagging falls back
// to a plain digest. An unparseable payload is a KeyMaterialUnavailable
// condition.
func (v *Vault) resolveKeyMaterial(payload string) (encKey, macKey []byte, err error) {
	bundle, kind := classifyPayload(payload)
	if kind == bundleOpaque {
		return nil, nil, fmt.Errorf("%w: payload is not a key bundle", ErrKeyMaterialUnavailable)
	}
	bundle.normalize()

	switch {
	case bundle.EncWrapped != "":
		encKey, err = v.unwrapKeyHalf(bundle.EncWrapped)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: cipher key unwrap failed: %v", ErrKeyMaterialUnavailable, err)
		}
	case bundle.Enc != "":
		encKey, err = base64.StdEncoding.DecodeString(bundle.Enc)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: cipher key is not base64", ErrKeyMaterialUnavailable)
		}
	default:
		return nil, nil, fmt.Errorf("%w: bundle has no cipher key", ErrKeyMaterialUnavailable)
	}

	switch {
	case bundle.HMACWrapped != "":
		macKey, err = v.unwrapKeyHalf(bundle.HMACWrapped)
		if err != nil {
			memguard.WipeBytes(encKey)
			return nil, nil, fmt.Errorf("%w: mac key unwrap failed: %v", ErrKeyMaterialUnavailable, err)
		}
	case bundle.HMAC != "":
		macKey, err = base64.StdEncoding.DecodeString(bundle.HMAC)
		if err != nil {
			memguard.WipeBytes(encKey)
			return nil, nil, fmt.Errorf("%w: mac key is not base64", ErrKeyMaterialUnavailable)
		}
	}

	return encKey, macKey, nil
}
