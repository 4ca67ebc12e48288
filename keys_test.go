package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/CrisisCore-Systems/pain-tracker-sub010/securestore"
)

// faultyStore simulates a degraded storage backend. Individual operations
// can be switched to fail while the rest keep working.
type faultyStore struct {
	inner        securestore.Store
	failWrites   bool
	failReads    bool
	failDeletes  bool
	failListings bool
}

var errStorageDown = errors.New("storage backend unavailable")

func (f *faultyStore) Store(ctx context.Context, key, value string, sensitive bool) error {
	if f.failWrites {
		return errStorageDown
	}
	return f.inner.Store(ctx, key, value, sensitive)
}

func (f *faultyStore) Retrieve(ctx context.Context, key string, sensitive bool) (string, error) {
	if f.failReads {
		return "", errStorageDown
	}
	return f.inner.Retrieve(ctx, key, sensitive)
}

func (f *faultyStore) Delete(ctx context.Context, key string) error {
	if f.failDeletes {
		return errStorageDown
	}
	return f.inner.Delete(ctx, key)
}

func (f *faultyStore) List(ctx context.Context, prefix string) ([]string, error) {
	if f.failListings {
		return nil, errStorageDown
	}
	return f.inner.List(ctx, prefix)
}

func (f *faultyStore) Ping(ctx context.Context) error { return f.inner.Ping(ctx) }
func (f *faultyStore) Close() error                   { return f.inner.Close() }
func (f *faultyStore) GetType() string                { return "faulty" }

func newFaultyVault(t *testing.T) (*Vault, *faultyStore) {
	t.Helper()

	fs := &faultyStore{inner: securestore.NewMemoryStore()}
	v, err := New(Options{
		DerivationPassphrase: "test-passphrase-for-unit-tests",
		KDFIterations:        1000,
	}, fs, nil)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v, fs
}

func TestGenerateKeyProducesWrappedBundle(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	payload, err := v.GenerateKey(ctx, "records")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	var bundle map[string]string
	if err = json.Unmarshal([]byte(payload), &bundle); err != nil {
		t.Fatalf("Generated payload is not JSON: %v", err)
	}
	if bundle["encWrapped"] == "" || bundle["hmacWrapped"] == "" {
		t.Errorf("Expected wrapped bundle, got %v", bundle)
	}
	if bundle["enc"] != "" || bundle["hmac"] != "" {
		t.Errorf("Wrapped bundle leaks raw key material: %v", bundle)
	}
	if bundle["created"] == "" {
		t.Error("Bundle has no created timestamp")
	}
}

func TestGenerateKeyRawFallbackWithoutKEK(t *testing.T) {
	// No passphrase means no KEK: bundles fall back to raw export.
	v, err := New(Options{KDFIterations: 1000}, securestore.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	defer v.Close()
	ctx := context.Background()

	payload, err := v.GenerateKey(ctx, "records")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	var bundle map[string]string
	if err = json.Unmarshal([]byte(payload), &bundle); err != nil {
		t.Fatalf("Generated payload is not JSON: %v", err)
	}
	if bundle["enc"] == "" || bundle["hmac"] == "" {
		t.Errorf("Expected raw bundle without KEK, got %v", bundle)
	}

	if raw, derr := base64.StdEncoding.DecodeString(bundle["enc"]); derr != nil || len(raw) != 32 {
		t.Errorf("Raw cipher key is not 32 base64 bytes: err=%v len=%d", derr, len(raw))
	}

	// The engine still encrypts and decrypts end to end in raw mode.
	env, err := v.Encrypt(ctx, map[string]int{"a": 1}, &EncryptOptions{KeyID: "records"})
	if err != nil {
		t.Fatalf("Encrypt in raw mode failed: %v", err)
	}
	var out map[string]int
	if err = v.Decrypt(ctx, env, &out); err != nil {
		t.Fatalf("Decrypt in raw mode failed: %v", err)
	}
}

func TestStoreKeyNormalizesLegacyWrappedField(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if err := v.StoreKey(ctx, "old-shape", `{"wrapped":"AAAA","hmacWrapped":"BBBB"}`); err != nil {
		t.Fatalf("Failed to store legacy-shaped bundle: %v", err)
	}

	payload, ok := v.RetrieveKey(ctx, "old-shape")
	if !ok {
		t.Fatal("Stored key not retrievable")
	}

	var bundle map[string]string
	if err := json.Unmarshal([]byte(payload), &bundle); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if bundle["encWrapped"] != "AAAA" {
		t.Errorf("wrapped field not normalized to encWrapped: %v", bundle)
	}
	if bundle["wrapped"] != "" {
		t.Errorf("legacy wrapped field survived normalization: %v", bundle)
	}
	if bundle["created"] == "" {
		t.Error("created timestamp not filled in")
	}
}

func TestStoreKeyOpaquePayloadVerbatim(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	const opaque = "not-json-key-material"
	if err := v.StoreKey(ctx, "opaque", opaque); err != nil {
		t.Fatalf("Failed to store opaque payload: %v", err)
	}

	payload, ok := v.RetrieveKey(ctx, "opaque")
	if !ok {
		t.Fatal("Opaque key not retrievable")
	}
	if payload != opaque {
		t.Errorf("Opaque payload mutated: %q", payload)
	}
}

func TestStoreKeyNeverSurfacesStorageFailure(t *testing.T) {
	v, fs := newFaultyVault(t)
	ctx := context.Background()

	fs.failWrites = true
	if err := v.StoreKey(ctx, "records", "opaque-key"); err != nil {
		t.Fatalf("StoreKey surfaced a storage failure: %v", err)
	}

	// The cache answers even though storage never saw the write.
	fs.failReads = true
	payload, ok := v.RetrieveKey(ctx, "records")
	if !ok {
		t.Fatal("Key lost despite in-memory fallback")
	}
	if payload != "opaque-key" {
		t.Errorf("Fallback returned %q", payload)
	}
}

func TestEncryptionSurvivesDegradedStorage(t *testing.T) {
	v, fs := newFaultyVault(t)
	ctx := context.Background()

	fs.failWrites = true
	fs.failReads = true

	env, err := v.Encrypt(ctx, map[string]string{"note": "offline entry"}, nil)
	if err != nil {
		t.Fatalf("Encrypt failed with degraded storage: %v", err)
	}

	var out map[string]string
	if err = v.Decrypt(ctx, env, &out); err != nil {
		t.Fatalf("Decrypt failed with degraded storage: %v", err)
	}
	if out["note"] != "offline entry" {
		t.Errorf("Round trip mismatch under degraded storage: %#v", out)
	}
}

func TestRetrieveKeyFallsBackOnReadFailure(t *testing.T) {
	v, fs := newFaultyVault(t)
	ctx := context.Background()

	if err := v.StoreKey(ctx, "records", "opaque-key"); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	fs.failReads = true
	payload, ok := v.RetrieveKey(ctx, "records")
	if !ok || payload != "opaque-key" {
		t.Errorf("Cache fallback failed: ok=%v payload=%q", ok, payload)
	}
}

func TestListKeysUnionsStorageAndCache(t *testing.T) {
	v, fs := newFaultyVault(t)
	ctx := context.Background()

	if err := v.StoreKey(ctx, "persisted", "opaque-a"); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	fs.failWrites = true
	if err := v.StoreKey(ctx, "cache-only", "opaque-b"); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}
	fs.failWrites = false

	ids, err := v.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}

	want := map[string]bool{"persisted": false, "cache-only": false}
	for _, id := range ids {
		if _, tracked := want[id]; tracked {
			want[id] = true
		}
	}
	for id, seen := range want {
		if !seen {
			t.Errorf("ListKeys missing %q (got %v)", id, ids)
		}
	}
}

func TestListKeysPropagatesListFailure(t *testing.T) {
	v, fs := newFaultyVault(t)
	ctx := context.Background()

	fs.failListings = true
	if _, err := v.ListKeys(ctx); err == nil {
		t.Error("ListKeys succeeded with a failing backend listing")
	}
}

func TestRotateKeyArchivesOldMaterial(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	oldPayload, err := v.GenerateKey(ctx, "records")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	newPayload, err := v.RotateKey(ctx, "records")
	if err != nil {
		t.Fatalf("Failed to rotate key: %v", err)
	}
	if newPayload == oldPayload {
		t.Error("Rotation did not replace key material")
	}

	ids, err := v.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}

	var archiveID string
	for _, id := range ids {
		if strings.HasPrefix(id, "archived-key:records:") {
			archiveID = id
		}
	}
	if archiveID == "" {
		t.Fatalf("No archived key found in %v", ids)
	}

	archived, ok := v.RetrieveKey(ctx, archiveID)
	if !ok {
		t.Fatal("Archived key not retrievable")
	}
	if archived != oldPayload {
		t.Error("Archived payload does not match pre-rotation material")
	}
}

func TestRotateKeyWithoutExistingKey(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if _, err := v.RotateKey(ctx, "fresh"); err != nil {
		t.Fatalf("Rotation of a nonexistent key failed: %v", err)
	}

	ids, err := v.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	for _, id := range ids {
		if strings.HasPrefix(id, "archived-key:fresh:") {
			t.Errorf("Archive created for a key that never existed: %v", ids)
		}
	}
}

func TestRotationSurvivability(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	env, err := v.Encrypt(ctx, map[string]string{"note": "pre-rotation"}, &EncryptOptions{KeyID: "records"})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err = v.RotateKey(ctx, "records"); err != nil {
		t.Fatalf("Rotation failed: %v", err)
	}

	// New encrypts succeed under the fresh material.
	if _, err = v.Encrypt(ctx, map[string]string{"note": "post-rotation"}, &EncryptOptions{KeyID: "records"}); err != nil {
		t.Fatalf("Encrypt after rotation failed: %v", err)
	}

	// The pre-rotation envelope no longer decrypts under the current key.
	var out map[string]string
	if err = v.Decrypt(ctx, env, &out); err == nil {
		t.Fatal("Pre-rotation envelope decrypted under rotated key")
	}

	// Locating the archived material out-of-band restores access.
	ids, err := v.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	var archiveID string
	for _, id := range ids {
		if strings.HasPrefix(id, "archived-key:records:") {
			archiveID = id
		}
	}
	if archiveID == "" {
		t.Fatal("Archived key not found")
	}

	if _, ok := v.RetrieveKey(ctx, archiveID); !ok {
		t.Fatal("Archived payload not retrievable")
	}
	env.Metadata.KeyID = archiveID

	if err = v.Decrypt(ctx, env, &out); err != nil {
		t.Fatalf("Decrypt with archived key failed: %v", err)
	}
	if out["note"] != "pre-rotation" {
		t.Errorf("Archived-key decrypt mismatch: %#v", out)
	}
}

func TestDeleteKey(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if _, err := v.GenerateKey(ctx, "doomed"); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if err := v.DeleteKey(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if _, ok := v.RetrieveKey(ctx, "doomed"); ok {
		t.Error("Deleted key still retrievable")
	}
}

func TestDeleteKeyDegradedStorage(t *testing.T) {
	v, fs := newFaultyVault(t)
	ctx := context.Background()

	if err := v.StoreKey(ctx, "doomed", "opaque"); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	fs.failDeletes = true
	fs.failReads = true
	if err := v.DeleteKey(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteKey surfaced a storage failure: %v", err)
	}

	// At minimum the cache entry is gone, so the key stops resolving in
	// this process.
	if _, ok := v.RetrieveKey(ctx, "doomed"); ok {
		t.Error("Key still resolvable after degraded delete")
	}
}
