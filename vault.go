package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/CrisisCore-Systems/pain-tracker-sub010/audit"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/crypto"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/mem"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/misc"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/securestore"
)

const (
	// defaultKeyID is the key used when callers do not name one.
	defaultKeyID = "pain-tracker-default"

	// keyStoragePrefix namespaces key bundles inside the storage backend so
	// ListKeys can enumerate them without scanning record entries.
	keyStoragePrefix = "encryption-key:"

	// archivedKeyPrefix marks pre-rotation key material kept for decrypting
	// old records. Archived ids are never rotated again.
	archivedKeyPrefix = "archived-key:"

	// kekSaltStorageKey is where the KEK derivation salt is persisted.
	kekSaltStorageKey = "kek:derivation-salt"
)

// Initialize memguard before any vault operation so interrupted processes
// still wipe protected memory.
func init() {
	memguard.CatchInterrupt()
}

// Vault is the envelope-encryption and key-lifecycle engine. It encrypts
// structured records before they leave application memory, persists key
// material through a pluggable (and possibly unreliable) storage backend,
// and remains able to decrypt records written by earlier versions of the
// wire format.
//
// A Vault is an explicit service value: construct it with New, injecting the
// storage backend and audit logger, so tests can supply fakes and multiple
// instances can coexist. There is no package-level singleton.
//
// Concurrency: the internal mutex guards the fallback key cache and the KEK
// state only. Rotating a key is NOT linearizable with in-flight Encrypt
// calls that already resolved the older key; callers that need that ordering
// must serialize RotateKey against Encrypt/Decrypt for the same key id
// themselves.
type Vault struct {
	store   securestore.Store
	options Options

	// Best-effort mirror of stored key payloads. Last writer wins, never
	// authoritative for keys that must survive restart, but the only source
	// when persistence is degraded.
	cache map[string]cachedKey

	// Key-encryption-key state. Nil enclaves mean no passphrase was
	// configured and bundles are persisted in raw form.
	kekEnclave     *memguard.Enclave
	kekSaltEnclave *memguard.Enclave

	memoryProtectionLevel mem.ProtectionLevel

	audit audit.Logger
	log   zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

type cachedKey struct {
	payload string
	created time.Time
}

// New creates a vault bound to the given storage backend and audit logger.
//
// Initialization steps:
//  1. Validates options.
//  2. Tests storage connectivity (a failure is logged, not fatal: the engine
//     is specified to tolerate an unavailable backend).
//  3. Applies best-effort memory locking when requested.
//  4. Loads or creates the KEK derivation salt and derives the KEK when a
//     passphrase is available; otherwise key wrapping is disabled and
//     bundles are stored raw.
//
// A nil auditLogger installs the no-op logger.
func New(options Options, store securestore.Store, auditLogger audit.Logger) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("storage backend cannot be nil")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	v := &Vault{
		store:   store,
		options: options,
		cache:   make(map[string]cachedKey),
		audit:   auditLogger,
		log: zerolog.New(os.Stderr).With().
			Timestamp().
			Str("component", "vault").
			Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		v.log.Warn().Err(err).Str("store", store.GetType()).
			Msg("storage backend unreachable, continuing with in-memory fallback")
	}

	if options.EnableMemoryLock {
		level, lockErr := mem.Lock()
		if lockErr != nil {
			v.log.Warn().Err(lockErr).Msg("memory locking failed")
		}
		v.memoryProtectionLevel = level
		if v.memoryProtectionLevel != mem.ProtectionFull {
			v.log.Warn().Str("level", v.memoryProtectionLevel.String()).
				Msg("memory locking incomplete, key material may be swappable")
		}
	}

	if passphrase := options.passphrase(); passphrase != "" {
		if err := v.setupKEK(ctx, passphrase); err != nil {
			return nil, fmt.Errorf("failed to set up key encryption: %w", err)
		}
	} else {
		v.log.Warn().Msg("no passphrase configured, key bundles will be stored unwrapped")
	}

	v.auditEvent("vault_open", true, nil, map[string]interface{}{
		"store":             store.GetType(),
		"memory_protection": v.memoryProtectionLevel.String(),
		"wrapping_enabled":  v.kekEnclave != nil,
	})

	return v, nil
}

// setupKEK loads (or creates and persists) the derivation salt, then derives
// the key-encryption key into a sealed enclave.
func (v *Vault) setupKEK(ctx context.Context, passphrase string) error {
	salt, err := v.loadOrCreateKEKSalt(ctx)
	if err != nil {
		return err
	}

	v.kekSaltEnclave = memguard.NewEnclave(salt)

	kek, err := crypto.DeriveKEK([]byte(passphrase), v.kekSaltEnclave)
	if err != nil {
		return fmt.Errorf("kek derivation failed: %w", err)
	}
	v.kekEnclave = kek.Seal()

	return nil
}

// loadOrCreateKEKSalt retrieves the persisted derivation salt, generating
// and storing a fresh one on first use. A storage write failure degrades to
// an in-memory salt: wrapping works for this process lifetime but bundles
// wrapped under it are unrecoverable after restart, so it is loudly logged.
func (v *Vault) loadOrCreateKEKSalt(ctx context.Context) ([]byte, error) {
	stored, err := v.store.Retrieve(ctx, kekSaltStorageKey, true)
	if err == nil {
		salt, decErr := hex.DecodeString(stored)
		if decErr != nil {
			return nil, fmt.Errorf("persisted derivation salt is corrupt: %w", decErr)
		}
		return salt, nil
	}
	if !misc.IsNotFoundError(err) {
		v.log.Warn().Err(err).Msg("could not read derivation salt from storage")
	}

	salt := make([]byte, misc.KEKSaltSize)
	if _, err = rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate derivation salt: %w", err)
	}

	if err = v.store.Store(ctx, kekSaltStorageKey, hex.EncodeToString(salt), true); err != nil {
		v.log.Error().Err(err).
			Msg("derivation salt not persisted, wrapped keys will not survive restart")
	}

	return salt, nil
}

// openKEK opens the KEK enclave for a single wrap or unwrap operation. The
// caller must Destroy the returned buffer.
func (v *Vault) openKEK() (*memguard.LockedBuffer, error) {
	if v.kekEnclave == nil {
		return nil, fmt.Errorf("key wrapping is not configured")
	}
	return v.kekEnclave.Open()
}

// Close releases the vault. Key cache entries are dropped and subsequent
// operations fail with ErrVaultClosed. The storage backend and audit logger
// are owned by the caller and are not closed here.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}

	v.cache = make(map[string]cachedKey)
	v.kekEnclave = nil
	v.kekSaltEnclave = nil
	v.closed = true

	v.auditEvent("vault_close", true, nil, nil)
	return nil
}

// checkOpen guards every public operation.
func (v *Vault) checkOpen() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ErrVaultClosed
	}
	return nil
}

// auditEvent emits a structured security event. Audit must never break the
// data path, so logging failures are reported on the diagnostic channel
// only. A non-nil error with an empty message is normalized to
// "Unknown error" in the event while callers still receive the original.
func (v *Vault) auditEvent(action string, success bool, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "Unknown error"
		}
		metadata["error"] = msg
	}

	if logErr := v.audit.Log(action, success, metadata); logErr != nil {
		v.log.Warn().Err(logErr).Str("action", action).Msg("audit event not recorded")
	}
}
