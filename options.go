package vault

import (
	"fmt"
	"os"

	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/misc"
)

// Options represents configuration parameters for vault initialization and operation.
//
// This structure controls the vault's security posture: key derivation inputs,
// memory protection behavior, and the operational defaults applied to every
// encrypt/decrypt call. It separates serializable configuration from sensitive
// runtime parameters that must never be persisted or transmitted.
//
// SECURITY NOTES:
//   - DerivationPassphrase is marked json:"-" so it can never leak through
//     configuration files, logs, or serialized state.
//   - When both DerivationPassphrase and EnvPassphraseVar are empty, the vault
//     operates without a key-encryption key: generated key bundles are stored
//     in raw (base64) form rather than wrapped. This is a deliberate degraded
//     mode for platforms without a usable passphrase source, matching the
//     behavior of the wrap-failure fallback.
//   - KDFIterations exists ONLY so test profiles can lower the password-backup
//     derivation cost. Production deployments must leave it at zero, which
//     selects the hardened default.
type Options struct {
	// DerivationPassphrase is the master passphrase the key-encryption key is
	// derived from with Argon2id. Never serialized.
	DerivationPassphrase string `json:"-"`

	// EnvPassphraseVar names an environment variable to read the passphrase
	// from when DerivationPassphrase is empty. Avoids command-line exposure
	// in process lists.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// DefaultKeyID is the key id used by Encrypt when the caller does not
	// name one. Defaults to "pain-tracker-default".
	DefaultKeyID string `json:"default_key_id,omitempty"`

	// KDFIterations overrides the PBKDF2 iteration count used for
	// password-derived backup keys. Zero selects the production default.
	// Lowering this is acceptable only in test profiles.
	KDFIterations int `json:"kdf_iterations,omitempty"`

	// EnableMemoryLock requests mlockall so key material cannot be swapped
	// to disk. Best effort: failure downgrades protection, never aborts.
	EnableMemoryLock bool `json:"enable_memory_lock"`
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		DefaultKeyID:     defaultKeyID,
		EnableMemoryLock: true,
	}
}

// Validate checks option consistency before vault initialization.
func (o *Options) Validate() error {
	if o.KDFIterations < 0 {
		return fmt.Errorf("kdf iterations cannot be negative: %d", o.KDFIterations)
	}
	if o.EnvPassphraseVar != "" && o.DerivationPassphrase != "" {
		return fmt.Errorf("set either a passphrase or an environment variable name, not both")
	}
	return nil
}

// passphrase resolves the effective passphrase, preferring the direct value
// over the environment variable. Empty result means wrapping is unavailable.
func (o *Options) passphrase() string {
	if o.DerivationPassphrase != "" {
		return o.DerivationPassphrase
	}
	if o.EnvPassphraseVar != "" {
		return os.Getenv(o.EnvPassphraseVar)
	}
	return ""
}

// kdfIterations returns the effective PBKDF2 iteration count.
func (o *Options) kdfIterations() int {
	if o.KDFIterations > 0 {
		return o.KDFIterations
	}
	return misc.PBKDF2Iterations
}

// defaultKeyIDOrFallback returns the configured default key id.
func (o *Options) defaultKeyIDOrFallback() string {
	if o.DefaultKeyID != "" {
		return o.DefaultKeyID
	}
	return defaultKeyID
}
