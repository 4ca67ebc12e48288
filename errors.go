package vault

import "errors"

// Failure taxonomy for the encryption engine. All fatal conditions are
// sentinel errors so callers can classify with errors.Is; context is added
// at each call site with fmt.Errorf("%w").
var (
	// ErrKeyMaterialUnavailable means the key for an operation is missing or
	// unparseable. Fatal, no retry: encrypting would mint an orphan key and
	// decrypting would be guesswork.
	ErrKeyMaterialUnavailable = errors.New("encryption key material not available")

	// ErrIntegrityFailure means an HMAC, digest, or legacy checksum did not
	// match. Signals tampering or a wrong key; the payload is never returned.
	ErrIntegrityFailure = errors.New("integrity check failed")

	// ErrMissingIV means a current-format envelope arrived without its
	// initialization vector. The envelope is malformed and undecryptable.
	ErrMissingIV = errors.New("missing IV in encrypted data")

	// ErrBackupSaltMissing means a password restore was attempted on an
	// envelope that carries no password salt. Failing here prevents a
	// keyless derivation from silently producing garbage plaintext.
	ErrBackupSaltMissing = errors.New("backup missing password salt metadata")

	// ErrVaultClosed is returned by any operation after Close.
	ErrVaultClosed = errors.New("vault is closed")
)
