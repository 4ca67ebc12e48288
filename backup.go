package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/crypto"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/internal/misc"
)

// CreateEncryptedBackup produces a portable serialized envelope for value.
//
// With an empty password the backup is simply an envelope under the default
// key: restorable only on a device holding that key. With a password, a
// fresh random salt and PBKDF2-SHA256 derive a dedicated key bundle that is
// stored under a new backup key id, and the salt is recorded in the
// envelope's passwordSalt metadata so any device with the password can
// re-derive the key. The iteration count is the production default unless a
// test profile lowered it through Options.
func (v *Vault) CreateEncryptedBackup(ctx context.Context, value interface{}, password string) (string, error) {
	if err := v.checkOpen(); err != nil {
		return "", err
	}

	if password == "" {
		env, err := v.Encrypt(ctx, value, nil)
		if err != nil {
			v.auditEvent("backup_create", false, err, nil)
			return "", err
		}
		serialized, err := json.Marshal(env)
		if err != nil {
			return "", fmt.Errorf("failed to serialize backup: %w", err)
		}
		v.auditEvent("backup_create", true, nil, map[string]interface{}{
			"keyId":              env.Metadata.KeyID,
			"password_protected": false,
		})
		return string(serialized), nil
	}

	salt := make([]byte, misc.BackupSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate backup salt: %w", err)
	}

	keyID := "backup-" + uuid.NewString()
	if err := v.storeDerivedBackupKey(ctx, keyID, password, salt); err != nil {
		v.auditEvent("backup_create", false, err, map[string]interface{}{"keyId": keyID})
		return "", err
	}

	env, err := v.Encrypt(ctx, value, &EncryptOptions{KeyID: keyID})
	if err != nil {
		v.auditEvent("backup_create", false, err, map[string]interface{}{"keyId": keyID})
		return "", err
	}
	env.Metadata.PasswordSalt = hex.EncodeToString(salt)

	serialized, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize backup: %w", err)
	}

	v.auditEvent("backup_create", true, nil, map[string]interface{}{
		"keyId":              keyID,
		"password_protected": true,
	})
	return string(serialized), nil
}

// RestoreFromEncryptedBackup decrypts a serialized backup into out.
//
// When a password is supplied the envelope must carry the salt it was
// created with: a missing passwordSalt fails with ErrBackupSaltMissing
// before any cipher work, because deriving a key without the recorded salt
// could only produce garbage plaintext. The re-derived bundle is stored
// under the envelope's key id and the normal decrypt path takes over.
func (v *Vault) RestoreFromEncryptedBackup(ctx context.Context, serialized string, password string, out interface{}) error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	var env Envelope
	if err := json.Unmarshal([]byte(serialized), &env); err != nil {
		return fmt.Errorf("backup is not a valid envelope: %w", err)
	}

	if password != "" {
		if env.Metadata.PasswordSalt == "" {
			v.auditEvent("backup_restore", false, ErrBackupSaltMissing, map[string]interface{}{
				"keyId": env.Metadata.KeyID,
			})
			return ErrBackupSaltMissing
		}

		salt, err := hex.DecodeString(env.Metadata.PasswordSalt)
		if err != nil {
			return fmt.Errorf("backup password salt is corrupt: %w", err)
		}

		if err = v.storeDerivedBackupKey(ctx, env.Metadata.KeyID, password, salt); err != nil {
			v.auditEvent("backup_restore", false, err, map[string]interface{}{
				"keyId": env.Metadata.KeyID,
			})
			return err
		}
	}

	if err := v.Decrypt(ctx, &env, out); err != nil {
		v.auditEvent("backup_restore", false, err, map[string]interface{}{
			"keyId": env.Metadata.KeyID,
		})
		return err
	}

	v.auditEvent("backup_restore", true, nil, map[string]interface{}{
		"keyId": env.Metadata.KeyID,
	})
	return nil
}

// storeDerivedBackupKey derives the enc and mac halves from password and
// salt and stores them as a raw bundle under keyID. StoreKey wraps the
// halves when the device KEK is available.
func (v *Vault) storeDerivedBackupKey(ctx context.Context, keyID, password string, salt []byte) error {
	encKey, macKey := crypto.DeriveBackupKeys(password, salt, v.options.kdfIterations())
	defer memguard.WipeBytes(encKey)
	defer memguard.WipeBytes(macKey)

	bundle := keyBundle{
		Enc:     base64.StdEncoding.EncodeToString(encKey),
		HMAC:    base64.StdEncoding.EncodeToString(macKey),
		Created: time.Now().UTC().Format(time.RFC3339),
	}

	return v.StoreKey(ctx, keyID, bundle.marshal())
}
