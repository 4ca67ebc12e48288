package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// MigrationOptions controls a legacy-record migration run.
type MigrationOptions struct {
	// DryRun scans and reports without writing anything back to the store.
	DryRun bool

	// BackupPath, when set, writes a JSON export of every legacy record
	// before any of them are rewritten.
	BackupPath string

	// BackupWriter receives the export when no filesystem path is available
	// (collaborator environments without file access fall back to console
	// output). Ignored when BackupPath is set.
	BackupWriter io.Writer
}

// MigrationError records one record that could not be migrated.
type MigrationError struct {
	RecordKey string `json:"record_key"`
	Error     string `json:"error"`
}

// MigrationReport summarizes a migration run.
type MigrationReport struct {
	Scanned  int              `json:"scanned"`
	Migrated int              `json:"migrated"`
	Skipped  int              `json:"skipped"`
	Errors   []MigrationError `json:"errors,omitempty"`
}

// migrationBackupEntry pairs a record key with its pre-migration envelope in
// the export file.
type migrationBackupEntry struct {
	RecordKey string   `json:"record_key"`
	Envelope  Envelope `json:"envelope"`
}

// MigrateLegacyRecords upgrades every legacy-format record in the store to
// the current wire format, in place.
//
// The scan walks all stored entries, ignoring key bundles and engine state.
// Entries that are not envelopes, or already carry the current format, are
// counted as skipped. Each positively-identified legacy record is decrypted
// through the legacy path and re-encrypted under the same key id with the
// current path; the result is validated to carry the current version and a
// warning (not a failure) is logged if its IV or checksum is unexpectedly
// absent. Per-record failures are collected and the scan continues; only a
// failure to enumerate the store at all is fatal.
//
// With DryRun nothing is written back. When a backup destination is
// configured the legacy records are exported before the first rewrite.
func (v *Vault) MigrateLegacyRecords(ctx context.Context, opts MigrationOptions) (*MigrationReport, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	recordKeys, err := v.store.List(ctx, "")
	if err != nil {
		v.auditEvent("legacy_migration", false, err, nil)
		return nil, fmt.Errorf("migration aborted, cannot enumerate store: %w", err)
	}

	report := &MigrationReport{}
	type legacyRecord struct {
		key string
		env Envelope
	}
	var pending []legacyRecord

	for _, key := range recordKeys {
		if strings.HasPrefix(key, keyStoragePrefix) || key == kekSaltStorageKey {
			continue
		}
		report.Scanned++

		value, rerr := v.store.Retrieve(ctx, key, false)
		if rerr != nil {
			report.Errors = append(report.Errors, MigrationError{
				RecordKey: key,
				Error:     fmt.Sprintf("read failed: %v", rerr),
			})
			continue
		}

		var env Envelope
		if uerr := json.Unmarshal([]byte(value), &env); uerr != nil || env.Metadata.KeyID == "" {
			// Not an envelope; some collaborator stores plain state here.
			report.Skipped++
			continue
		}

		if !isLegacyVersion(env.Metadata.Version) {
			report.Skipped++
			continue
		}

		pending = append(pending, legacyRecord{key: key, env: env})
	}

	if len(pending) > 0 && (opts.BackupPath != "" || opts.BackupWriter != nil) {
		entries := make([]migrationBackupEntry, 0, len(pending))
		for _, rec := range pending {
			entries = append(entries, migrationBackupEntry{RecordKey: rec.key, Envelope: rec.env})
		}
		if berr := writeMigrationBackup(opts, entries); berr != nil {
			v.auditEvent("legacy_migration", false, berr, nil)
			return nil, fmt.Errorf("pre-migration backup failed, aborting before any rewrite: %w", berr)
		}
	}

	for _, rec := range pending {
		if merr := v.migrateRecord(ctx, rec.key, &rec.env, opts.DryRun); merr != nil {
			report.Errors = append(report.Errors, MigrationError{
				RecordKey: rec.key,
				Error:     merr.Error(),
			})
			continue
		}
		report.Migrated++
	}

	v.log.Info().
		Int("scanned", report.Scanned).
		Int("migrated", report.Migrated).
		Int("skipped", report.Skipped).
		Int("errors", len(report.Errors)).
		Bool("dryRun", opts.DryRun).
		Msg("legacy migration complete")

	v.auditEvent("legacy_migration", len(report.Errors) == 0, nil, map[string]interface{}{
		"scanned":  report.Scanned,
		"migrated": report.Migrated,
		"skipped":  report.Skipped,
		"errors":   len(report.Errors),
		"dry_run":  opts.DryRun,
	})

	return report, nil
}

// migrateRecord upgrades a single record: legacy decrypt, current-format
// re-encrypt, sanity-check, write back. The record keeps its key id when
// that id holds a real key bundle; an opaque legacy key string cannot serve
// the current cipher path, so those records move to the default key.
func (v *Vault) migrateRecord(ctx context.Context, key string, env *Envelope, dryRun bool) error {
	var value interface{}
	if err := v.Decrypt(ctx, env, &value); err != nil {
		return fmt.Errorf("legacy decrypt failed: %w", err)
	}

	targetKeyID := env.Metadata.KeyID
	if payload, ok := v.RetrieveKey(ctx, targetKeyID); ok {
		if _, kind := classifyPayload(payload); kind == bundleOpaque {
			targetKeyID = v.options.defaultKeyIDOrFallback()
		}
	}

	upgraded, err := v.Encrypt(ctx, value, &EncryptOptions{KeyID: targetKeyID})
	if err != nil {
		return fmt.Errorf("re-encrypt failed: %w", err)
	}

	if !isCurrentVersion(upgraded.Metadata.Version) {
		return fmt.Errorf("re-encrypted record carries version %q, expected current format", upgraded.Metadata.Version)
	}
	if upgraded.Metadata.IV == "" {
		v.log.Warn().Str("recordKey", key).Msg("migrated record has no IV")
	}
	if upgraded.Checksum == "" {
		v.log.Warn().Str("recordKey", key).Msg("migrated record has no checksum")
	}

	if dryRun {
		return nil
	}

	serialized, err := json.Marshal(upgraded)
	if err != nil {
		return fmt.Errorf("failed to serialize migrated record: %w", err)
	}
	if err = v.store.Store(ctx, key, string(serialized), false); err != nil {
		return fmt.Errorf("write-back failed: %w", err)
	}
	return nil
}

// writeMigrationBackup exports the legacy records as indented JSON to the
// configured destination. A path takes precedence over a writer.
func writeMigrationBackup(opts MigrationOptions, entries []migrationBackupEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize backup export: %w", err)
	}

	if opts.BackupPath != "" {
		if err = os.WriteFile(opts.BackupPath, data, 0600); err != nil {
			return fmt.Errorf("failed to write backup export: %w", err)
		}
		return nil
	}

	if _, err = opts.BackupWriter.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write backup export: %w", err)
	}
	return nil
}
