package vault

import (
	"context"
	"fmt"
	"strings"
)

// RotationFailure records one key that could not be rotated.
type RotationFailure struct {
	KeyID string `json:"key_id"`
	Error string `json:"error"`
}

// RotationReport aggregates the outcome of a full rotation sweep.
type RotationReport struct {
	TotalKeys  int               `json:"total_keys"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Failures   []RotationFailure `json:"failures,omitempty"`
}

// RotateEncryptionKeys rotates every known key, archiving prior material.
//
// Keys rotate independently: one key's failure is recorded in the report
// and the sweep continues. Only a failure to enumerate the keys at all is
// fatal and propagated, since in that case there is nothing to iterate.
// Archived key ids are skipped; rotating an archive would orphan the
// records it exists to decrypt.
func (v *Vault) RotateEncryptionKeys(ctx context.Context) (*RotationReport, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := v.ListKeys(ctx)
	if err != nil {
		v.auditEvent("key_rotation_sweep", false, err, nil)
		return nil, fmt.Errorf("rotation aborted: %w", err)
	}

	report := &RotationReport{}
	for _, id := range ids {
		if strings.HasPrefix(id, archivedKeyPrefix) {
			continue
		}
		report.TotalKeys++

		if _, rerr := v.RotateKey(ctx, id); rerr != nil {
			report.Failed++
			report.Failures = append(report.Failures, RotationFailure{
				KeyID: id,
				Error: rerr.Error(),
			})
			v.log.Warn().Err(rerr).Str("keyId", id).Msg("key rotation failed")
			continue
		}
		report.Successful++
	}

	v.log.Info().
		Int("totalKeys", report.TotalKeys).
		Int("successful", report.Successful).
		Int("failed", report.Failed).
		Msg("key rotation sweep complete")

	v.auditEvent("key_rotation_sweep", report.Failed == 0, nil, map[string]interface{}{
		"total_keys": report.TotalKeys,
		"successful": report.Successful,
		"failed":     report.Failed,
	})

	return report, nil
}
