package vault

import (
	"context"
	"strings"
	"testing"
)

func TestRotateEncryptionKeysSweep(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	for _, id := range []string{"records", "reports", "attachments"} {
		if _, err := v.GenerateKey(ctx, id); err != nil {
			t.Fatalf("Failed to generate key %s: %v", id, err)
		}
	}

	report, err := v.RotateEncryptionKeys(ctx)
	if err != nil {
		t.Fatalf("Rotation sweep failed: %v", err)
	}

	if report.TotalKeys != 3 {
		t.Errorf("TotalKeys = %d, want 3", report.TotalKeys)
	}
	if report.Successful != 3 || report.Failed != 0 {
		t.Errorf("Report = %+v, want 3 successful", report)
	}

	// Each rotation archived the prior bundle.
	ids, err := v.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	archived := 0
	for _, id := range ids {
		if strings.HasPrefix(id, "archived-key:") {
			archived++
		}
	}
	if archived != 3 {
		t.Errorf("Archived keys = %d, want 3 (ids: %v)", archived, ids)
	}
}

func TestRotationSweepSkipsArchives(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if _, err := v.GenerateKey(ctx, "records"); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if _, err := v.RotateKey(ctx, "records"); err != nil {
		t.Fatalf("Failed to rotate key: %v", err)
	}

	// One live key plus one archive exist; the sweep must rotate only the
	// live key and must not create archives of archives.
	report, err := v.RotateEncryptionKeys(ctx)
	if err != nil {
		t.Fatalf("Rotation sweep failed: %v", err)
	}
	if report.TotalKeys != 1 {
		t.Errorf("TotalKeys = %d, want 1 (archives must be skipped)", report.TotalKeys)
	}
}

func TestRotationSweepListFailureIsFatal(t *testing.T) {
	v, fs := newFaultyVault(t)
	ctx := context.Background()

	fs.failListings = true
	if _, err := v.RotateEncryptionKeys(ctx); err == nil {
		t.Error("Rotation sweep succeeded with a failing key listing")
	}
}

func TestRotationSweepCollectsPerKeyFailures(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if _, err := v.GenerateKey(ctx, "healthy"); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	report, err := v.RotateEncryptionKeys(ctx)
	if err != nil {
		t.Fatalf("Rotation sweep failed: %v", err)
	}
	if report.TotalKeys != report.Successful+report.Failed {
		t.Errorf("Report does not add up: %+v", report)
	}
	if len(report.Failures) != report.Failed {
		t.Errorf("Failure list length %d != Failed %d", len(report.Failures), report.Failed)
	}
}
