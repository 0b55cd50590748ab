package backup_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lilianmoon/advocate/pkg/audit"
	"github.com/lilianmoon/advocate/pkg/backup"
	"github.com/lilianmoon/advocate/pkg/records"
	"github.com/lilianmoon/advocate/pkg/vault"
)

var masterPassword = []byte("vault master password")

// seededVault creates an unlocked vault holding a profile and one document.
func seededVault(t *testing.T) (*vault.Vault, string) {
	t.Helper()
	v := vault.New(filepath.Join(t.TempDir(), "vault"))
	if _, err := v.Open(context.Background(), masterPassword); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(v.Lock)

	store := records.NewStore(v, audit.SourceCLI)
	if err := store.SaveProfile(&records.Profile{Name: "Test Patient", DOB: "1990-01-01"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	doc, err := store.AddDocument("report.pdf", []byte("original document content"), "searchable text")
	if err != nil {
		t.Fatalf("AddDocument failed: %v", err)
	}
	return v, doc.ID
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	v, docID := seededVault(t)

	var buf bytes.Buffer
	backupPassword := []byte("different backup password")
	err := backup.Backup(v, backup.Options{
		Output:       &buf,
		Password:     backupPassword,
		IncludeAudit: true,
	})
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	v.Lock()

	backupPath := filepath.Join(t.TempDir(), "vault.bak")
	if err := os.WriteFile(backupPath, buf.Bytes(), 0600); err != nil {
		t.Fatalf("failed to write backup file: %v", err)
	}

	restorePath := filepath.Join(t.TempDir(), "restored")
	result, err := backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: restorePath,
		Password:  backupPassword,
		WithAudit: true,
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.DocumentsRestored != 1 {
		t.Errorf("DocumentsRestored = %d, want 1", result.DocumentsRestored)
	}
	if !result.AuditRestored {
		t.Error("audit logs should have been restored")
	}

	// The restored vault opens with the original master password and the
	// document content survives.
	restored := vault.New(restorePath)
	if _, err := restored.Open(context.Background(), masterPassword); err != nil {
		t.Fatalf("Open of restored vault failed: %v", err)
	}
	defer restored.Lock()

	store := records.NewStore(restored, audit.SourceCLI)
	content, err := store.ExportDocument(docID)
	if err != nil {
		t.Fatalf("ExportDocument failed: %v", err)
	}
	if string(content) != "original document content" {
		t.Errorf("restored content = %q", content)
	}

	profile, err := store.Profile()
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if profile == nil || profile.Name != "Test Patient" {
		t.Errorf("restored profile = %+v", profile)
	}
}

func TestRestoreWrongPassword(t *testing.T) {
	v, _ := seededVault(t)

	var buf bytes.Buffer
	if err := backup.Backup(v, backup.Options{Output: &buf, Password: []byte("right")}); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "vault.bak")
	if err := os.WriteFile(backupPath, buf.Bytes(), 0600); err != nil {
		t.Fatalf("failed to write backup file: %v", err)
	}

	_, err := backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: filepath.Join(t.TempDir(), "restored"),
		Password:  []byte("wrong"),
	})
	if !errors.Is(err, backup.ErrIntegrityFailed) {
		t.Errorf("expected ErrIntegrityFailed, got %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	v, _ := seededVault(t)

	var buf bytes.Buffer
	password := []byte("backup password")
	if err := backup.Backup(v, backup.Options{Output: &buf, Password: password}); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	data := buf.Bytes()
	backupPath := filepath.Join(t.TempDir(), "vault.bak")

	// Pristine backup verifies.
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		t.Fatalf("failed to write backup file: %v", err)
	}
	result, err := backup.Verify(backupPath, password, "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("pristine backup should verify: %s", result.Error)
	}
	if result.DocumentCount != 1 {
		t.Errorf("DocumentCount = %d, want 1", result.DocumentCount)
	}

	// Flip one ciphertext byte.
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)/2] ^= 0x01
	if err := os.WriteFile(backupPath, tampered, 0600); err != nil {
		t.Fatalf("failed to write tampered file: %v", err)
	}
	result, err = backup.Verify(backupPath, password, "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Valid {
		t.Error("tampered backup should not verify")
	}
}

func TestBackupKeyFileMode(t *testing.T) {
	v, _ := seededVault(t)

	keyPath := filepath.Join(t.TempDir(), "backup.key")
	if err := backup.GenerateKeyFile(keyPath); err != nil {
		t.Fatalf("GenerateKeyFile failed: %v", err)
	}

	var buf bytes.Buffer
	if err := backup.Backup(v, backup.Options{Output: &buf, KeyFile: keyPath}); err != nil {
		t.Fatalf("Backup with key file failed: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "vault.bak")
	if err := os.WriteFile(backupPath, buf.Bytes(), 0600); err != nil {
		t.Fatalf("failed to write backup file: %v", err)
	}

	result, err := backup.Verify(backupPath, nil, keyPath)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("key-file backup should verify: %s", result.Error)
	}

	// A different key fails verification.
	otherKey := filepath.Join(t.TempDir(), "other.key")
	if err := backup.GenerateKeyFile(otherKey); err != nil {
		t.Fatalf("GenerateKeyFile failed: %v", err)
	}
	result, err = backup.Verify(backupPath, nil, otherKey)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Valid {
		t.Error("verification with wrong key should fail")
	}
}

func TestBackupRequiresPasswordOrKey(t *testing.T) {
	v, _ := seededVault(t)
	var buf bytes.Buffer
	if err := backup.Backup(v, backup.Options{Output: &buf}); !errors.Is(err, backup.ErrEmptyPassword) {
		t.Errorf("expected ErrEmptyPassword, got %v", err)
	}
}

func TestRestoreConflictModes(t *testing.T) {
	v, _ := seededVault(t)

	var buf bytes.Buffer
	password := []byte("backup password")
	if err := backup.Backup(v, backup.Options{Output: &buf, Password: password}); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	backupPath := filepath.Join(t.TempDir(), "vault.bak")
	if err := os.WriteFile(backupPath, buf.Bytes(), 0600); err != nil {
		t.Fatalf("failed to write backup file: %v", err)
	}

	target := filepath.Join(t.TempDir(), "existing")
	if err := os.MkdirAll(target, 0700); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	marker := filepath.Join(target, "marker")
	if err := os.WriteFile(marker, []byte("x"), 0600); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}

	_, err := backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: target, Password: password, OnConflict: backup.ConflictError,
	})
	if !errors.Is(err, backup.ErrVaultExists) {
		t.Errorf("ConflictError: expected ErrVaultExists, got %v", err)
	}

	result, err := backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: target, Password: password, OnConflict: backup.ConflictSkip,
	})
	if err != nil {
		t.Fatalf("ConflictSkip failed: %v", err)
	}
	if !result.Skipped {
		t.Error("ConflictSkip should report Skipped")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("ConflictSkip must leave the existing vault untouched")
	}

	result, err = backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: target, Password: password, OnConflict: backup.ConflictOverwrite,
	})
	if err != nil {
		t.Fatalf("ConflictOverwrite failed: %v", err)
	}
	if result.DocumentsRestored != 1 {
		t.Errorf("DocumentsRestored = %d, want 1", result.DocumentsRestored)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("ConflictOverwrite should replace the existing vault")
	}
}

func TestRestoreDryRun(t *testing.T) {
	v, _ := seededVault(t)

	var buf bytes.Buffer
	password := []byte("backup password")
	if err := backup.Backup(v, backup.Options{Output: &buf, Password: password}); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	backupPath := filepath.Join(t.TempDir(), "vault.bak")
	if err := os.WriteFile(backupPath, buf.Bytes(), 0600); err != nil {
		t.Fatalf("failed to write backup file: %v", err)
	}

	target := filepath.Join(t.TempDir(), "never-created")
	result, err := backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: target, Password: password, DryRun: true,
	})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !result.DryRun {
		t.Error("result should report DryRun")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("dry run must not create the target")
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	backupPath := filepath.Join(t.TempDir(), "garbage.bak")
	if err := os.WriteFile(backupPath, []byte("this is not a backup file at all"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	_, err := backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: filepath.Join(t.TempDir(), "restored"),
		Password:  []byte("whatever"),
	})
	if !errors.Is(err, backup.ErrInvalidMagic) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}
}
