package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

var testPassword = []byte("correct horse battery")

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "vault"))
}

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	v := newTestVault(t)
	result, err := v.Open(context.Background(), testPassword)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !result.NewlyCreated {
		t.Fatal("first Open should report NewlyCreated")
	}
	t.Cleanup(v.Lock)
	return v
}

func TestOpenCreatesVault(t *testing.T) {
	v := newTestVault(t)
	if v.Exists() {
		t.Fatal("vault should not exist before Open")
	}

	result, err := v.Open(context.Background(), testPassword)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer v.Lock()

	if !result.NewlyCreated {
		t.Error("Open on empty path should report NewlyCreated")
	}
	if !v.Exists() {
		t.Error("vault should exist after Open")
	}
	if v.State() != StateUnlocked {
		t.Errorf("state = %v, want %v", v.State(), StateUnlocked)
	}

	for _, name := range []string{SaltFileName, MetaFileName, DBFileName} {
		if _, err := os.Stat(filepath.Join(v.Path(), name)); err != nil {
			t.Errorf("missing vault file %s: %v", name, err)
		}
	}
}

func TestOpenExistingVault(t *testing.T) {
	v := openTestVault(t)
	v.Lock()

	if v.State() != StateLocked {
		t.Fatalf("state after Lock = %v, want %v", v.State(), StateLocked)
	}

	result, err := v.Open(context.Background(), testPassword)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if result.NewlyCreated {
		t.Error("reopen should not report NewlyCreated")
	}
	if v.State() != StateUnlocked {
		t.Errorf("state = %v, want %v", v.State(), StateUnlocked)
	}
}

func TestOpenWrongPassword(t *testing.T) {
	v := openTestVault(t)
	v.Lock()

	_, err := v.Open(context.Background(), []byte("not the password"))
	if !errors.Is(err, ErrWrongKeyOrCorrupt) {
		t.Fatalf("expected ErrWrongKeyOrCorrupt, got %v", err)
	}

	status := v.Status()
	if status.State != StateFailed {
		t.Errorf("state = %v, want %v", status.State, StateFailed)
	}
	if status.Failure != FailureWrongKeyOrCorrupt {
		t.Errorf("failure = %v, want %v", status.Failure, FailureWrongKeyOrCorrupt)
	}

	// Failed is not terminal: the correct password still works.
	if _, err := v.Open(context.Background(), testPassword); err != nil {
		t.Fatalf("retry with correct password failed: %v", err)
	}
}

func TestOpenWrongPasswordLeavesAuditUntouched(t *testing.T) {
	v := openTestVault(t)
	v.Lock()

	auditDir := filepath.Join(v.Path(), AuditDirName)
	before := auditDirSizes(t, auditDir)

	if _, err := v.Open(context.Background(), []byte("not the password")); !errors.Is(err, ErrWrongKeyOrCorrupt) {
		t.Fatalf("expected ErrWrongKeyOrCorrupt, got %v", err)
	}

	after := auditDirSizes(t, auditDir)
	if len(after) != len(before) {
		t.Fatalf("failed unlock changed audit file count: %d -> %d", len(before), len(after))
	}
	for name, size := range before {
		if after[name] != size {
			t.Errorf("failed unlock modified %s: %d -> %d bytes", name, size, after[name])
		}
	}
}

func auditDirSizes(t *testing.T, dir string) map[string]int64 {
	t.Helper()
	sizes := make(map[string]int64)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			t.Fatal(err)
		}
		sizes[e.Name()] = info.Size()
	}
	return sizes
}

func TestOpenEmptyPassword(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Open(context.Background(), nil)
	if !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}

	status := v.Status()
	if status.State != StateFailed || status.Failure != FailureInvalidCredential {
		t.Errorf("status = %+v, want failed/invalid credential", status)
	}
	if v.Exists() {
		t.Error("rejected Open must not create the vault")
	}
}

func TestOpenWhileUnlocked(t *testing.T) {
	v := openTestVault(t)
	if _, err := v.Open(context.Background(), testPassword); !errors.Is(err, ErrVaultAlreadyUnlocked) {
		t.Errorf("expected ErrVaultAlreadyUnlocked, got %v", err)
	}
}

func TestOpenCancelled(t *testing.T) {
	v := openTestVault(t)
	v.Lock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Open(ctx, testPassword)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	status := v.Status()
	if status.State != StateLocked {
		t.Errorf("state after cancelled unlock = %v, want %v", status.State, StateLocked)
	}
	if status.Failure != FailureNone {
		t.Errorf("failure = %v, want %v", status.Failure, FailureNone)
	}

	// And the session is still usable.
	if _, err := v.Open(context.Background(), testPassword); err != nil {
		t.Fatalf("Open after cancellation failed: %v", err)
	}
}

func TestLockIdempotent(t *testing.T) {
	v := openTestVault(t)
	v.Lock()
	v.Lock()
	if v.State() != StateLocked {
		t.Errorf("state = %v, want %v", v.State(), StateLocked)
	}
}

func TestLockedAccessorsFail(t *testing.T) {
	v := openTestVault(t)
	v.Lock()

	if _, err := v.DB(); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("DB: expected ErrVaultLocked, got %v", err)
	}
	if _, err := v.SealBlob([]byte("x")); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("SealBlob: expected ErrVaultLocked, got %v", err)
	}
	if _, err := v.OpenBlob([]byte("x")); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("OpenBlob: expected ErrVaultLocked, got %v", err)
	}
	if _, err := v.Files(); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Files: expected ErrVaultLocked, got %v", err)
	}
}

func TestSealOpenBlobRoundTrip(t *testing.T) {
	v := openTestVault(t)

	plaintext := []byte("diagnosis: seasonal allergies")
	blob, err := v.SealBlob(plaintext)
	if err != nil {
		t.Fatalf("SealBlob failed: %v", err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Error("sealed blob contains plaintext")
	}

	got, err := v.OpenBlob(blob)
	if err != nil {
		t.Fatalf("OpenBlob failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestBlobsSurviveRelock(t *testing.T) {
	v := openTestVault(t)

	blob, err := v.SealBlob([]byte("persistent"))
	if err != nil {
		t.Fatalf("SealBlob failed: %v", err)
	}

	v.Lock()
	if _, err := v.Open(context.Background(), testPassword); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	got, err := v.OpenBlob(blob)
	if err != nil {
		t.Fatalf("OpenBlob after relock failed: %v", err)
	}
	if string(got) != "persistent" {
		t.Errorf("got %q, want %q", got, "persistent")
	}
}

func TestSecondSessionBusy(t *testing.T) {
	v := openTestVault(t)

	other := New(v.Path())
	_, err := other.Open(context.Background(), testPassword)
	if !errors.Is(err, ErrVaultBusy) {
		t.Fatalf("expected ErrVaultBusy, got %v", err)
	}
	if other.Status().Failure != FailureBusy {
		t.Errorf("failure = %v, want %v", other.Status().Failure, FailureBusy)
	}

	// Releasing the first session frees the lock.
	v.Lock()
	if _, err := other.Open(context.Background(), testPassword); err != nil {
		t.Fatalf("Open after first session released failed: %v", err)
	}
	other.Lock()
}

func TestCorruptSaltFile(t *testing.T) {
	v := openTestVault(t)
	v.Lock()

	if err := os.WriteFile(filepath.Join(v.Path(), SaltFileName), []byte("short"), FileMode); err != nil {
		t.Fatalf("failed to truncate salt: %v", err)
	}

	_, err := v.Open(context.Background(), testPassword)
	if !errors.Is(err, ErrVaultCorrupted) {
		t.Fatalf("expected ErrVaultCorrupted, got %v", err)
	}
	if v.Status().Failure != FailureWrongKeyOrCorrupt {
		t.Errorf("failure = %v, want %v", v.Status().Failure, FailureWrongKeyOrCorrupt)
	}
}

func TestChangePassword(t *testing.T) {
	v := openTestVault(t)

	blob, err := v.SealBlob([]byte("kept across rewrap"))
	if err != nil {
		t.Fatalf("SealBlob failed: %v", err)
	}

	newPassword := []byte("an entirely new phrase")
	if err := v.ChangePassword(context.Background(), testPassword, newPassword); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	v.Lock()
	if _, err := v.Open(context.Background(), testPassword); !errors.Is(err, ErrWrongKeyOrCorrupt) {
		t.Fatalf("old password should no longer work, got %v", err)
	}
	if _, err := v.Open(context.Background(), newPassword); err != nil {
		t.Fatalf("Open with new password failed: %v", err)
	}

	// Records sealed before the change are still readable: only the
	// wrapping changed, not the data key.
	got, err := v.OpenBlob(blob)
	if err != nil {
		t.Fatalf("OpenBlob after password change failed: %v", err)
	}
	if string(got) != "kept across rewrap" {
		t.Errorf("got %q", got)
	}
}

func TestChangePasswordValidation(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()

	if err := v.ChangePassword(ctx, testPassword, testPassword); !errors.Is(err, ErrSamePassword) {
		t.Errorf("expected ErrSamePassword, got %v", err)
	}
	if err := v.ChangePassword(ctx, testPassword, nil); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("expected ErrEmptyPassword, got %v", err)
	}
	if err := v.ChangePassword(ctx, []byte("wrong"), []byte("whatever else")); !errors.Is(err, ErrWrongKeyOrCorrupt) {
		t.Errorf("expected ErrWrongKeyOrCorrupt, got %v", err)
	}

	v.Lock()
	if err := v.ChangePassword(ctx, testPassword, []byte("new")); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("expected ErrVaultLocked, got %v", err)
	}
}

func TestFilesAccessor(t *testing.T) {
	v := openTestVault(t)

	fs, err := v.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}

	name, err := fs.Import([]byte("scanned referral letter"))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	got, err := fs.Export(name)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if string(got) != "scanned referral letter" {
		t.Errorf("got %q", got)
	}
}

func TestCheckIntegrity(t *testing.T) {
	v := openTestVault(t)
	v.Lock()

	result, err := v.CheckIntegrity()
	if err != nil {
		t.Fatalf("CheckIntegrity failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("fresh vault should pass integrity check: %v", result.Errors)
	}
	if !result.SaltExists || !result.MetaValid || !result.DBExists || !result.DBIntegrity {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestCheckIntegrityPermissionWarning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	v := openTestVault(t)
	v.Lock()

	if err := os.Chmod(v.Path(), 0750); err != nil {
		t.Fatal(err)
	}
	result, err := v.CheckIntegrity()
	if err != nil {
		t.Fatalf("CheckIntegrity failed: %v", err)
	}
	if result.Valid || result.PermissionsValid {
		t.Errorf("group-readable vault dir should fail permission check: %+v", result)
	}
	// A permission warning alone must not mask a healthy database.
	if !result.DBIntegrity {
		t.Errorf("database passed its checks but DBIntegrity is false: %+v", result)
	}
}

func TestCheckIntegrityMissingVault(t *testing.T) {
	v := newTestVault(t)
	result, err := v.CheckIntegrity()
	if err != nil {
		t.Fatalf("CheckIntegrity failed: %v", err)
	}
	if result.Valid {
		t.Error("missing vault should fail integrity check")
	}
}

func TestStatusDuringUnlock(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Open(context.Background(), testPassword); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer v.Lock()

	// Status must stay callable from other goroutines without blocking on
	// the session mutex.
	done := make(chan Status, 1)
	go func() {
		done <- v.Status()
	}()
	select {
	case s := <-done:
		if s.State != StateUnlocked {
			t.Errorf("state = %v, want %v", s.State, StateUnlocked)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Status blocked")
	}
}
