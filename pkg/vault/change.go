package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lilianmoon/advocate/pkg/audit"
	"github.com/lilianmoon/advocate/pkg/crypto"
)

// ErrSamePassword means the new password matches the current one.
var ErrSamePassword = errors.New("vault: new password must be different from current password")

// ChangePassword re-wraps the data encryption key under a key derived from
// the new password and a fresh salt. All records stay readable: only the
// outer wrapping changes, the DEK itself is untouched.
//
// The vault must be unlocked. The current password is verified against the
// stored wrapped DEK before anything is modified. The database row is updated
// before the salt sidecar; if the sidecar write then fails, the row is
// restored so salt and wrapping never disagree on disk.
func (v *Vault) ChangePassword(ctx context.Context, current, next []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dek == nil || v.store == nil {
		return ErrVaultLocked
	}
	if len(next) == 0 {
		return ErrEmptyPassword
	}
	if bytes.Equal(current, next) {
		return ErrSamePassword
	}

	oldSalt, err := v.readSalt()
	if err != nil {
		return err
	}
	meta, err := loadMeta(filepath.Join(v.path, MetaFileName))
	if err != nil {
		return err
	}

	// Verify the current password by re-running the unwrap probe.
	oldKEK, err := deriveKey(ctx, current, oldSalt, meta.KDF)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(oldKEK)

	oldWrapped, err := v.store.readWrappedDEK()
	if err != nil {
		return err
	}
	dek, err := crypto.OpenWithNonce(oldKEK, oldWrapped)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return ErrWrongKeyOrCorrupt
		}
		return err
	}
	defer crypto.SecureWipe(dek)

	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	newKEK, err := deriveKey(ctx, next, newSalt, meta.KDF)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(newKEK)

	newWrapped, err := crypto.SealWithNonce(newKEK, dek)
	if err != nil {
		return err
	}

	if _, err := v.store.db.Exec("UPDATE vault_keys SET wrapped_dek = ? WHERE id = 1", newWrapped); err != nil {
		return fmt.Errorf("vault: failed to update wrapped key: %w", err)
	}

	saltPath := filepath.Join(v.path, SaltFileName)
	if err := os.WriteFile(saltPath, newSalt, FileMode); err != nil {
		// Roll the row back so the old password keeps working.
		if _, rbErr := v.store.db.Exec("UPDATE vault_keys SET wrapped_dek = ? WHERE id = 1", oldWrapped); rbErr != nil {
			return fmt.Errorf("vault: salt write failed (%v) and rollback failed: %w", err, rbErr)
		}
		return fmt.Errorf("vault: failed to write salt file: %w", err)
	}

	_ = v.audit.LogSuccess(audit.OpPasswordChange, audit.SourceCLI, "")
	return nil
}
