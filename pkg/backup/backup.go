// Package backup provides encrypted vault backup and restore.
//
// A backup is a single portable file: magic number, plaintext JSON header
// (format version, encryption mode, KDF parameters with a fresh salt), an
// AES-256-GCM payload holding the complete vault directory, and an outer
// HMAC-SHA256 over header plus ciphertext. The backup password may differ
// from the master password; a key file can stand in for a password entirely.
//
// Restore verifies the HMAC before touching anything, rebuilds the vault in
// a temp directory, and swaps it into place with a rename.
package backup

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lilianmoon/advocate/pkg/audit"
	"github.com/lilianmoon/advocate/pkg/crypto"
	"github.com/lilianmoon/advocate/pkg/vault"
)

// ConflictMode specifies how to handle an existing vault during restore.
type ConflictMode int

const (
	// ConflictError fails when a vault already exists at the target.
	ConflictError ConflictMode = iota
	// ConflictSkip leaves an existing vault untouched.
	ConflictSkip
	// ConflictOverwrite replaces an existing vault with the backup.
	ConflictOverwrite
)

// Options configures the backup operation.
type Options struct {
	// Output is the destination writer for the backup.
	Output io.Writer
	// IncludeAudit includes the audit log directory in the backup.
	IncludeAudit bool
	// Password encrypts the backup. May differ from the master password.
	Password []byte
	// KeyFile path for a 32-byte encryption key (overrides Password).
	KeyFile string
}

// RestoreOptions configures the restore operation.
type RestoreOptions struct {
	// VaultPath is the target vault directory.
	VaultPath string
	// OnConflict specifies how to handle an existing vault.
	OnConflict ConflictMode
	// DryRun previews restore without making changes.
	DryRun bool
	// VerifyOnly only verifies backup integrity.
	VerifyOnly bool
	// WithAudit restores the audit logs (overwrites existing).
	WithAudit bool
	// Password for decryption.
	Password []byte
	// KeyFile path for decryption key (overrides Password).
	KeyFile string
}

// RestoreResult contains the result of a restore operation.
type RestoreResult struct {
	// DocumentsRestored is the number of document blobs restored.
	DocumentsRestored int
	// Skipped indicates an existing vault was left in place.
	Skipped bool
	// AuditRestored indicates the audit logs were restored.
	AuditRestored bool
	// DryRun indicates this was a dry run.
	DryRun bool
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	// Valid indicates the backup passed all integrity checks.
	Valid bool
	// Version is the backup format version.
	Version int
	// CreatedAt is when the backup was created.
	CreatedAt time.Time
	// DocumentCount is the number of documents in the backup.
	DocumentCount int
	// IncludesAudit indicates if audit logs are included.
	IncludesAudit bool
	// Error is set if verification failed.
	Error string
}

// Backup creates an encrypted backup of an unlocked vault.
func Backup(v *vault.Vault, opts Options) error {
	if opts.Output == nil {
		return fmt.Errorf("output writer is required")
	}

	var encKey, macKey []byte
	var kdfParams *KDFParams
	var encMode EncryptionMode
	var err error

	if opts.KeyFile != "" {
		encKey, err = ReadKeyFile(opts.KeyFile)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(encKey)

		macKey, err = deriveHKDF(encKey, []byte(hkdfInfoMAC))
		if err != nil {
			return fmt.Errorf("failed to derive MAC key: %w", err)
		}
		defer crypto.SecureWipe(macKey)

		encMode = EncryptionModeKey
	} else {
		if len(opts.Password) == 0 {
			return ErrEmptyPassword
		}

		// Fresh salt every time: backup keys never collide with the vault's.
		salt, err := crypto.GenerateSalt()
		if err != nil {
			return err
		}
		params := crypto.DefaultParams()

		encKey, macKey, err = DeriveBackupKeys(opts.Password, salt, params)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(encKey)
		defer crypto.SecureWipe(macKey)

		kdfParams = &KDFParams{Salt: salt, Argon2: params}
		encMode = EncryptionModePassword
	}

	payload, docCount, err := collectVaultData(v, opts.IncludeAudit)
	if err != nil {
		return fmt.Errorf("failed to collect vault data: %w", err)
	}

	payloadBytes, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(payloadBytes)

	ciphertext, err := EncryptPayload(payloadBytes, encKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}

	header := &Header{
		Version:        FormatVersion,
		CreatedAt:      time.Now().UTC(),
		EncryptionMode: encMode,
		KDFParams:      kdfParams,
		IncludesAudit:  opts.IncludeAudit,
		DocumentCount:  docCount,
		ChecksumAlgo:   "hmac-sha256",
	}

	// Assemble in memory first: the HMAC covers header and ciphertext.
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext))); err != nil {
		return err
	}
	if _, err := buf.Write(ciphertext); err != nil {
		return fmt.Errorf("failed to write ciphertext: %w", err)
	}

	hmacValue := ComputeHMAC(buf.Bytes(), macKey)

	if _, err := opts.Output.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if _, err := opts.Output.Write(hmacValue); err != nil {
		return fmt.Errorf("failed to write HMAC: %w", err)
	}

	_ = v.AuditLogger().LogSuccess(audit.OpBackupCreate, audit.SourceCLI, "")
	return nil
}

// Restore restores a vault from an encrypted backup.
func Restore(backupPath string, opts RestoreOptions) (*RestoreResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	header, payload, err := verifyAndDecrypt(data, opts.Password, opts.KeyFile)
	if err != nil {
		return nil, err
	}

	if opts.VerifyOnly {
		return &RestoreResult{DryRun: true}, nil
	}
	if opts.DryRun {
		return &RestoreResult{
			DocumentsRestored: header.DocumentCount,
			AuditRestored:     header.IncludesAudit && opts.WithAudit,
			DryRun:            true,
		}, nil
	}

	return performRestore(opts, header, payload)
}

// Verify checks backup integrity without restoring.
func Verify(backupPath string, password []byte, keyFile string) (*VerifyResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	header, _, err := verifyAndDecrypt(data, password, keyFile)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	return &VerifyResult{
		Valid:         true,
		Version:       header.Version,
		CreatedAt:     header.CreatedAt,
		DocumentCount: header.DocumentCount,
		IncludesAudit: header.IncludesAudit,
	}, nil
}

// collectVaultData gathers the complete on-disk vault: sidecars, database,
// document blobs, and optionally the audit logs.
func collectVaultData(v *vault.Vault, includeAudit bool) (*Payload, int, error) {
	vaultPath := v.Path()

	vaultSalt, err := os.ReadFile(filepath.Join(vaultPath, vault.SaltFileName))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read salt file: %w", err)
	}
	vaultMeta, err := os.ReadFile(filepath.Join(vaultPath, vault.MetaFileName))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read meta file: %w", err)
	}
	vaultDB, err := os.ReadFile(filepath.Join(vaultPath, vault.DBFileName))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read database: %w", err)
	}

	payload := &Payload{
		VaultSalt: vaultSalt,
		VaultMeta: vaultMeta,
		VaultDB:   vaultDB,
	}

	fileStore, err := v.Files()
	if err != nil {
		return nil, 0, err
	}
	names, err := fileStore.List()
	if err != nil {
		return nil, 0, err
	}
	if len(names) > 0 {
		payload.Documents = make(map[string][]byte, len(names))
		for _, name := range names {
			// Blobs are copied in their at-rest encrypted form.
			blob, err := os.ReadFile(filepath.Join(fileStore.Dir(), name))
			if err != nil {
				return nil, 0, fmt.Errorf("failed to read document blob %s: %w", name, err)
			}
			payload.Documents[name] = blob
		}
	}

	if includeAudit {
		auditDir := filepath.Join(vaultPath, vault.AuditDirName)
		entries, err := os.ReadDir(auditDir)
		if err == nil {
			payload.AuditLogs = make(map[string][]byte)
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				data, err := os.ReadFile(filepath.Join(auditDir, e.Name()))
				if err != nil {
					return nil, 0, fmt.Errorf("failed to read audit file %s: %w", e.Name(), err)
				}
				payload.AuditLogs[e.Name()] = data
			}
		}
		// A vault with no audit directory yet simply backs up without one.
	}

	docCount, err := countDocuments(v)
	if err != nil {
		return nil, 0, err
	}
	return payload, docCount, nil
}

func countDocuments(v *vault.Vault) (int, error) {
	db, err := v.DB()
	if err != nil {
		return 0, err
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// verifyAndDecrypt verifies the backup integrity and decrypts the payload.
// The HMAC is checked before any decryption is attempted.
func verifyAndDecrypt(data []byte, password []byte, keyFile string) (*Header, *Payload, error) {
	if len(data) < 8+4+HMACLength {
		return nil, nil, ErrInvalidMagic
	}

	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	headerEnd := len(data) - reader.Len()

	var ciphertextLen uint32
	if err := binary.Read(reader, binary.BigEndian, &ciphertextLen); err != nil {
		return nil, nil, fmt.Errorf("failed to read ciphertext length: %w", err)
	}
	if reader.Len() < int(ciphertextLen)+HMACLength {
		return nil, nil, fmt.Errorf("backup file truncated")
	}

	ciphertext := make([]byte, ciphertextLen)
	if _, err := io.ReadFull(reader, ciphertext); err != nil {
		return nil, nil, fmt.Errorf("failed to read ciphertext: %w", err)
	}
	storedHMAC := make([]byte, HMACLength)
	if _, err := io.ReadFull(reader, storedHMAC); err != nil {
		return nil, nil, fmt.Errorf("failed to read HMAC: %w", err)
	}

	var encKey, macKey []byte
	if keyFile != "" {
		encKey, err = ReadKeyFile(keyFile)
		if err != nil {
			return nil, nil, err
		}
		defer crypto.SecureWipe(encKey)

		macKey, err = deriveHKDF(encKey, []byte(hkdfInfoMAC))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to derive MAC key: %w", err)
		}
		defer crypto.SecureWipe(macKey)
	} else if header.EncryptionMode == EncryptionModePassword && header.KDFParams != nil {
		if len(password) == 0 {
			return nil, nil, ErrEmptyPassword
		}
		encKey, macKey, err = DeriveBackupKeys(password, header.KDFParams.Salt, header.KDFParams.Argon2)
		if err != nil {
			return nil, nil, err
		}
		defer crypto.SecureWipe(encKey)
		defer crypto.SecureWipe(macKey)
	} else {
		return nil, nil, fmt.Errorf("cannot determine decryption key")
	}

	dataToVerify := data[:headerEnd+4+int(ciphertextLen)]
	if !VerifyHMAC(dataToVerify, storedHMAC, macKey) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := DecryptPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	payload, err := DecodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

// performRestore rebuilds the vault in a temp directory and swaps it into
// place. The temp directory lives next to the target so the final rename
// stays on one filesystem.
func performRestore(opts RestoreOptions, header *Header, payload *Payload) (*RestoreResult, error) {
	vaultPath := opts.VaultPath
	if vaultPath == "" {
		return nil, fmt.Errorf("vault path is required")
	}

	if _, err := os.Stat(vaultPath); err == nil {
		switch opts.OnConflict {
		case ConflictError:
			return nil, fmt.Errorf("%w: %s", ErrVaultExists, vaultPath)
		case ConflictSkip:
			return &RestoreResult{Skipped: true}, nil
		case ConflictOverwrite:
			// Replaced below, after the temp directory is fully written.
		}
	}

	parentDir := filepath.Dir(vaultPath)
	if err := os.MkdirAll(parentDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	tempDir, err := os.MkdirTemp(parentDir, ".restore-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := os.Chmod(tempDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to set temp directory permissions: %w", err)
	}

	if err := os.WriteFile(filepath.Join(tempDir, vault.SaltFileName), payload.VaultSalt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, vault.MetaFileName), payload.VaultMeta, 0600); err != nil {
		return nil, fmt.Errorf("failed to write meta file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, vault.DBFileName), payload.VaultDB, 0600); err != nil {
		return nil, fmt.Errorf("failed to write database: %w", err)
	}

	filesDir := filepath.Join(tempDir, vault.FilesDirName)
	if err := os.MkdirAll(filesDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create files directory: %w", err)
	}
	restored := 0
	for name, blob := range payload.Documents {
		// Names in the payload must be bare file names, never paths.
		if name != filepath.Base(name) || strings.Contains(name, "..") {
			return nil, fmt.Errorf("invalid document name in backup: %q", name)
		}
		if err := os.WriteFile(filepath.Join(filesDir, name), blob, 0600); err != nil {
			return nil, fmt.Errorf("failed to write document blob %s: %w", name, err)
		}
		restored++
	}

	auditRestored := false
	if opts.WithAudit && len(payload.AuditLogs) > 0 {
		auditDir := filepath.Join(tempDir, vault.AuditDirName)
		if err := os.MkdirAll(auditDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		for name, data := range payload.AuditLogs {
			if name != filepath.Base(name) || strings.Contains(name, "..") {
				return nil, fmt.Errorf("invalid audit file name in backup: %q", name)
			}
			if err := os.WriteFile(filepath.Join(auditDir, name), data, 0600); err != nil {
				return nil, fmt.Errorf("failed to write audit file %s: %w", name, err)
			}
		}
		auditRestored = true
	}

	if opts.OnConflict == ConflictOverwrite {
		if err := os.RemoveAll(vaultPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing vault: %w", err)
		}
	}

	if err := os.Rename(tempDir, vaultPath); err != nil {
		return nil, fmt.Errorf("failed to restore vault: %w", err)
	}

	return &RestoreResult{
		DocumentsRestored: restored,
		AuditRestored:     auditRestored,
	}, nil
}
