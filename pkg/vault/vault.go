// Package vault implements the session manager for an encrypted patient
// records store: the password-to-key lifecycle and the locked/unlocked state
// machine around the SQLite database.
//
// On disk a vault is a directory:
//
//	vault.salt   16-byte plaintext salt, written once at creation
//	vault.meta   JSON metadata including the KDF parameters
//	records.db   SQLite database; sensitive columns are AES-GCM blobs
//	vault.lock   exclusive-lock target for the session
//	files/       encrypted document blobs (*.enc)
//	audit/       HMAC-chained audit log
//
// The key hierarchy mirrors the usual KEK/DEK split: the password and salt
// derive a key-encryption key (Argon2id), which wraps a random data
// encryption key stored in the database. Unwrapping the DEK is the probe that
// detects a wrong password or a corrupted file; the two are inherently
// indistinguishable and are reported as one condition.
//
// There is deliberately no attempt counter or lockout: persisted lockout
// state could be abused to brick legitimate access, and the KDF cost is the
// sole brute-force deterrent.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lilianmoon/advocate/pkg/audit"
	"github.com/lilianmoon/advocate/pkg/crypto"
	"github.com/lilianmoon/advocate/pkg/files"
)

// Vault directory entries and permissions.
const (
	SaltFileName = "vault.salt"
	MetaFileName = "vault.meta"
	DBFileName   = "records.db"
	LockFileName = "vault.lock"
	FilesDirName = "files"
	AuditDirName = "audit"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only
)

// Errors
var (
	ErrVaultAlreadyExists   = errors.New("vault: vault already exists at this path")
	ErrVaultNotFound        = errors.New("vault: vault not found at this path")
	ErrVaultLocked          = errors.New("vault: vault is locked")
	ErrVaultAlreadyUnlocked = errors.New("vault: vault is already unlocked")
	ErrUnlockInProgress     = errors.New("vault: an unlock attempt is already in flight")

	// ErrEmptyPassword is the InvalidCredential case: rejected before any
	// derivation work.
	ErrEmptyPassword = errors.New("vault: password must not be empty")

	// ErrWrongKeyOrCorrupt is deliberately ambiguous. The store decrypts to
	// garbage under a wrong key exactly as it does when damaged, so the vault
	// never asserts one cause. User-facing text: "incorrect password or
	// corrupted vault".
	ErrWrongKeyOrCorrupt = errors.New("vault: incorrect password or corrupted vault")

	// ErrVaultCorrupted marks invariant violations in the on-disk layout
	// (bad salt length, missing or partial key rows). Not user-recoverable.
	ErrVaultCorrupted = errors.New("vault: vault is corrupted")

	// ErrVaultBusy means another process holds the exclusive session lock.
	ErrVaultBusy = errors.New("vault: vault is in use by another session")
)

// OpenResult reports the outcome of an Open call.
type OpenResult struct {
	// NewlyCreated is true when Open created the vault. Callers should warn
	// the user that the password is unrecoverable.
	NewlyCreated bool
}

// Vault owns the derived key material and the open store handle. No other
// component may hold either; records and file access go through accessors on
// the session so key material never leaks into UI-layer state.
type Vault struct {
	path  string
	mu    sync.Mutex // Serializes Open/Lock
	audit *audit.Logger

	// Guarded by stateMu so State() stays responsive while the KDF runs.
	stateMu sync.RWMutex
	state   State
	failure FailureReason

	// Set only in StateUnlocked.
	dek       []byte
	fileKey   []byte
	store     *store
	lock      *sessionLock
	fileStore *files.Store

	// KDF parameters for vault creation. Existing vaults always use the
	// parameters persisted in their metadata.
	kdfParams crypto.Params
}

// New creates a session manager for the vault directory at path. The vault on
// disk, if any, is not touched until Open.
func New(path string) *Vault {
	return &Vault{
		path:      path,
		state:     StateLocked,
		audit:     audit.NewLogger(filepath.Join(path, AuditDirName)),
		kdfParams: crypto.DefaultParams(),
	}
}

// SetKDFParams overrides the derivation parameters used when creating a new
// vault. Zero fields fall back to the defaults. No effect on existing vaults.
func (v *Vault) SetKDFParams(p crypto.Params) {
	def := crypto.DefaultParams()
	if p.Time == 0 {
		p.Time = def.Time
	}
	if p.Memory == 0 {
		p.Memory = def.Memory
	}
	if p.Threads == 0 {
		p.Threads = def.Threads
	}
	v.kdfParams = p
}

// Path returns the vault directory path.
func (v *Vault) Path() string {
	return v.path
}

// Exists reports whether a vault has been created at the path.
func (v *Vault) Exists() bool {
	_, err := os.Stat(filepath.Join(v.path, SaltFileName))
	return err == nil
}

// Status returns a read-only snapshot of the session state. Safe to call from
// any goroutine, including while an unlock attempt is in flight.
func (v *Vault) Status() Status {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return Status{State: v.state, Failure: v.failure}
}

// State returns the current session state.
func (v *Vault) State() State {
	return v.Status().State
}

// IsLocked reports whether no key material is currently held.
func (v *Vault) IsLocked() bool {
	return v.State() != StateUnlocked
}

func (v *Vault) setState(s State, reason FailureReason) {
	v.stateMu.Lock()
	v.state = s
	v.failure = reason
	v.stateMu.Unlock()
}

// Open unlocks the vault, creating it first if none exists at the path.
//
// For a new vault it generates the salt and key hierarchy, creates the store,
// and returns NewlyCreated=true. For an existing vault it derives the key
// from the stored salt and probes the store; a failed probe leaves the
// session in StateFailed with the ambiguous wrong-key-or-corrupt reason.
//
// The KDF runs off the calling goroutine and honours ctx cancellation. A
// cancelled derivation never leaves a half-initialized handle: the store is
// only opened after derivation completes.
func (v *Vault) Open(ctx context.Context, password []byte) (*OpenResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.State() {
	case StateUnlocked:
		return nil, ErrVaultAlreadyUnlocked
	case StateUnlocking:
		return nil, ErrUnlockInProgress
	}

	if len(password) == 0 {
		v.setState(StateFailed, FailureInvalidCredential)
		return nil, ErrEmptyPassword
	}

	v.setState(StateUnlocking, FailureNone)

	result, err := v.open(ctx, password)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// A cancelled attempt is not a failure: the session simply
			// returns to its locked state.
			v.setState(StateLocked, FailureNone)
		} else {
			v.setState(StateFailed, failureFor(err))
		}
		return nil, err
	}

	v.setState(StateUnlocked, FailureNone)
	return result, nil
}

func failureFor(err error) FailureReason {
	switch {
	case errors.Is(err, ErrWrongKeyOrCorrupt), errors.Is(err, ErrVaultCorrupted):
		return FailureWrongKeyOrCorrupt
	case errors.Is(err, ErrEmptyPassword):
		return FailureInvalidCredential
	case errors.Is(err, ErrVaultBusy):
		return FailureBusy
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureNone
	default:
		return FailureFileSystem
	}
}

// open performs the unlock under v.mu. Every early return must leave no
// partial session state behind.
func (v *Vault) open(ctx context.Context, password []byte) (*OpenResult, error) {
	creating := !v.Exists()

	if creating {
		if err := os.MkdirAll(v.path, DirMode); err != nil {
			return nil, fmt.Errorf("vault: failed to create vault directory: %w", err)
		}
	}

	// The exclusive lock is taken before anything else so two sessions can
	// never race on creation or open the same store.
	lock, err := acquireSessionLock(filepath.Join(v.path, LockFileName))
	if err != nil {
		return nil, err
	}

	result, err := v.openLocked(ctx, password, creating)
	if err != nil {
		lock.release()
		return nil, err
	}
	v.lock = lock
	return result, nil
}

func (v *Vault) openLocked(ctx context.Context, password []byte, creating bool) (*OpenResult, error) {
	var salt []byte
	var meta *Meta
	var err error

	if creating {
		salt, err = crypto.GenerateSalt()
		if err != nil {
			return nil, err
		}
		meta = newMeta(v.kdfParams)
	} else {
		salt, err = v.readSalt()
		if err != nil {
			return nil, err
		}
		meta, err = loadMeta(filepath.Join(v.path, MetaFileName))
		if err != nil {
			return nil, err
		}
	}

	// The slow part. Runs off this goroutine so cancellation stays prompt;
	// at this point nothing has been created or opened yet.
	kek, err := deriveKey(ctx, password, salt, meta.KDF)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(kek)

	if creating {
		return v.createWithKEK(kek, salt, meta)
	}
	return v.unlockWithKEK(kek)
}

// deriveKey runs the KDF in its own goroutine and waits for either the result
// or ctx. On cancellation the derived key is wiped when it eventually lands.
func deriveKey(ctx context.Context, password, salt []byte, params crypto.Params) ([]byte, error) {
	type derived struct {
		key []byte
		err error
	}
	ch := make(chan derived, 1)
	go func() {
		key, err := crypto.DeriveKey(password, salt, params)
		ch <- derived{key: key, err: err}
	}()

	select {
	case d := <-ch:
		if d.err != nil {
			if errors.Is(d.err, crypto.ErrEmptyPassword) {
				return nil, ErrEmptyPassword
			}
			if errors.Is(d.err, crypto.ErrInvalidSaltLength) {
				return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, d.err)
			}
			return nil, d.err
		}
		return d.key, nil
	case <-ctx.Done():
		go func() {
			if d := <-ch; d.key != nil {
				crypto.SecureWipe(d.key)
			}
		}()
		return nil, ctx.Err()
	}
}

// createWithKEK builds a fresh vault: salt and meta sidecars, store schema,
// wrapped DEK and file key.
func (v *Vault) createWithKEK(kek, salt []byte, meta *Meta) (*OpenResult, error) {
	if err := v.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(v.path, SaltFileName), salt, FileMode); err != nil {
		return nil, fmt.Errorf("vault: failed to write salt file: %w", err)
	}
	if err := meta.save(filepath.Join(v.path, MetaFileName)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(v.path, FilesDirName), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create files directory: %w", err)
	}

	dek, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	wrappedDEK, err := crypto.SealWithNonce(kek, dek)
	if err != nil {
		crypto.SecureWipe(dek)
		return nil, err
	}

	fileKey, err := crypto.GenerateKey()
	if err != nil {
		crypto.SecureWipe(dek)
		return nil, err
	}
	wrappedFileKey, err := crypto.SealWithNonce(dek, fileKey)
	if err != nil {
		crypto.SecureWipe(dek)
		crypto.SecureWipe(fileKey)
		return nil, err
	}

	s, err := createStore(filepath.Join(v.path, DBFileName))
	if err != nil {
		crypto.SecureWipe(dek)
		crypto.SecureWipe(fileKey)
		return nil, err
	}
	if err := s.writeWrappedDEK(wrappedDEK); err == nil {
		err = s.writeWrappedFileKey(wrappedFileKey)
	} else {
		s.close()
		crypto.SecureWipe(dek)
		crypto.SecureWipe(fileKey)
		return nil, err
	}

	v.adopt(dek, fileKey, s)
	v.auditInit()
	return &OpenResult{NewlyCreated: true}, nil
}

// unlockWithKEK opens the existing store and runs the probe: unwrapping the
// DEK. GCM authentication failure is the ambiguous wrong-password signal.
func (v *Vault) unlockWithKEK(kek []byte) (*OpenResult, error) {
	s, err := openStore(filepath.Join(v.path, DBFileName))
	if err != nil {
		return nil, err
	}

	wrappedDEK, err := s.readWrappedDEK()
	if err != nil {
		s.close()
		return nil, err
	}

	dek, err := crypto.OpenWithNonce(kek, wrappedDEK)
	if err != nil {
		s.close()
		if errors.Is(err, crypto.ErrDecryptionFailed) || errors.Is(err, crypto.ErrCiphertextTooShort) {
			// Failed unlocks are not audited: the HMAC key derives from the
			// DEK, which is exactly what a failed unlock does not have.
			return nil, ErrWrongKeyOrCorrupt
		}
		return nil, err
	}

	fileKey, err := v.loadFileKey(s, dek)
	if err != nil {
		s.close()
		crypto.SecureWipe(dek)
		return nil, err
	}

	if err := s.ensureFieldTable(); err != nil {
		s.close()
		crypto.SecureWipe(dek)
		crypto.SecureWipe(fileKey)
		return nil, err
	}

	v.adopt(dek, fileKey, s)
	v.auditUnlock()
	v.checkAndWarnPermissions()
	return &OpenResult{NewlyCreated: false}, nil
}

// loadFileKey unwraps the stored file master key, creating one only when no
// row exists at all. A damaged row is corruption: regenerating would strand
// every document already encrypted under the old key.
func (v *Vault) loadFileKey(s *store, dek []byte) ([]byte, error) {
	wrapped, err := s.readWrappedFileKey()
	if err != nil {
		return nil, err
	}
	if wrapped == nil {
		fileKey, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		wrappedFileKey, err := crypto.SealWithNonce(dek, fileKey)
		if err != nil {
			crypto.SecureWipe(fileKey)
			return nil, err
		}
		if err := s.writeWrappedFileKey(wrappedFileKey); err != nil {
			crypto.SecureWipe(fileKey)
			return nil, err
		}
		return fileKey, nil
	}

	fileKey, err := crypto.OpenWithNonce(dek, wrapped)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) || errors.Is(err, crypto.ErrCiphertextTooShort) {
			return nil, fmt.Errorf("%w: stored file key cannot be unwrapped", ErrVaultCorrupted)
		}
		return nil, err
	}
	return fileKey, nil
}

// adopt installs the unlocked session state.
func (v *Vault) adopt(dek, fileKey []byte, s *store) {
	v.dek = dek
	v.fileKey = fileKey
	v.store = s
	v.fileStore = files.NewStore(filepath.Join(v.path, FilesDirName), fileKey)
}

// Lock discards the key material and closes the store handle. Idempotent:
// locking a locked vault is a no-op.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dek != nil {
		_ = v.audit.LogSuccess(audit.OpVaultLock, audit.SourceCLI, "")
		crypto.SecureWipe(v.dek)
		v.dek = nil
	}
	if v.fileKey != nil {
		crypto.SecureWipe(v.fileKey)
		v.fileKey = nil
	}
	v.fileStore = nil
	if v.store != nil {
		v.store.close()
		v.store = nil
	}
	if v.lock != nil {
		v.lock.release()
		v.lock = nil
	}
	v.setState(StateLocked, FailureNone)
}

// DB returns the open database handle for record access. Only valid while
// unlocked; callers must not retain the handle across Lock.
func (v *Vault) DB() (*sql.DB, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.store == nil || v.store.db == nil {
		return nil, ErrVaultLocked
	}
	return v.store.db, nil
}

// SealBlob encrypts plaintext with the session key as a nonce-prepended blob.
func (v *Vault) SealBlob(plaintext []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dek == nil {
		return nil, ErrVaultLocked
	}
	return crypto.SealWithNonce(v.dek, plaintext)
}

// OpenBlob decrypts a nonce-prepended blob sealed with the session key.
func (v *Vault) OpenBlob(blob []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dek == nil {
		return nil, ErrVaultLocked
	}
	return crypto.OpenWithNonce(v.dek, blob)
}

// Files returns the encrypted document store for the unlocked session.
func (v *Vault) Files() (*files.Store, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fileStore == nil {
		return nil, ErrVaultLocked
	}
	return v.fileStore, nil
}

// AuditLogger returns the session's audit logger.
func (v *Vault) AuditLogger() *audit.Logger {
	return v.audit
}

// readSalt loads and validates the salt sidecar.
func (v *Vault) readSalt() ([]byte, error) {
	salt, err := os.ReadFile(filepath.Join(v.path, SaltFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("vault: failed to read salt file: %w", err)
	}
	if len(salt) != crypto.SaltLength {
		return nil, fmt.Errorf("%w: salt file has length %d", ErrVaultCorrupted, len(salt))
	}
	return salt, nil
}

func (v *Vault) auditInit() {
	if err := v.audit.SetHMACKey(v.dek); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize audit logger: %v\n", err)
		return
	}
	_ = v.audit.LogSuccess(audit.OpVaultInit, audit.SourceCLI, "")
}

func (v *Vault) auditUnlock() {
	if err := v.audit.SetHMACKey(v.dek); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize audit logger: %v\n", err)
		return
	}
	_ = v.audit.LogSuccess(audit.OpVaultUnlock, audit.SourceCLI, "")
}

// checkAndWarnPermissions warns when vault files are readable by group or
// other. Advisory only; the user may have intentional reasons.
func (v *Vault) checkAndWarnPermissions() {
	if info, err := os.Stat(v.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			fmt.Fprintf(os.Stderr, "warning: vault directory has insecure permissions %04o (expected 0700)\n", perm)
		}
	}
	for _, fname := range []string{SaltFileName, MetaFileName, DBFileName} {
		if info, err := os.Stat(filepath.Join(v.path, fname)); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				fmt.Fprintf(os.Stderr, "warning: %s has insecure permissions %04o (expected 0600)\n", fname, perm)
			}
		}
	}
}
