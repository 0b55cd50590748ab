// Package crypto provides the key derivation and cipher primitives for the
// advocate vault.
//
// Key derivation uses Argon2id with parameters carried in an explicit Params
// value so each vault can persist the parameters it was created with. Record
// and file encryption uses AES-256-GCM with random nonces. A failed GCM tag
// check is the only signal available for a wrong key: it cannot be told apart
// from a corrupted blob, and callers must not pretend otherwise.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltLength is the required salt length in bytes.
	SaltLength = 16

	// KeyLength is the length of derived and data keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12
)

// Sentinel errors returned by crypto functions.
var (
	// ErrEmptyPassword indicates a password was empty; derivation is refused
	// before any work is done.
	ErrEmptyPassword = errors.New("crypto: password must not be empty")

	// ErrInvalidSaltLength indicates the salt is not SaltLength bytes. This is
	// a caller bug or on-disk corruption, never a retryable user error.
	ErrInvalidSaltLength = errors.New("crypto: invalid salt length, must be 16 bytes")

	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag
	// verification failed: wrong key or corrupted data, indistinguishable.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// Params holds Argon2id cost parameters. Vaults persist the parameters they
// were created with so existing vaults keep deriving the same key after the
// defaults change.
type Params struct {
	Time    uint32 `json:"time"`    // Iterations
	Memory  uint32 `json:"memory"`  // Memory cost in KiB
	Threads uint8  `json:"threads"` // Degree of parallelism
}

// DefaultParams returns the OWASP-recommended Argon2id parameters:
// 64 MiB memory, 3 iterations, 4 threads.
func DefaultParams() Params {
	return Params{Time: 3, Memory: 64 * 1024, Threads: 4}
}

// valid reports whether every cost parameter is positive.
func (p Params) valid() bool {
	return p.Time > 0 && p.Memory > 0 && p.Threads > 0
}

// DeriveKey derives a 256-bit key from a password using Argon2id.
//
// Derivation is deterministic for identical (password, salt, params) inputs
// and statistically independent across distinct salts. The call is
// intentionally slow; run it off any interactive loop.
func DeriveKey(password, salt []byte, params Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	if len(salt) != SaltLength {
		return nil, ErrInvalidSaltLength
	}
	if !params.valid() {
		return nil, fmt.Errorf("crypto: invalid KDF parameters %+v", params)
	}
	return argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, KeyLength), nil
}

// GenerateSalt returns a fresh random salt of SaltLength bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM with a fresh random nonce.
// The authentication tag is appended to the ciphertext by GCM.
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	if len(key) != KeyLength {
		return nil, nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM, verifying the authentication
// tag. A tag failure returns ErrDecryptionFailed.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealWithNonce encrypts plaintext and returns nonce||ciphertext as a single
// blob, the storage format used throughout the vault.
func SealWithNonce(key, plaintext []byte) ([]byte, error) {
	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// OpenWithNonce decrypts a nonce||ciphertext blob produced by SealWithNonce.
func OpenWithNonce(key, blob []byte) ([]byte, error) {
	if len(blob) < NonceLength {
		return nil, ErrCiphertextTooShort
	}
	return Decrypt(key, blob[NonceLength:], blob[:NonceLength])
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation. Swap-avoidance is
// best-effort only; the process cannot guarantee the key never hit swap.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
