package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lilianmoon/advocate/pkg/crypto"
)

// Magic number for backup files: "ADVCBKP1"
var MagicNumber = [8]byte{'A', 'D', 'V', 'C', 'B', 'K', 'P', '1'}

// Current backup format version.
const FormatVersion = 1

// maxHeaderSize caps the plaintext header; anything larger is a corrupt or
// hostile file, not a real backup.
const maxHeaderSize = 1 << 20

// EncryptionMode specifies how the backup is encrypted.
type EncryptionMode string

const (
	// EncryptionModePassword derives keys from a backup password.
	EncryptionModePassword EncryptionMode = "password"
	// EncryptionModeKey uses a separate 32-byte key file.
	EncryptionModeKey EncryptionMode = "key"
)

// KDFParams carries the Argon2id parameters and salt used to derive the
// backup keys. The salt is always fresh; the vault's own salt never leaves
// the vault directory unencrypted.
type KDFParams struct {
	Salt   []byte        `json:"salt"`
	Argon2 crypto.Params `json:"argon2"`
}

// Header contains backup file metadata. It is stored in plaintext and the
// outer HMAC covers it, so it can describe the backup without being
// trustworthy before verification.
type Header struct {
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	EncryptionMode EncryptionMode `json:"encryption_mode"`
	KDFParams      *KDFParams     `json:"kdf_params,omitempty"` // nil if EncryptionModeKey
	IncludesAudit  bool           `json:"includes_audit"`
	DocumentCount  int            `json:"document_count"`
	ChecksumAlgo   string         `json:"checksum_algorithm"`
}

// Payload is the encrypted body of a backup: everything needed to rebuild
// the vault directory. Document blobs stay in their at-rest encrypted form;
// the payload encryption wraps them a second time.
type Payload struct {
	VaultSalt []byte            `json:"vault_salt"`
	VaultMeta []byte            `json:"vault_meta"`
	VaultDB   []byte            `json:"vault_db"`
	Documents map[string][]byte `json:"documents,omitempty"` // stored name -> blob
	AuditLogs map[string][]byte `json:"audit_logs,omitempty"`
}

// WriteHeader writes the magic number, a 4-byte big-endian length prefix,
// and the JSON header.
func WriteHeader(w io.Writer, header *Header) error {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("failed to write magic number: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the magic number and header from the reader.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("failed to read magic number: %w", err)
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	if header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: got %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}
	return &header, nil
}

// EncodePayload encodes the payload to JSON bytes.
func EncodePayload(payload *Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload decodes JSON bytes to a payload.
func DecodePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &payload, nil
}
