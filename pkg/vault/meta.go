package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lilianmoon/advocate/pkg/crypto"
)

// FormatVersion is the vault directory layout version.
const FormatVersion = "1.0.0"

// Meta is the plaintext vault metadata sidecar. The KDF parameters live here
// so a vault created under older defaults keeps deriving the same key.
type Meta struct {
	Version   string        `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	KDF       crypto.Params `json:"kdf"`
}

func newMeta(params crypto.Params) *Meta {
	return &Meta{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		KDF:       params,
	}
}

func (m *Meta) save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write metadata file: %w", err)
	}
	return nil
}

// loadMeta reads the metadata sidecar. A missing file falls back to default
// KDF parameters rather than failing: the salt and wrapped DEK are the
// load-bearing state, the meta file is recoverable.
func loadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newMeta(crypto.DefaultParams()), nil
		}
		return nil, fmt.Errorf("vault: failed to read metadata file: %w", err)
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: metadata file is not valid JSON", ErrVaultCorrupted)
	}
	if m.KDF.Time == 0 || m.KDF.Memory == 0 || m.KDF.Threads == 0 {
		return nil, fmt.Errorf("%w: metadata file missing KDF parameters", ErrVaultCorrupted)
	}
	return &m, nil
}
