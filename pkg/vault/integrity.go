package vault

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lilianmoon/advocate/pkg/crypto"
)

// IntegrityCheckResult contains the results of vault integrity verification
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	SaltExists       bool     `json:"salt_exists"`
	MetaValid        bool     `json:"meta_valid"`
	DBExists         bool     `json:"db_exists"`
	DBIntegrity      bool     `json:"db_integrity"`
	PermissionsValid bool     `json:"permissions_valid"`
	Errors           []string `json:"errors,omitempty"`
}

// CheckIntegrity performs a comprehensive integrity check on the vault.
// This checks:
// 1. Salt file exists and has correct size
// 2. Metadata file is valid JSON with required fields
// 3. Database file exists and passes SQLite integrity check
// 4. Database schema contains expected tables
// 5. File permissions are secure (0600 for files, 0700 for directories)
//
// The check never requires the password: it only inspects structure, so a
// passing result does not prove the vault can be unlocked.
func (v *Vault) CheckIntegrity() (*IntegrityCheckResult, error) {
	result := &IntegrityCheckResult{
		Valid:            true,
		PermissionsValid: true,
	}

	dirInfo, err := os.Stat(v.path)
	if err == nil {
		dirPerm := dirInfo.Mode().Perm()
		if dirPerm&0077 != 0 {
			result.Valid = false
			result.PermissionsValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("vault directory has insecure permissions: %04o (expected 0700)", dirPerm))
		}
	}

	saltPath := filepath.Join(v.path, SaltFileName)
	saltInfo, err := os.Stat(saltPath)
	if err != nil {
		result.Valid = false
		result.SaltExists = false
		result.Errors = append(result.Errors, "salt file not found: "+saltPath)
	} else {
		result.SaltExists = true
		if saltInfo.Size() != crypto.SaltLength {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("salt file has incorrect size: expected %d, got %d", crypto.SaltLength, saltInfo.Size()))
		}
		saltPerm := saltInfo.Mode().Perm()
		if saltPerm&0077 != 0 {
			result.Valid = false
			result.PermissionsValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("salt file has insecure permissions: %04o (expected 0600)", saltPerm))
		}
	}

	metaPath := filepath.Join(v.path, MetaFileName)
	metaInfo, err := os.Stat(metaPath)
	if err != nil {
		result.Valid = false
		result.MetaValid = false
		result.Errors = append(result.Errors, "metadata file not found: "+metaPath)
	} else {
		metaPerm := metaInfo.Mode().Perm()
		if metaPerm&0077 != 0 {
			result.Valid = false
			result.PermissionsValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("metadata file has insecure permissions: %04o (expected 0600)", metaPerm))
		}

		metaData, err := os.ReadFile(metaPath)
		if err != nil {
			result.Valid = false
			result.MetaValid = false
			result.Errors = append(result.Errors, "failed to read metadata file: "+err.Error())
		} else {
			var meta Meta
			if err := json.Unmarshal(metaData, &meta); err != nil {
				result.Valid = false
				result.MetaValid = false
				result.Errors = append(result.Errors, "metadata file is not valid JSON: "+err.Error())
			} else if meta.Version == "" {
				result.Valid = false
				result.MetaValid = false
				result.Errors = append(result.Errors, "metadata file missing version field")
			} else {
				result.MetaValid = true
			}
		}
	}

	dbPath := filepath.Join(v.path, DBFileName)
	dbInfo, err := os.Stat(dbPath)
	if err != nil {
		result.Valid = false
		result.DBExists = false
		result.Errors = append(result.Errors, "database file not found: "+dbPath)
		return result, nil
	}
	result.DBExists = true

	dbPerm := dbInfo.Mode().Perm()
	if dbPerm&0077 != 0 {
		result.Valid = false
		result.PermissionsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("database file has insecure permissions: %04o (expected 0600)", dbPerm))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		result.Valid = false
		result.DBIntegrity = false
		result.Errors = append(result.Errors, "failed to open database: "+err.Error())
		return result, nil
	}
	defer db.Close()

	var integrityResult string
	err = db.QueryRow("PRAGMA integrity_check").Scan(&integrityResult)
	if err != nil {
		result.Valid = false
		result.DBIntegrity = false
		result.Errors = append(result.Errors, "database integrity check failed: "+err.Error())
		return result, nil
	}
	if integrityResult != "ok" {
		result.Valid = false
		result.DBIntegrity = false
		result.Errors = append(result.Errors, "database integrity check returned: "+integrityResult)
		return result, nil
	}

	result.DBIntegrity = true
	tables := []string{"vault_keys", "file_keys", "patients", "documents"}
	for _, table := range tables {
		var name string
		err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			result.Valid = false
			result.DBIntegrity = false
			result.Errors = append(result.Errors, "required table not found: "+table)
		}
	}

	return result, nil
}
