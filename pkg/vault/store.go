package vault

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// store is the adapter over the SQLite database file. The engine itself knows
// nothing about the vault's key hierarchy: the file opens regardless of the
// password, and the wrapped-DEK probe in Unlock is what distinguishes a usable
// store from an unusable one.
type store struct {
	db   *sql.DB
	path string
}

// createStore creates the database file and its schema. Fails if the file
// already exists.
func createStore(path string) (*store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, ErrVaultAlreadyExists
	}

	s, err := openStore(path)
	if err != nil {
		return nil, err
	}
	if err := s.createTables(); err != nil {
		s.close()
		return nil, fmt.Errorf("vault: failed to create tables: %w", err)
	}
	if err := os.Chmod(path, FileMode); err != nil {
		s.close()
		return nil, fmt.Errorf("vault: failed to set database permissions: %w", err)
	}
	return s, nil
}

// openStore opens the database file. Single-connection mode: the vault is
// single-user and a second connection would only produce "database is locked"
// errors.
func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &store{db: db, path: path}, nil
}

// close releases the database handle. Safe to call multiple times.
func (s *store) close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
	s.db = nil
}

// readWrappedDEK returns the KEK-wrapped data encryption key. The row is
// written exactly once at creation time; its absence means the file is not a
// vault database or has been damaged.
func (s *store) readWrappedDEK() ([]byte, error) {
	var wrapped []byte
	err := s.db.QueryRow("SELECT wrapped_dek FROM vault_keys WHERE id = 1").Scan(&wrapped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVaultCorrupted
		}
		// Includes "no such table": the probe treats any read failure the
		// same way, without claiming to know the cause.
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	if len(wrapped) == 0 {
		return nil, ErrVaultCorrupted
	}
	return wrapped, nil
}

// writeWrappedDEK stores the KEK-wrapped data encryption key.
func (s *store) writeWrappedDEK(wrapped []byte) error {
	_, err := s.db.Exec("INSERT INTO vault_keys(id, wrapped_dek) VALUES(1, ?)", wrapped)
	if err != nil {
		return fmt.Errorf("vault: failed to save wrapped key: %w", err)
	}
	return nil
}

// readWrappedFileKey returns the DEK-wrapped file master key, or nil if none
// has been stored yet.
func (s *store) readWrappedFileKey() ([]byte, error) {
	var wrapped []byte
	err := s.db.QueryRow("SELECT wrapped_key FROM file_keys WHERE id = 1").Scan(&wrapped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: failed to read file key: %w", err)
	}
	// A present-but-empty row is the partial state the original guarded
	// against: regenerating here would strand every encrypted document.
	if len(wrapped) == 0 {
		return nil, ErrVaultCorrupted
	}
	return wrapped, nil
}

// writeWrappedFileKey stores the DEK-wrapped file master key.
func (s *store) writeWrappedFileKey(wrapped []byte) error {
	_, err := s.db.Exec("INSERT INTO file_keys(id, wrapped_key) VALUES(1, ?)", wrapped)
	if err != nil {
		return fmt.Errorf("vault: failed to save file key: %w", err)
	}
	return nil
}

// createTables defines the schema. Sensitive columns hold nonce-prepended
// AES-GCM blobs sealed with the DEK; only timestamps and identifiers are
// plaintext.
func (s *store) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vault_keys (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			wrapped_dek BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS file_keys (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			wrapped_key BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS patients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name BLOB NOT NULL,
			dob BLOB,
			notes BLOB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			patient_id INTEGER NOT NULL,
			file_name BLOB NOT NULL,
			stored_name TEXT NOT NULL,
			parsed_text BLOB,
			upload_date TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(patient_id) REFERENCES patients(id)
		)
	`)
	if err != nil {
		return err
	}

	return s.ensureFieldTable()
}

// ensureFieldTable creates the structured-fields table. Also runs on unlock so
// vaults created before the table existed gain it without a migration step.
// Field keys come from a fixed catalog, not patient input, so they stay
// plaintext; values are sealed blobs like every other sensitive column.
func (s *store) ensureFieldTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS patient_fields (
			patient_id INTEGER NOT NULL,
			field_key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (patient_id, field_key),
			FOREIGN KEY(patient_id) REFERENCES patients(id)
		)
	`)
	return err
}
