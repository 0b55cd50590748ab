// Package records manages the patient profile and the document index inside
// an unlocked vault.
//
// Sensitive columns (names, dates of birth, notes, file names, parsed text)
// are stored as nonce-prepended AES-GCM blobs sealed with the session key;
// only IDs and timestamps are plaintext. Document content itself lives in the
// encrypted file store, referenced by stored name.
package records

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/lilianmoon/advocate/pkg/audit"
	"github.com/lilianmoon/advocate/pkg/files"
)

var (
	// ErrDocumentNotFound means no document row exists for the given ID.
	ErrDocumentNotFound = errors.New("records: document not found")
	// ErrEmptyFileName means a document was added without a file name.
	ErrEmptyFileName = errors.New("records: file name must not be empty")
)

// Session is the slice of the vault session the record store needs. An
// unlocked vault satisfies it; every method fails once the vault locks.
type Session interface {
	DB() (*sql.DB, error)
	SealBlob(plaintext []byte) ([]byte, error)
	OpenBlob(blob []byte) ([]byte, error)
	Files() (*files.Store, error)
	AuditLogger() *audit.Logger
}

// Profile is the single patient profile a vault holds.
type Profile struct {
	Name      string
	DOB       string // ISO 8601 date, free-form tolerated
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document is an indexed entry in the document table. Content lives in the
// file store under StoredName.
type Document struct {
	ID         string
	FileName   string
	StoredName string
	ParsedText string
	UploadDate time.Time
	CreatedAt  time.Time
}

// Store provides profile and document operations over a vault session.
type Store struct {
	session Session
	source  string // audit source: cli or ui
}

// NewStore returns a record store bound to the session. source tags audit
// events with where operations originate (audit.SourceCLI or audit.SourceUI).
func NewStore(session Session, source string) *Store {
	return &Store{session: session, source: source}
}

// Profile returns the stored patient profile, or nil when none has been
// saved yet.
func (s *Store) Profile() (*Profile, error) {
	db, err := s.session.DB()
	if err != nil {
		return nil, err
	}

	var nameBlob, dobBlob, notesBlob []byte
	var createdAt, updatedAt string
	err = db.QueryRow(
		"SELECT name, dob, notes, created_at, updated_at FROM patients WHERE id = 1",
	).Scan(&nameBlob, &dobBlob, &notesBlob, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records: failed to read profile: %w", err)
	}

	p := &Profile{}
	if p.Name, err = s.openString(nameBlob); err != nil {
		return nil, fmt.Errorf("records: failed to decrypt profile name: %w", err)
	}
	if p.DOB, err = s.openString(dobBlob); err != nil {
		return nil, fmt.Errorf("records: failed to decrypt profile dob: %w", err)
	}
	if p.Notes, err = s.openString(notesBlob); err != nil {
		return nil, fmt.Errorf("records: failed to decrypt profile notes: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	_ = s.session.AuditLogger().LogSuccess(audit.OpProfileView, s.source, "")
	return p, nil
}

// SaveProfile creates or updates the single profile row.
func (s *Store) SaveProfile(p *Profile) error {
	db, err := s.session.DB()
	if err != nil {
		return err
	}

	nameBlob, err := s.sealString(p.Name)
	if err != nil {
		return err
	}
	dobBlob, err := s.sealString(p.DOB)
	if err != nil {
		return err
	}
	notesBlob, err := s.sealString(p.Notes)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.Exec(`
		INSERT INTO patients (id, name, dob, notes, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			dob = excluded.dob,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		nameBlob, dobBlob, notesBlob, now, now)
	if err != nil {
		return fmt.Errorf("records: failed to save profile: %w", err)
	}

	_ = s.session.AuditLogger().LogSuccess(audit.OpProfileSave, s.source, "")
	return nil
}

// AddDocument imports content into the encrypted file store and indexes it.
// parsedText is the extracted text used for search; pass empty when the
// content has no extractable text.
func (s *Store) AddDocument(fileName string, content []byte, parsedText string) (*Document, error) {
	if strings.TrimSpace(fileName) == "" {
		return nil, ErrEmptyFileName
	}
	db, err := s.session.DB()
	if err != nil {
		return nil, err
	}
	fileStore, err := s.session.Files()
	if err != nil {
		return nil, err
	}

	storedName, err := fileStore.Import(content)
	if err != nil {
		return nil, err
	}

	nameBlob, err := s.sealString(fileName)
	if err != nil {
		_ = fileStore.Remove(storedName)
		return nil, err
	}
	textBlob, err := s.sealString(parsedText)
	if err != nil {
		_ = fileStore.Remove(storedName)
		return nil, err
	}

	doc := &Document{
		ID:         uuid.New().String(),
		FileName:   fileName,
		StoredName: storedName,
		ParsedText: parsedText,
		UploadDate: time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}

	_, err = db.Exec(`
		INSERT INTO documents (id, patient_id, file_name, stored_name, parsed_text, upload_date, created_at)
		VALUES (?, 1, ?, ?, ?, ?, ?)`,
		doc.ID, nameBlob, storedName, textBlob,
		doc.UploadDate.Format(time.RFC3339), doc.CreatedAt.Format(time.RFC3339))
	if err != nil {
		_ = fileStore.Remove(storedName)
		return nil, fmt.Errorf("records: failed to index document: %w", err)
	}

	_ = s.session.AuditLogger().LogSuccess(audit.OpDocumentAdd, s.source, doc.ID)
	return doc, nil
}

// ListDocuments returns all documents, newest upload first, without parsed
// text.
func (s *Store) ListDocuments() ([]Document, error) {
	db, err := s.session.DB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(
		"SELECT id, file_name, stored_name, upload_date, created_at FROM documents ORDER BY upload_date DESC")
	if err != nil {
		return nil, fmt.Errorf("records: failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var nameBlob []byte
		var uploadDate, createdAt string
		if err := rows.Scan(&doc.ID, &nameBlob, &doc.StoredName, &uploadDate, &createdAt); err != nil {
			return nil, fmt.Errorf("records: failed to scan document: %w", err)
		}
		if doc.FileName, err = s.openString(nameBlob); err != nil {
			return nil, fmt.Errorf("records: failed to decrypt document name: %w", err)
		}
		doc.UploadDate = parseTime(uploadDate)
		doc.CreatedAt = parseTime(createdAt)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("records: failed to list documents: %w", err)
	}

	_ = s.session.AuditLogger().LogSuccess(audit.OpDocumentList, s.source, "")
	return docs, nil
}

// GetDocument returns a single document including its parsed text.
func (s *Store) GetDocument(id string) (*Document, error) {
	db, err := s.session.DB()
	if err != nil {
		return nil, err
	}

	doc := &Document{ID: id}
	var nameBlob, textBlob []byte
	var uploadDate, createdAt string
	err = db.QueryRow(
		"SELECT file_name, stored_name, parsed_text, upload_date, created_at FROM documents WHERE id = ?",
		id,
	).Scan(&nameBlob, &doc.StoredName, &textBlob, &uploadDate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("records: failed to read document: %w", err)
	}

	if doc.FileName, err = s.openString(nameBlob); err != nil {
		return nil, fmt.Errorf("records: failed to decrypt document name: %w", err)
	}
	if doc.ParsedText, err = s.openString(textBlob); err != nil {
		return nil, fmt.Errorf("records: failed to decrypt parsed text: %w", err)
	}
	doc.UploadDate = parseTime(uploadDate)
	doc.CreatedAt = parseTime(createdAt)

	_ = s.session.AuditLogger().LogSuccess(audit.OpDocumentView, s.source, id)
	return doc, nil
}

// ExportDocument returns the decrypted content of a document.
func (s *Store) ExportDocument(id string) ([]byte, error) {
	doc, err := s.GetDocument(id)
	if err != nil {
		return nil, err
	}
	fileStore, err := s.session.Files()
	if err != nil {
		return nil, err
	}
	content, err := fileStore.Export(doc.StoredName)
	if err != nil {
		return nil, err
	}
	_ = s.session.AuditLogger().LogSuccess(audit.OpDocumentExport, s.source, id)
	return content, nil
}

// DeleteDocument removes the index row and the stored blob. The row goes
// first so a crash can strand at worst an unreferenced blob, never a
// dangling index entry.
func (s *Store) DeleteDocument(id string) error {
	db, err := s.session.DB()
	if err != nil {
		return err
	}

	var storedName string
	err = db.QueryRow("SELECT stored_name FROM documents WHERE id = ?", id).Scan(&storedName)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("records: failed to read document: %w", err)
	}

	if _, err := db.Exec("DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("records: failed to delete document: %w", err)
	}

	fileStore, err := s.session.Files()
	if err != nil {
		return err
	}
	if err := fileStore.Remove(storedName); err != nil && !errors.Is(err, files.ErrNotFound) {
		return err
	}

	_ = s.session.AuditLogger().LogSuccess(audit.OpDocumentDelete, s.source, id)
	return nil
}

// SearchDocuments returns documents whose file name or parsed text contains
// the query as a case-insensitive substring. Both sides are NFC-normalized
// first so composed and decomposed spellings of the same name match.
func (s *Store) SearchDocuments(query string) ([]Document, error) {
	db, err := s.session.DB()
	if err != nil {
		return nil, err
	}

	needle := normalize(query)
	if needle == "" {
		return nil, nil
	}

	rows, err := db.Query(
		"SELECT id, file_name, stored_name, parsed_text, upload_date, created_at FROM documents ORDER BY upload_date DESC")
	if err != nil {
		return nil, fmt.Errorf("records: failed to search documents: %w", err)
	}
	defer rows.Close()

	var matches []Document
	for rows.Next() {
		var doc Document
		var nameBlob, textBlob []byte
		var uploadDate, createdAt string
		if err := rows.Scan(&doc.ID, &nameBlob, &doc.StoredName, &textBlob, &uploadDate, &createdAt); err != nil {
			return nil, fmt.Errorf("records: failed to scan document: %w", err)
		}
		if doc.FileName, err = s.openString(nameBlob); err != nil {
			return nil, fmt.Errorf("records: failed to decrypt document name: %w", err)
		}
		if doc.ParsedText, err = s.openString(textBlob); err != nil {
			return nil, fmt.Errorf("records: failed to decrypt parsed text: %w", err)
		}
		if strings.Contains(normalize(doc.FileName), needle) ||
			strings.Contains(normalize(doc.ParsedText), needle) {
			doc.UploadDate = parseTime(uploadDate)
			doc.CreatedAt = parseTime(createdAt)
			matches = append(matches, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("records: failed to search documents: %w", err)
	}

	_ = s.session.AuditLogger().LogSuccess(audit.OpDocumentSearch, s.source, "")
	return matches, nil
}

func (s *Store) sealString(value string) ([]byte, error) {
	return s.session.SealBlob([]byte(value))
}

func (s *Store) openString(blob []byte) (string, error) {
	plain, err := s.session.OpenBlob(blob)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func normalize(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
