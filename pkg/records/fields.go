package records

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lilianmoon/advocate/pkg/audit"
)

// ErrUnknownField means a field key outside the catalog was used.
var ErrUnknownField = errors.New("records: unknown profile field")

// FieldDefinition describes one structured profile field. The catalog is
// fixed; free-form information belongs in Profile.Notes.
type FieldDefinition struct {
	Key   string
	Label string
}

// FieldDefinitions is the catalog of structured profile fields, the sections
// a patient summary is usually asked for at intake.
var FieldDefinitions = []FieldDefinition{
	{Key: "blood_type", Label: "Blood type"},
	{Key: "allergies", Label: "Allergies"},
	{Key: "medications", Label: "Current medications"},
	{Key: "conditions", Label: "Conditions"},
	{Key: "immunizations", Label: "Immunizations"},
	{Key: "emergency_contact", Label: "Emergency contact"},
	{Key: "primary_physician", Label: "Primary physician"},
	{Key: "insurance", Label: "Insurance"},
}

// FieldValue is one catalog field with its stored value, empty when unset.
type FieldValue struct {
	Key       string
	Label     string
	Value     string
	UpdatedAt time.Time
}

func fieldLabel(key string) (string, bool) {
	for _, def := range FieldDefinitions {
		if def.Key == key {
			return def.Label, true
		}
	}
	return "", false
}

// SetField stores a structured profile field. An empty value clears the
// field. The key must come from FieldDefinitions.
func (s *Store) SetField(key, value string) error {
	if _, ok := fieldLabel(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	db, err := s.session.DB()
	if err != nil {
		return err
	}

	if value == "" {
		if _, err := db.Exec(
			"DELETE FROM patient_fields WHERE patient_id = 1 AND field_key = ?", key); err != nil {
			return fmt.Errorf("records: failed to clear field %s: %w", key, err)
		}
		_ = s.session.AuditLogger().LogSuccess(audit.OpProfileFieldSet, s.source, key)
		return nil
	}

	valueBlob, err := s.sealString(value)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.Exec(`
		INSERT INTO patient_fields (patient_id, field_key, value, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(patient_id, field_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, valueBlob, now)
	if err != nil {
		return fmt.Errorf("records: failed to save field %s: %w", key, err)
	}

	_ = s.session.AuditLogger().LogSuccess(audit.OpProfileFieldSet, s.source, key)
	return nil
}

// Fields returns every catalog field in catalog order, with stored values
// decrypted and unset fields carrying an empty Value.
func (s *Store) Fields() ([]FieldValue, error) {
	db, err := s.session.DB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(
		"SELECT field_key, value, updated_at FROM patient_fields WHERE patient_id = 1")
	if err != nil {
		return nil, fmt.Errorf("records: failed to read fields: %w", err)
	}
	defer rows.Close()

	stored := make(map[string]FieldValue)
	for rows.Next() {
		var key, updatedAt string
		var valueBlob []byte
		if err := rows.Scan(&key, &valueBlob, &updatedAt); err != nil {
			return nil, fmt.Errorf("records: failed to scan field: %w", err)
		}
		value, err := s.openString(valueBlob)
		if err != nil {
			return nil, fmt.Errorf("records: failed to decrypt field %s: %w", key, err)
		}
		stored[key] = FieldValue{Key: key, Value: value, UpdatedAt: parseTime(updatedAt)}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("records: failed to read fields: %w", err)
	}

	fields := make([]FieldValue, 0, len(FieldDefinitions))
	for _, def := range FieldDefinitions {
		fv := FieldValue{Key: def.Key, Label: def.Label}
		if got, ok := stored[def.Key]; ok {
			fv.Value = got.Value
			fv.UpdatedAt = got.UpdatedAt
		}
		fields = append(fields, fv)
	}

	_ = s.session.AuditLogger().LogSuccess(audit.OpProfileView, s.source, "")
	return fields, nil
}

// Field returns a single catalog field with its stored value.
func (s *Store) Field(key string) (*FieldValue, error) {
	label, ok := fieldLabel(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	db, err := s.session.DB()
	if err != nil {
		return nil, err
	}

	fv := &FieldValue{Key: key, Label: label}
	var valueBlob []byte
	var updatedAt string
	err = db.QueryRow(
		"SELECT value, updated_at FROM patient_fields WHERE patient_id = 1 AND field_key = ?",
		key,
	).Scan(&valueBlob, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records: failed to read field %s: %w", key, err)
	}
	if fv.Value, err = s.openString(valueBlob); err != nil {
		return nil, fmt.Errorf("records: failed to decrypt field %s: %w", key, err)
	}
	fv.UpdatedAt = parseTime(updatedAt)
	return fv, nil
}
