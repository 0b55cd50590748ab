package records_test

import (
	"errors"
	"testing"

	"github.com/lilianmoon/advocate/pkg/records"
)

func TestFieldsAllUnset(t *testing.T) {
	s := openStore(t)

	fields, err := s.Fields()
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
	if len(fields) != len(records.FieldDefinitions) {
		t.Fatalf("got %d fields, want %d", len(fields), len(records.FieldDefinitions))
	}
	for i, fv := range fields {
		if fv.Key != records.FieldDefinitions[i].Key {
			t.Errorf("field %d: key %q, want catalog order %q", i, fv.Key, records.FieldDefinitions[i].Key)
		}
		if fv.Value != "" {
			t.Errorf("field %s: unexpected value %q", fv.Key, fv.Value)
		}
	}
}

func TestSetAndGetField(t *testing.T) {
	s := openStore(t)

	if err := s.SetField("blood_type", "O-"); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	if err := s.SetField("allergies", "penicillin, latex"); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}

	fv, err := s.Field("blood_type")
	if err != nil {
		t.Fatalf("Field failed: %v", err)
	}
	if fv.Value != "O-" {
		t.Errorf("blood_type = %q, want O-", fv.Value)
	}
	if fv.Label != "Blood type" {
		t.Errorf("label = %q", fv.Label)
	}
	if fv.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}

	fields, err := s.Fields()
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
	byKey := make(map[string]string)
	for _, f := range fields {
		byKey[f.Key] = f.Value
	}
	if byKey["blood_type"] != "O-" || byKey["allergies"] != "penicillin, latex" {
		t.Errorf("fields mismatch: %v", byKey)
	}
}

func TestSetFieldOverwrite(t *testing.T) {
	s := openStore(t)

	if err := s.SetField("medications", "lisinopril 10mg"); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	if err := s.SetField("medications", "lisinopril 20mg"); err != nil {
		t.Fatalf("second SetField failed: %v", err)
	}

	fv, err := s.Field("medications")
	if err != nil {
		t.Fatalf("Field failed: %v", err)
	}
	if fv.Value != "lisinopril 20mg" {
		t.Errorf("overwrite not applied: %q", fv.Value)
	}
}

func TestSetFieldEmptyClears(t *testing.T) {
	s := openStore(t)

	if err := s.SetField("insurance", "ACME Health, member 12345"); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	if err := s.SetField("insurance", ""); err != nil {
		t.Fatalf("clearing SetField failed: %v", err)
	}

	fv, err := s.Field("insurance")
	if err != nil {
		t.Fatalf("Field failed: %v", err)
	}
	if fv.Value != "" {
		t.Errorf("field not cleared: %q", fv.Value)
	}
}

func TestFieldUnknownKey(t *testing.T) {
	s := openStore(t)

	if err := s.SetField("favorite_color", "blue"); !errors.Is(err, records.ErrUnknownField) {
		t.Errorf("SetField: expected ErrUnknownField, got %v", err)
	}
	if _, err := s.Field("favorite_color"); !errors.Is(err, records.ErrUnknownField) {
		t.Errorf("Field: expected ErrUnknownField, got %v", err)
	}
}
