package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger(t *testing.T) *Logger {
	t.Helper()
	l := NewLogger(filepath.Join(t.TempDir(), "audit"))
	key := bytes.Repeat([]byte{0x42}, 32)
	if err := l.SetHMACKey(key); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	return l
}

func TestLogRequiresHMACKey(t *testing.T) {
	l := NewLogger(filepath.Join(t.TempDir(), "audit"))
	if err := l.LogSuccess(OpVaultUnlock, SourceCLI, ""); err == nil {
		t.Error("Log without HMAC key should fail")
	}
}

func TestLogAndVerify(t *testing.T) {
	l := testLogger(t)

	ops := []string{OpVaultInit, OpVaultUnlock, OpProfileSave, OpDocumentAdd, OpVaultLock}
	for _, op := range ops {
		if err := l.LogSuccess(op, SourceCLI, ""); err != nil {
			t.Fatalf("LogSuccess(%s) failed: %v", op, err)
		}
	}

	result, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("chain should be valid: %v", result.Errors)
	}
	if result.RecordsTotal != len(ops) {
		t.Errorf("RecordsTotal = %d, want %d", result.RecordsTotal, len(ops))
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := testLogger(t)

	for i := 0; i < 3; i++ {
		if err := l.LogSuccess(OpDocumentView, SourceUI, "doc-1"); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	files, err := filepath.Glob(filepath.Join(l.Path(), "*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one log file, got %v (err=%v)", files, err)
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	tampered := bytes.Replace(data, []byte(`"result":"success"`), []byte(`"result":"denied"`), 1)
	if bytes.Equal(tampered, data) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(files[0], tampered, 0600); err != nil {
		t.Fatalf("failed to write tampered file: %v", err)
	}

	result, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Valid {
		t.Error("Verify should detect tampered record")
	}
}

func TestVerifyDetectsDeletion(t *testing.T) {
	l := testLogger(t)

	for i := 0; i < 3; i++ {
		if err := l.LogSuccess(OpDocumentList, SourceCLI, ""); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	files, _ := filepath.Glob(filepath.Join(l.Path(), "*.jsonl"))
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	lines := bytes.SplitN(data, []byte{'\n'}, 2)
	if err := os.WriteFile(files[0], lines[1], 0600); err != nil {
		t.Fatalf("failed to rewrite log file: %v", err)
	}

	result, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Valid {
		t.Error("Verify should detect deleted record")
	}
}

func TestSubjectIsHMACed(t *testing.T) {
	l := testLogger(t)

	const subject = "patient-record-7"
	if err := l.LogSuccess(OpDocumentView, SourceUI, subject); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(l.Path(), "*.jsonl"))
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if bytes.Contains(data, []byte(subject)) {
		t.Error("log file contains raw subject identifier")
	}

	var event Event
	if err := json.Unmarshal(bytes.TrimSpace(data), &event); err != nil {
		t.Fatalf("failed to parse event: %v", err)
	}
	if event.SubjectHMAC == "" {
		t.Error("event should carry a subject HMAC")
	}
	if len(event.SubjectHMAC) != 64 {
		t.Errorf("subject HMAC length = %d, want 64 hex chars", len(event.SubjectHMAC))
	}
}

func TestChainSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	key := bytes.Repeat([]byte{0x07}, 32)

	l1 := NewLogger(dir)
	if err := l1.SetHMACKey(key); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	if err := l1.LogSuccess(OpVaultInit, SourceCLI, ""); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	l2 := NewLogger(dir)
	if err := l2.SetHMACKey(key); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	if err := l2.LogSuccess(OpVaultUnlock, SourceCLI, ""); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	result, err := l2.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("chain across sessions should be valid: %v", result.Errors)
	}
	if result.RecordsTotal != 2 {
		t.Errorf("RecordsTotal = %d, want 2", result.RecordsTotal)
	}
}

func TestLogErrorRecordsDetails(t *testing.T) {
	l := testLogger(t)

	if err := l.LogError(OpVaultUnlockFailed, SourceCLI, "", "AUTH_FAILED", "wrong key or corrupt"); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}

	events, err := l.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Result != ResultError {
		t.Errorf("Result = %q, want %q", e.Result, ResultError)
	}
	if e.Error == nil || e.Error.Code != "AUTH_FAILED" {
		t.Errorf("unexpected error info: %+v", e.Error)
	}
}

func TestListEventsLimit(t *testing.T) {
	l := testLogger(t)

	for i := 0; i < 5; i++ {
		if err := l.LogSuccess(OpDocumentList, SourceCLI, ""); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	events, err := l.ListEvents(2, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Limit keeps the most recent events
	if events[0].Chain.Sequence != 4 || events[1].Chain.Sequence != 5 {
		t.Errorf("unexpected sequences: %d, %d", events[0].Chain.Sequence, events[1].Chain.Sequence)
	}
}

func TestExportJSON(t *testing.T) {
	l := testLogger(t)
	if err := l.LogSuccess(OpBackupCreate, SourceCLI, ""); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	out, err := l.Export("json", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	var events []Event
	if err := json.Unmarshal(out, &events); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if len(events) != 1 || events[0].Operation != OpBackupCreate {
		t.Errorf("unexpected export content: %+v", events)
	}
}

func TestExportCSVEscaping(t *testing.T) {
	l := testLogger(t)
	if err := l.LogSuccess(OpVaultUnlock, SourceCLI, ""); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	out, err := l.Export("csv", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d CSV lines, want 2", len(lines))
	}
	if lines[0] != "timestamp,operation,result,subject" {
		t.Errorf("unexpected CSV header: %q", lines[0])
	}

	if _, err := l.Export("xml", time.Time{}, time.Time{}); err == nil {
		t.Error("Export with unsupported format should fail")
	}
}

func TestCSVEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", ""},
		{"has,comma", `"has,comma"`},
		{`has"quote`, `"has""quote"`},
		{"=formula()", `"=formula()"`},
		{"+1", `"+1"`},
	}
	for _, tt := range tests {
		if got := csvEscape(tt.in); got != tt.want {
			t.Errorf("csvEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrune(t *testing.T) {
	l := testLogger(t)

	for i := 0; i < 3; i++ {
		if err := l.LogSuccess(OpDocumentView, SourceUI, ""); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	// Nothing is older than a year
	deleted, err := l.Prune(365 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Prune deleted %d recent events", deleted)
	}

	// Everything is older than a negative-age cutoff in the future
	deleted, err = l.Prune(-time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Prune deleted %d events, want 3", deleted)
	}
}
