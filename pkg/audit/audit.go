// Package audit provides audit logging with an HMAC chain for tamper
// detection. Events are appended to monthly JSONL files inside the vault
// directory; each record carries an HMAC over its contents plus the previous
// record's HMAC, so deletion or modification of any record breaks the chain.
//
// Record content never includes patient data. Subject identifiers are HMACed
// before they are written, so the log itself leaks nothing if read without
// the vault key.
package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// MinAuditDiskSpace is the minimum free space required to append events.
const MinAuditDiskSpace = 1024 * 1024 // 1 MB

// chainFileName holds the persisted chain tip between sessions.
const chainFileName = "audit.meta"

// genesisHash is the prev-hash of the very first record.
const genesisHash = "genesis"

// Operation types for audit logging
const (
	// Vault operations
	OpVaultInit         = "vault.init"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLock         = "vault.lock"
	OpPasswordChange    = "vault.password_change"

	// Profile operations
	OpProfileView     = "profile.view"
	OpProfileSave     = "profile.save"
	OpProfileFieldSet = "profile.field_set"

	// Document operations
	OpDocumentAdd    = "document.add"
	OpDocumentView   = "document.view"
	OpDocumentList   = "document.list"
	OpDocumentExport = "document.export"
	OpDocumentDelete = "document.delete"
	OpDocumentSearch = "document.search"

	// Backup operations
	OpBackupCreate  = "backup.create"
	OpBackupRestore = "backup.restore"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceUI  = "ui"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// Event represents a single audit log record
type Event struct {
	Version   int    `json:"v"`  // Schema version (1)
	ID        string `json:"id"` // Time-sortable event ID
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation   string `json:"op"`
	SubjectHMAC string `json:"subject,omitempty"` // HMAC of the record/document ID

	Actor Actor `json:"actor"`

	Result string     `json:"result"` // success | error | denied
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]interface{} `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor represents who performed the operation
type Actor struct {
	Type      string `json:"type"`   // user | system
	Source    string `json:"source"` // cli | ui
	SessionID string `json:"session_id"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain provides HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`  // Sequence number
	PrevHash string `json:"prev"` // Previous record HMAC
	HMAC     string `json:"hmac"` // This record's HMAC
}

// chainTip is the persisted position of the chain, allowing the next session
// to continue it instead of starting over.
type chainTip struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends HMAC-chained events under a single directory.
// All methods are safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	dir       string
	key       []byte
	keyed     bool
	tip       chainTip
	sessionID string
}

// NewLogger creates a new audit logger writing to the given directory.
// SetHMACKey must be called before any events can be recorded.
func NewLogger(dir string) *Logger {
	return &Logger{
		dir:       dir,
		tip:       chainTip{PrevHash: genesisHash},
		sessionID: newSessionID(),
	}
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.dir
}

// SetHMACKey derives and sets the HMAC key from the vault key using
// HKDF-SHA256, then restores the chain position from the previous session.
func (l *Logger) SetHMACKey(vaultKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.key = make([]byte, 32)
	kdf := hkdf.New(sha256.New, vaultKey, nil, []byte("audit-log-v1"))
	if _, err := kdf.Read(l.key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.keyed = true

	tip, err := l.restoreTip()
	if err != nil {
		// First session of a fresh vault
		tip = chainTip{PrevHash: genesisHash}
	}
	l.tip = tip
	return nil
}

func (l *Logger) restoreTip() (chainTip, error) {
	var tip chainTip
	data, err := os.ReadFile(filepath.Join(l.dir, chainFileName))
	if err != nil {
		return tip, err
	}
	if err := json.Unmarshal(data, &tip); err != nil {
		return tip, err
	}
	return tip, nil
}

func (l *Logger) persistTip() error {
	data, err := json.Marshal(l.tip)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, chainFileName), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// Log records an audit event
func (l *Logger) Log(op, source, result, subject string, errInfo *ErrorInfo, ctx map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.keyed {
		return fmt.Errorf("audit: HMAC key not set")
	}
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	event := Event{
		Version:   1,
		ID:        newEventID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Actor: Actor{
			Type:      "user",
			Source:    source,
			SessionID: l.sessionID,
		},
		Result:  result,
		Error:   errInfo,
		Context: ctx,
	}
	if subject != "" {
		event.SubjectHMAC = l.hmacHex([]byte(subject))
	}

	event.Chain.Sequence = l.tip.Sequence + 1
	event.Chain.PrevHash = l.tip.PrevHash
	event.Chain.HMAC = l.hmacHex(hmacPayload(&event))

	if err := l.appendEvent(&event); err != nil {
		return err
	}

	l.tip = chainTip{Sequence: event.Chain.Sequence, PrevHash: event.Chain.HMAC}
	return l.persistTip()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, source, subject string) error {
	return l.Log(op, source, ResultSuccess, subject, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, source, subject, errCode, errMsg string) error {
	return l.Log(op, source, ResultError, subject, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

func (l *Logger) hmacHex(data []byte) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacPayload serializes the fields covered by a record's HMAC. Context keys
// are sorted so the serialization is deterministic. Chain.HMAC itself is
// excluded.
func hmacPayload(event *Event) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "%d|%s|%s|%s|%s|",
		event.Version, event.ID, event.Timestamp, event.Operation, event.SubjectHMAC)
	fmt.Fprintf(&b, "%s|%s|%s|",
		event.Actor.Type, event.Actor.Source, event.Actor.SessionID)
	b.WriteString(event.Result)
	b.WriteByte('|')
	if event.Error != nil {
		fmt.Fprintf(&b, "%s|%s", event.Error.Code, event.Error.Message)
	}
	b.WriteByte('|')
	if event.Context != nil {
		keys := make([]string, 0, len(event.Context))
		for k := range event.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%v|", k, event.Context[k])
		}
	}
	fmt.Fprintf(&b, "|%d|%s", event.Chain.Sequence, event.Chain.PrevHash)

	return []byte(b.String())
}

// appendEvent appends a record to the current month's log file
func (l *Logger) appendEvent(event *Event) error {
	name := time.Now().UTC().Format("2006-01") + ".jsonl"

	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// newSessionID returns a random identifier shared by all events of one
// unlocked session.
func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// newEventID returns a time-sortable identifier: 48 bits of millisecond
// timestamp followed by 80 random bits, hex encoded.
func newEventID() string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixMilli()))

	tail := make([]byte, 10)
	if _, err := rand.Read(tail); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(append(ts[2:8:8], tail...))
}

// logFiles returns the JSONL log files in chronological order.
// YYYY-MM.jsonl names sort chronologically as strings.
func (l *Logger) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// decodeLogFile parses one JSONL file into events
func decodeLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// loadEvents reads every event across all log files, oldest first
func (l *Logger) loadEvents() ([]Event, error) {
	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}

	var all []Event
	for _, file := range files {
		events, err := decodeLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

// eventTime parses an event timestamp; ok is false for malformed values.
func eventTime(event *Event) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, event.Timestamp)
	return t, err == nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks the whole chain and checks every record's sequence number,
// prev-hash link, and HMAC.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.keyed {
		return nil, fmt.Errorf("audit: HMAC key not set")
	}

	events, err := l.loadEvents()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	wantPrev := genesisHash
	wantSeq := int64(1)

	for i := range events {
		event := &events[i]
		result.RecordsTotal++

		if event.Chain.Sequence != wantSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, wantSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != wantPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s: expected prev %s, got %s",
				event.ID, wantPrev, event.Chain.PrevHash))
		}
		if event.Chain.HMAC != l.hmacHex(hmacPayload(event)) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		wantPrev = event.Chain.HMAC
		wantSeq++
	}

	result.RecordsVerified = result.RecordsTotal
	return result, nil
}

// ListEvents returns audit events, oldest first.
// limit caps the number returned (0 = all, keeping the most recent);
// since filters out events at or before the given time (zero = no filter).
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.loadEvents()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		kept := events[:0]
		for _, event := range events {
			t, ok := eventTime(&event)
			if ok && t.After(since) {
				kept = append(kept, event)
			}
		}
		events = kept
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Export exports audit events in the specified format (json or csv).
// since and until filter events by timestamp (zero values mean no filter).
func (l *Logger) Export(format string, since, until time.Time) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.loadEvents()
	if err != nil {
		return nil, err
	}

	kept := events[:0]
	for _, event := range events {
		t, ok := eventTime(&event)
		if !ok {
			continue
		}
		if !since.IsZero() && t.Before(since) {
			continue
		}
		if !until.IsZero() && t.After(until) {
			continue
		}
		kept = append(kept, event)
	}

	switch format {
	case "csv":
		return formatCSV(kept), nil
	case "json":
		return json.MarshalIndent(kept, "", "  ")
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

// formatCSV renders events as CSV, truncating subject hashes for readability
func formatCSV(events []Event) []byte {
	var b strings.Builder
	b.WriteString("timestamp,operation,result,subject\n")

	for _, event := range events {
		subject := event.SubjectHMAC
		if len(subject) > 16 {
			subject = subject[:16] + "..."
		}
		b.WriteString(csvEscape(event.Timestamp))
		b.WriteByte(',')
		b.WriteString(csvEscape(event.Operation))
		b.WriteByte(',')
		b.WriteString(csvEscape(event.Result))
		b.WriteByte(',')
		b.WriteString(csvEscape(subject))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// csvEscape escapes a field for CSV output. Fields starting with =, +, -
// or @ are quoted to prevent spreadsheet formula injection.
func csvEscape(field string) string {
	if field == "" {
		return field
	}

	needsQuoting := strings.ContainsAny(field, ",\"\n\r")
	switch field[0] {
	case '=', '+', '-', '@':
		needsQuoting = true
	}
	if !needsQuoting {
		return field
	}

	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

// Prune deletes audit log entries older than the given duration and returns
// the number of deleted entries. Files whose events are all stale are removed
// whole; mixed files are rewritten atomically.
func (l *Logger) Prune(olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	files, err := l.logFiles()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, file := range files {
		events, err := decodeLogFile(file)
		if err != nil {
			return deleted, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}

		var remaining []Event
		for _, event := range events {
			// Malformed timestamps are kept rather than silently dropped
			if t, ok := eventTime(&event); ok && !t.After(cutoff) {
				deleted++
				continue
			}
			remaining = append(remaining, event)
		}

		switch {
		case len(remaining) == len(events):
			// Nothing pruned from this file
		case len(remaining) == 0:
			if err := os.Remove(file); err != nil {
				return deleted, fmt.Errorf("audit: failed to delete %s: %w", file, err)
			}
		default:
			if err := rewriteLogFile(file, remaining); err != nil {
				return deleted, fmt.Errorf("audit: failed to rewrite %s: %w", file, err)
			}
		}
	}

	return deleted, nil
}

// PrunePreview returns the count of entries that would be deleted without
// deleting them.
func (l *Logger) PrunePreview(olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	events, err := l.loadEvents()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, event := range events {
		if t, ok := eventTime(&event); ok && !t.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// rewriteLogFile replaces a log file's contents via temp file + rename
func rewriteLogFile(path string, events []Event) error {
	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			f.Close()
			os.Remove(tempPath)
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tempPath)
			return err
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, path)
}
