package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/lilianmoon/advocate/internal/config"
	"github.com/lilianmoon/advocate/pkg/audit"
	"github.com/lilianmoon/advocate/pkg/crypto"
	"github.com/lilianmoon/advocate/pkg/records"
	"github.com/lilianmoon/advocate/pkg/vault"
)

// App struct - Wails binds this to the frontend
type App struct {
	ctx          context.Context
	vault        *vault.Vault
	appDir       string
	cfg          *config.Config
	lastActivity time.Time
	activityMu   sync.Mutex
}

// NewApp creates a new App application struct
func NewApp(appDir string) *App {
	cfg, err := config.Load(appDir)
	if err != nil {
		cfg = config.Default()
	}

	v := vault.New(cfg.ResolveVaultDir(appDir))
	v.SetKDFParams(crypto.Params{
		Time:    cfg.KDF.Time,
		Memory:  cfg.KDF.Memory,
		Threads: cfg.KDF.Threads,
	})

	return &App{
		vault:  v,
		appDir: appDir,
		cfg:    cfg,
	}
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.lastActivity = time.Now()

	go a.watchIdleTimeout()
}

// shutdown is called at app termination
func (a *App) shutdown(ctx context.Context) {
	a.vault.Lock()
}

// watchIdleTimeout monitors for idle and auto-locks the vault
func (a *App) watchIdleTimeout() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.cfg.AutoLockMinutes <= 0 {
				continue
			}

			a.activityMu.Lock()
			idle := time.Since(a.lastActivity)
			a.activityMu.Unlock()

			if !a.vault.IsLocked() && idle > time.Duration(a.cfg.AutoLockMinutes)*time.Minute {
				a.Lock()
				runtime.EventsEmit(a.ctx, "vault:locked")
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// ResetIdleTimer is called on user activity
func (a *App) ResetIdleTimer() {
	a.activityMu.Lock()
	a.lastActivity = time.Now()
	a.activityMu.Unlock()
}

func (a *App) store() *records.Store {
	return records.NewStore(a.vault, audit.SourceUI)
}

// ============================================================================
// Session API
// ============================================================================

// SessionStatus represents the vault session state for the frontend
type SessionStatus struct {
	State       string `json:"state"`
	LastFailure string `json:"lastFailure"`
	VaultExists bool   `json:"vaultExists"`
	VaultDir    string `json:"vaultDir"`
}

// GetSessionStatus returns the current session state
func (a *App) GetSessionStatus() SessionStatus {
	status := a.vault.Status()
	return SessionStatus{
		State:       status.State.String(),
		LastFailure: status.Failure.String(),
		VaultExists: a.vault.Exists(),
		VaultDir:    a.vault.Path(),
	}
}

// InitVault creates a new vault with the given master password
func (a *App) InitVault(password string) error {
	if a.vault.Exists() {
		return errors.New("vault already exists")
	}

	validation := vault.ValidateMasterPassword(password)
	if !validation.Valid {
		return errors.New(validation.Warnings[0])
	}

	result, err := a.vault.Open(a.ctx, []byte(password))
	if err != nil {
		return err
	}
	if !result.NewlyCreated {
		a.vault.Lock()
		return errors.New("vault already exists")
	}

	a.ResetIdleTimer()
	return nil
}

// Unlock unlocks the vault with the master password.
// A wrong password and a corrupted vault are indistinguishable on purpose.
func (a *App) Unlock(password string) error {
	if !a.vault.Exists() {
		return errors.New("no vault found, create one first")
	}

	if _, err := a.vault.Open(a.ctx, []byte(password)); err != nil {
		if errors.Is(err, vault.ErrWrongKeyOrCorrupt) {
			return errors.New("incorrect password or corrupted vault")
		}
		return err
	}

	a.ResetIdleTimer()
	return nil
}

// Lock locks the vault
func (a *App) Lock() error {
	a.vault.Lock()
	return nil
}

// ChangePassword changes the master password
func (a *App) ChangePassword(current, next string) error {
	if a.vault.IsLocked() {
		return errors.New("vault locked")
	}

	validation := vault.ValidateMasterPassword(next)
	if !validation.Valid {
		return errors.New(validation.Warnings[0])
	}

	if err := a.vault.ChangePassword(a.ctx, []byte(current), []byte(next)); err != nil {
		if errors.Is(err, vault.ErrWrongKeyOrCorrupt) {
			return errors.New("current password is incorrect")
		}
		if errors.Is(err, vault.ErrSamePassword) {
			return errors.New("new password must be different from current password")
		}
		return err
	}
	return nil
}

// ============================================================================
// Profile API
// ============================================================================

// ProfileDTO represents the patient profile for the frontend
type ProfileDTO struct {
	Name  string `json:"name"`
	DOB   string `json:"dob"`
	Notes string `json:"notes"`
}

// GetProfile returns the patient profile, or nil if none is saved
func (a *App) GetProfile() (*ProfileDTO, error) {
	if a.vault.IsLocked() {
		return nil, errors.New("vault locked")
	}
	a.ResetIdleTimer()

	profile, err := a.store().Profile()
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, nil
	}
	return &ProfileDTO{
		Name:  profile.Name,
		DOB:   profile.DOB,
		Notes: profile.Notes,
	}, nil
}

// SaveProfile creates or updates the patient profile
func (a *App) SaveProfile(dto ProfileDTO) error {
	if a.vault.IsLocked() {
		return errors.New("vault locked")
	}
	a.ResetIdleTimer()

	return a.store().SaveProfile(&records.Profile{
		Name:  dto.Name,
		DOB:   dto.DOB,
		Notes: dto.Notes,
	})
}

// FieldDTO represents one structured profile field for the frontend
type FieldDTO struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// ListProfileFields returns every structured field in catalog order
func (a *App) ListProfileFields() ([]FieldDTO, error) {
	if a.vault.IsLocked() {
		return nil, errors.New("vault locked")
	}
	a.ResetIdleTimer()

	fields, err := a.store().Fields()
	if err != nil {
		return nil, err
	}
	dtos := make([]FieldDTO, 0, len(fields))
	for _, fv := range fields {
		dtos = append(dtos, FieldDTO{Key: fv.Key, Label: fv.Label, Value: fv.Value})
	}
	return dtos, nil
}

// SetProfileField saves one structured field; an empty value clears it
func (a *App) SetProfileField(key, value string) error {
	if a.vault.IsLocked() {
		return errors.New("vault locked")
	}
	a.ResetIdleTimer()

	return a.store().SetField(key, value)
}

// ============================================================================
// Document API
// ============================================================================

// DocumentDTO represents a document index entry for the frontend
type DocumentDTO struct {
	ID         string `json:"id"`
	FileName   string `json:"fileName"`
	UploadDate string `json:"uploadDate"`
	ParsedText string `json:"parsedText,omitempty"`
}

// ListDocuments returns the document index, newest first
func (a *App) ListDocuments() ([]DocumentDTO, error) {
	if a.vault.IsLocked() {
		return nil, errors.New("vault locked")
	}
	a.ResetIdleTimer()

	docs, err := a.store().ListDocuments()
	if err != nil {
		return nil, err
	}

	items := make([]DocumentDTO, 0, len(docs))
	for _, d := range docs {
		items = append(items, DocumentDTO{
			ID:         d.ID,
			FileName:   d.FileName,
			UploadDate: d.UploadDate.Format(time.RFC3339),
		})
	}
	return items, nil
}

// GetDocument returns a document's index entry including its extracted text
func (a *App) GetDocument(id string) (*DocumentDTO, error) {
	if a.vault.IsLocked() {
		return nil, errors.New("vault locked")
	}
	a.ResetIdleTimer()

	doc, err := a.store().GetDocument(id)
	if err != nil {
		return nil, err
	}
	return &DocumentDTO{
		ID:         doc.ID,
		FileName:   doc.FileName,
		UploadDate: doc.UploadDate.Format(time.RFC3339),
		ParsedText: doc.ParsedText,
	}, nil
}

// ImportDocument opens a file picker and imports the chosen file into the
// vault. Returns the new document entry, or nil if the user cancelled.
func (a *App) ImportDocument(parsedText string) (*DocumentDTO, error) {
	if a.vault.IsLocked() {
		return nil, errors.New("vault locked")
	}
	a.ResetIdleTimer()

	path, err := runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Import medical document",
		Filters: []runtime.FileFilter{
			{DisplayName: "Documents (*.pdf;*.jpg;*.png;*.txt)", Pattern: "*.pdf;*.jpg;*.jpeg;*.png;*.txt"},
			{DisplayName: "All files", Pattern: "*"},
		},
	})
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := a.store().AddDocument(filepath.Base(path), content, parsedText)
	if err != nil {
		return nil, err
	}
	return &DocumentDTO{
		ID:         doc.ID,
		FileName:   doc.FileName,
		UploadDate: doc.UploadDate.Format(time.RFC3339),
	}, nil
}

// ExportDocument decrypts a document and writes it to a path the user picks.
// Returns the chosen path, or "" if the user cancelled.
func (a *App) ExportDocument(id string) (string, error) {
	if a.vault.IsLocked() {
		return "", errors.New("vault locked")
	}
	a.ResetIdleTimer()

	doc, err := a.store().GetDocument(id)
	if err != nil {
		return "", err
	}

	path, err := runtime.SaveFileDialog(a.ctx, runtime.SaveDialogOptions{
		Title:           "Export document (unencrypted)",
		DefaultFilename: doc.FileName,
	})
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", nil
	}

	content, err := a.store().ExportDocument(id)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", err
	}
	return path, nil
}

// DeleteDocument removes a document from the vault
func (a *App) DeleteDocument(id string) error {
	if a.vault.IsLocked() {
		return errors.New("vault locked")
	}
	a.ResetIdleTimer()

	return a.store().DeleteDocument(id)
}

// SearchDocuments returns documents whose name or extracted text contains the
// query, case-insensitively
func (a *App) SearchDocuments(query string) ([]DocumentDTO, error) {
	if a.vault.IsLocked() {
		return nil, errors.New("vault locked")
	}
	a.ResetIdleTimer()

	docs, err := a.store().SearchDocuments(query)
	if err != nil {
		return nil, err
	}

	items := make([]DocumentDTO, 0, len(docs))
	for _, d := range docs {
		items = append(items, DocumentDTO{
			ID:         d.ID,
			FileName:   d.FileName,
			UploadDate: d.UploadDate.Format(time.RFC3339),
		})
	}
	return items, nil
}

// ============================================================================
// Audit Log API
// ============================================================================

// AuditLogEntry represents an audit log entry for the frontend
type AuditLogEntry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Source    string `json:"source"`
	Subject   string `json:"subject,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ListAuditLogs returns audit logs, oldest first
func (a *App) ListAuditLogs(limit int) ([]AuditLogEntry, error) {
	if a.vault.IsLocked() {
		return nil, errors.New("vault locked")
	}
	a.ResetIdleTimer()

	events, err := a.vault.AuditLogger().ListEvents(limit, time.Time{})
	if err != nil {
		return nil, err
	}

	entries := make([]AuditLogEntry, 0, len(events))
	for _, event := range events {
		errMsg := ""
		if event.Error != nil {
			errMsg = event.Error.Message
		}
		entries = append(entries, AuditLogEntry{
			Timestamp: event.Timestamp,
			Action:    event.Operation,
			Source:    event.Actor.Source,
			Subject:   event.SubjectHMAC,
			Success:   event.Result == audit.ResultSuccess,
			Error:     errMsg,
		})
	}

	return entries, nil
}

// VerifyAuditLogs verifies audit log chain integrity
func (a *App) VerifyAuditLogs() (bool, error) {
	if a.vault.IsLocked() {
		return false, errors.New("vault locked")
	}
	a.ResetIdleTimer()

	result, err := a.vault.AuditLogger().Verify()
	if err != nil {
		return false, err
	}
	return result.Valid, nil
}

// ============================================================================
// Preferences API
// ============================================================================

// Preferences represents display settings for the frontend
type Preferences struct {
	Scale           float64 `json:"scale"`
	HighContrast    bool    `json:"highContrast"`
	AutoLockMinutes int     `json:"autoLockMinutes"`
}

// GetPreferences returns the saved display settings
func (a *App) GetPreferences() Preferences {
	return Preferences{
		Scale:           a.cfg.UI.Scale,
		HighContrast:    a.cfg.UI.HighContrast,
		AutoLockMinutes: a.cfg.AutoLockMinutes,
	}
}

// SavePreferences persists display settings to the config file
func (a *App) SavePreferences(prefs Preferences) error {
	a.cfg.UI.Scale = prefs.Scale
	a.cfg.UI.HighContrast = prefs.HighContrast
	a.cfg.AutoLockMinutes = prefs.AutoLockMinutes
	return config.Save(a.appDir, a.cfg)
}
