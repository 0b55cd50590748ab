// Package importer provides bulk import of medical documents from a folder,
// for first-time setup when records already exist as loose files on disk.
package importer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/lilianmoon/advocate/pkg/records"
)

// MaxNameLength is the maximum allowed document name length.
const MaxNameLength = 255

// DefaultMaxFileSize is the per-file size limit when Options.MaxFileSize is 0.
const DefaultMaxFileSize = 50 << 20 // 50 MB

// DefaultExtensions are the file types imported when Options.Extensions is empty.
var DefaultExtensions = []string{".pdf", ".jpg", ".jpeg", ".png", ".tiff", ".txt"}

// DocumentAdder stores a single document. Satisfied by *records.Store.
type DocumentAdder interface {
	AddDocument(fileName string, content []byte, parsedText string) (*records.Document, error)
}

// Options controls a folder import.
type Options struct {
	// Recursive descends into subdirectories.
	Recursive bool

	// MaxFileSize is the per-file size limit in bytes (0 = DefaultMaxFileSize).
	MaxFileSize int64

	// Extensions overrides the allowed file extensions (with leading dot).
	Extensions []string
}

// Imported describes a single successfully imported file.
type Imported struct {
	// DocumentID is the assigned document ID.
	DocumentID string

	// FileName is the stored document name after sanitization.
	FileName string

	// Path is the source path on disk.
	Path string
}

// SkippedItem records a file that was not imported and why.
type SkippedItem struct {
	Path   string
	Reason string
}

// Result contains the outcome of a folder import.
type Result struct {
	Imported []Imported
	Skipped  []SkippedItem
	Warnings []string
}

// SanitizeFileName normalizes a file name for storage:
// Unicode NFC, path separators stripped, truncated to MaxNameLength.
func SanitizeFileName(name string) string {
	name = norm.NFC.String(name)
	name = filepath.Base(name)
	if len(name) > MaxNameLength {
		ext := filepath.Ext(name)
		if len(ext) >= MaxNameLength {
			// Extension alone fills the budget; drop it rather than
			// keep a name with no base.
			ext = ""
		}
		base := name[:len(name)-len(ext)]
		keep := MaxNameLength - len(ext)
		if keep > len(base) {
			keep = len(base)
		}
		// Never cut inside a multi-byte rune.
		for keep > 0 && keep < len(base) && !utf8.RuneStart(base[keep]) {
			keep--
		}
		name = base[:keep] + ext
	}
	return name
}

// ImportDir imports every supported file under dir into the store.
// For a file report.pdf, a sidecar report.pdf.txt (if present) supplies the
// extracted text for search; the sidecar itself is not imported as a document.
// Files that cannot be read or exceed the size limit are skipped, not fatal.
func ImportDir(store DocumentAdder, dir string, opts Options) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("importer: cannot access %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("importer: %s is not a directory", dir)
	}

	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	allowed := make(map[string]bool)
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = true
	}

	candidates, sidecars, err := scan(dir, opts.Recursive, allowed)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Imported: make([]Imported, 0, len(candidates)),
		Skipped:  make([]SkippedItem, 0),
		Warnings: make([]string, 0),
	}

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedItem{Path: path, Reason: err.Error()})
			continue
		}
		if info.Size() > maxSize {
			result.Skipped = append(result.Skipped, SkippedItem{
				Path:   path,
				Reason: fmt.Sprintf("exceeds size limit (%d bytes)", maxSize),
			})
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedItem{Path: path, Reason: err.Error()})
			continue
		}
		if len(content) == 0 {
			result.Skipped = append(result.Skipped, SkippedItem{Path: path, Reason: "empty file"})
			continue
		}

		parsedText := ""
		if sidecar, ok := sidecars[path]; ok {
			text, err := os.ReadFile(sidecar)
			if err != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s: cannot read sidecar text: %v", path, err))
			} else {
				parsedText = string(text)
			}
		}

		doc, err := store.AddDocument(SanitizeFileName(filepath.Base(path)), content, parsedText)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedItem{Path: path, Reason: err.Error()})
			continue
		}

		result.Imported = append(result.Imported, Imported{
			DocumentID: doc.ID,
			FileName:   doc.FileName,
			Path:       path,
		})
	}

	return result, nil
}

// scan collects importable files and maps each to its sidecar text file.
// A .txt file named <document>.<ext>.txt is treated as a sidecar, not a
// document. Plain .txt files with no matching document are imported as
// documents in their own right.
func scan(dir string, recursive bool, allowed map[string]bool) ([]string, map[string]string, error) {
	var files []string

	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		files = append(files, path)
		return nil
	}

	if err := filepath.WalkDir(dir, walk); err != nil {
		return nil, nil, fmt.Errorf("importer: failed to scan %s: %w", dir, err)
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}

	var candidates []string
	sidecars := make(map[string]string)
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		if !allowed[ext] {
			continue
		}
		if ext == ".txt" {
			base := strings.TrimSuffix(f, filepath.Ext(f))
			if present[base] {
				// Sidecar for another document
				sidecars[base] = f
				continue
			}
		}
		candidates = append(candidates, f)
	}

	return candidates, sidecars, nil
}
