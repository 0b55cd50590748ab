package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lilianmoon/advocate/pkg/audit"
	"github.com/lilianmoon/advocate/pkg/importer"
	"github.com/lilianmoon/advocate/pkg/records"
)

var (
	docAddText         string
	docExportOut       string
	docImportRecursive bool
)

// docCmd is the parent command for document operations.
var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Medical document operations",
}

// docAddCmd imports a file into the vault.
var docAddCmd = &cobra.Command{
	Use:   "add [file]",
	Short: "Import a document into the vault",
	Long: `Imports a file into the vault. The content is encrypted before it is
written; the original file is not modified or removed.

Use --text to attach extracted text for search (e.g. from a PDF).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		doc, err := store.AddDocument(filepath.Base(path), content, docAddText)
		if err != nil {
			return fmt.Errorf("failed to add document: %w", err)
		}

		fmt.Printf("Document added: %s (%s)\n", doc.FileName, doc.ID)
		return nil
	},
}

// docListCmd lists all documents.
var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents in the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		docs, err := store.ListDocuments()
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}
		if len(docs) == 0 {
			fmt.Println("No documents stored")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %s  %s\n", d.ID, d.UploadDate.Format("2006-01-02"), d.FileName)
		}
		return nil
	},
}

// docShowCmd prints a document's index entry and parsed text.
var docShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a document's details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		doc, err := store.GetDocument(args[0])
		if err != nil {
			return fmt.Errorf("failed to get document: %w", err)
		}

		fmt.Printf("ID:       %s\n", doc.ID)
		fmt.Printf("File:     %s\n", doc.FileName)
		fmt.Printf("Uploaded: %s\n", doc.UploadDate.Format("2006-01-02 15:04"))
		if doc.ParsedText != "" {
			fmt.Println("--- extracted text ---")
			fmt.Println(doc.ParsedText)
		}
		return nil
	},
}

// docExportCmd decrypts a document to a file.
var docExportCmd = &cobra.Command{
	Use:   "export [id]",
	Short: "Decrypt a document to a file",
	Long: `Decrypts a document and writes it outside the vault, for handing a copy
to a clinic or requester. The exported file is NOT encrypted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		doc, err := store.GetDocument(args[0])
		if err != nil {
			return fmt.Errorf("failed to get document: %w", err)
		}
		content, err := store.ExportDocument(doc.ID)
		if err != nil {
			return fmt.Errorf("failed to export document: %w", err)
		}

		out := docExportOut
		if out == "" {
			out = doc.FileName
		}
		if err := os.WriteFile(out, content, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		fmt.Printf("Exported to %s (unencrypted)\n", out)
		return nil
	},
}

// docDeleteCmd removes a document.
var docDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a document from the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		if err := store.DeleteDocument(args[0]); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		fmt.Println("Document deleted")
		return nil
	},
}

// docSearchCmd searches file names and extracted text.
var docSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search documents by name and extracted text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		docs, err := store.SearchDocuments(args[0])
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if len(docs) == 0 {
			fmt.Println("No matches")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %s  %s\n", d.ID, d.UploadDate.Format("2006-01-02"), d.FileName)
		}
		return nil
	},
}

// docImportCmd bulk-imports a folder of documents.
var docImportCmd = &cobra.Command{
	Use:   "import [directory]",
	Short: "Import all documents from a folder",
	Long: `Imports every supported file (pdf, jpg, png, tiff, txt) from a folder.

For a file report.pdf, a sidecar report.pdf.txt supplies extracted text for
search; the sidecar itself is not imported as a document.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		result, err := importer.ImportDir(store, args[0], importer.Options{
			Recursive: docImportRecursive,
		})
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		for _, item := range result.Imported {
			fmt.Printf("Imported %s (%s)\n", item.FileName, item.DocumentID)
		}
		for _, item := range result.Skipped {
			fmt.Printf("Skipped  %s: %s\n", item.Path, item.Reason)
		}
		for _, warning := range result.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}
		fmt.Printf("\n%d imported, %d skipped\n", len(result.Imported), len(result.Skipped))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(docCmd)
	docCmd.AddCommand(docAddCmd)
	docCmd.AddCommand(docListCmd)
	docCmd.AddCommand(docShowCmd)
	docCmd.AddCommand(docExportCmd)
	docCmd.AddCommand(docDeleteCmd)
	docCmd.AddCommand(docSearchCmd)
	docCmd.AddCommand(docImportCmd)

	docAddCmd.Flags().StringVar(&docAddText, "text", "", "Extracted text to index for search")
	docExportCmd.Flags().StringVarP(&docExportOut, "output", "o", "", "Output file path (default: original file name)")
	docImportCmd.Flags().BoolVarP(&docImportRecursive, "recursive", "r", false, "Descend into subdirectories")
}
