package main

import (
	"context"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lilianmoon/advocate/internal/config"
	"github.com/lilianmoon/advocate/pkg/crypto"
	"github.com/lilianmoon/advocate/pkg/vault"
)

var (
	appDir    string
	vaultPath string
	cfg       *config.Config
	v         *vault.Vault
)

var rootCmd = &cobra.Command{
	Use:   "advocate",
	Short: "advocate is a local, encrypted store for your medical records",
	Long: `A single-user vault for personal medical records.

Everything lives in one directory on this machine, encrypted under a master
password that never leaves the device. There is no account, no server, and
no recovery: a forgotten password means the records are gone.`,
	// PersistentPreRunE loads the configuration and prepares the session
	// manager before any subcommand runs.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appDir == "" {
			appDir = config.DefaultDir()
		}
		var err error
		cfg, err = config.Load(appDir)
		if err != nil {
			return err
		}
		vaultPath = cfg.ResolveVaultDir(appDir)
		v = vault.New(vaultPath)
		v.SetKDFParams(crypto.Params{
			Time:    cfg.KDF.Time,
			Memory:  cfg.KDF.Memory,
			Threads: cfg.KDF.Threads,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&appDir, "dir", "", "Application directory (default: ~/.advocate)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
}

// initCmd creates a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v.Exists() {
			return fmt.Errorf("a vault already exists at %s", vaultPath)
		}

		fmt.Println("Creating a new vault...")
		fmt.Println("There is no password recovery. If you forget the master password,")
		fmt.Println("your records cannot be decrypted by anyone, including you.")
		fmt.Println()

		password, err := promptNewPassword()
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password)

		result, err := v.Open(context.Background(), password)
		if err != nil {
			return fmt.Errorf("failed to create vault: %w", err)
		}
		defer v.Lock()

		if !result.NewlyCreated {
			return fmt.Errorf("vault unexpectedly already existed at %s", vaultPath)
		}
		fmt.Printf("Vault created at %s\n", vaultPath)
		return nil
	},
}

// statusCmd reports the session and on-disk state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Vault path: %s\n", vaultPath)
		if !v.Exists() {
			fmt.Println("Vault: not created (run 'advocate init')")
			return nil
		}
		status := v.Status()
		fmt.Printf("Session: %s\n", status.State)
		if status.Failure != vault.FailureNone {
			fmt.Printf("Last failure: %s\n", status.Failure)
		}
		return nil
	},
}

// checkCmd runs the structural integrity check
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify vault file integrity",
	Long: `Checks the vault's on-disk structure: salt and metadata files, database
integrity, schema, and file permissions. Does not require the password and
does not prove the vault can be unlocked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !v.Exists() {
			return fmt.Errorf("no vault at %s", vaultPath)
		}

		result, err := v.CheckIntegrity()
		if err != nil {
			return err
		}

		fmt.Printf("Salt file:    %s\n", okOrFail(result.SaltExists))
		fmt.Printf("Metadata:     %s\n", okOrFail(result.MetaValid))
		fmt.Printf("Database:     %s\n", okOrFail(result.DBExists && result.DBIntegrity))
		fmt.Printf("Permissions:  %s\n", okOrFail(result.PermissionsValid))
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
		if !result.Valid {
			return fmt.Errorf("vault integrity check failed")
		}
		fmt.Println("Vault integrity check passed")
		return nil
	},
}

func okOrFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}

// ensureUnlocked prompts for the master password and unlocks the vault.
// Commands that reach this require an existing vault; creation only happens
// through 'advocate init'.
func ensureUnlocked() error {
	if !v.IsLocked() {
		return nil
	}
	if !v.Exists() {
		return fmt.Errorf("no vault at %s (run 'advocate init' first)", vaultPath)
	}

	fmt.Print("Enter master password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	defer crypto.SecureWipe(password)

	if _, err := v.Open(context.Background(), password); err != nil {
		return fmt.Errorf("failed to unlock vault: %w", err)
	}
	return nil
}

// promptNewPassword reads and confirms a new master password, enforcing the
// length requirements and printing strength feedback.
func promptNewPassword() ([]byte, error) {
	fmt.Print("Enter master password: ")
	password1, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Print("Confirm master password: ")
	password2, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		crypto.SecureWipe(password1)
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	defer crypto.SecureWipe(password2)

	if string(password1) != string(password2) {
		crypto.SecureWipe(password1)
		return nil, fmt.Errorf("passwords do not match")
	}

	validation := vault.ValidateMasterPassword(string(password1))
	if !validation.Valid {
		crypto.SecureWipe(password1)
		return nil, fmt.Errorf("password validation failed: %s", validation.Warnings[0])
	}
	fmt.Printf("Password strength: %s\n", validation.Strength)
	for _, warning := range validation.Warnings {
		fmt.Printf("Warning: %s\n", warning)
	}

	return password1, nil
}

// readPassword reads a single password without echo, for backup/restore
// passphrases that need no confirmation.
func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}
