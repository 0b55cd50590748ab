package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lilianmoon/advocate/pkg/backup"
	"github.com/lilianmoon/advocate/pkg/crypto"
)

var (
	backupOutput    string
	backupStdout    bool
	backupWithAudit bool
	backupKeyFile   string
	backupForce     bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupKeygenCmd)

	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path")
	backupCmd.Flags().BoolVar(&backupStdout, "stdout", false, "Output to stdout (for piping)")
	backupCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Include audit log in backup")
	backupCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Encryption key file (32 bytes)")
	backupCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite existing file")
}

// backupKeygenCmd writes a fresh random key file for key-file encryption.
var backupKeygenCmd = &cobra.Command{
	Use:   "keygen <key-file>",
	Short: "Generate a key file for backup encryption",
	Long: `Generates a random 32-byte key and writes it to the given path with 0600
permissions. Use it with 'advocate backup --key-file' and keep it somewhere
separate from the backups it protects.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("key file already exists: %s", path)
		}
		if err := backup.GenerateKeyFile(path); err != nil {
			return fmt.Errorf("failed to generate key file: %w", err)
		}
		fmt.Printf("Key file written to %s\n", path)
		fmt.Println("Anyone holding this file can decrypt backups made with it.")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create an encrypted backup of the vault",
	Long: `Create an encrypted backup containing the profile, documents, and
vault key material. The backup is encrypted with its own passphrase (or a key
file), so it can be stored on untrusted media.

Examples:
  # Backup to a file
  advocate backup -o vault-backup.advbk

  # Backup with audit log
  advocate backup -o full-backup.advbk --with-audit

  # Backup to stdout (for piping)
  advocate backup --stdout | gpg --encrypt > backup.gpg

  # Use key file for encryption
  advocate backup -o backup.advbk --key-file=backup.key

  # Overwrite existing file
  advocate backup -o backup.advbk --force`,
	RunE: executeBackup,
}

func executeBackup(cmd *cobra.Command, args []string) error {
	if err := validateBackupFlags(); err != nil {
		return err
	}

	if err := ensureUnlocked(); err != nil {
		return err
	}
	defer v.Lock()

	var output *os.File
	if backupStdout {
		output = os.Stdout
	} else {
		if !backupForce {
			if _, err := os.Stat(backupOutput); err == nil {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
			}
		}

		var err error
		output, err = os.OpenFile(backupOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer output.Close()
	}

	var password []byte
	if backupKeyFile == "" {
		pwd, err := promptBackupPassword()
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pwd)
		password = pwd
	}

	opts := backup.Options{
		Output:       output,
		IncludeAudit: backupWithAudit,
		Password:     password,
		KeyFile:      backupKeyFile,
	}

	if err := backup.Backup(v, opts); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	if !backupStdout {
		fmt.Printf("Backup created successfully: %s\n", backupOutput)
	}

	return nil
}

func validateBackupFlags() error {
	if !backupStdout && backupOutput == "" {
		return fmt.Errorf("either --output or --stdout is required")
	}
	if backupStdout && backupOutput != "" {
		return fmt.Errorf("--output and --stdout are mutually exclusive")
	}
	return nil
}

func promptBackupPassword() ([]byte, error) {
	fmt.Print("Enter backup password: ")
	password1, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm backup password: ")
	password2, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	if string(password1) != string(password2) {
		return nil, fmt.Errorf("passwords do not match")
	}

	if len(password1) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}

	return password1, nil
}
