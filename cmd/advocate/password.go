package main

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lilianmoon/advocate/pkg/crypto"
	"github.com/lilianmoon/advocate/pkg/vault"
)

// passwordCmd is the parent command for password operations.
var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Master password operations",
}

// passwordChangeCmd changes the master password.
var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the master password",
	Long: `Change the master password by re-wrapping the data encryption key (DEK).

This operation:
  1. Verifies the current password
  2. Re-wraps the DEK with a key derived from the new password
  3. All records remain accessible with the new password

The change is atomic: either fully succeeds or has no effect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		fmt.Println("Changing master password...")
		fmt.Println()

		fmt.Print("Enter current password: ")
		currentPassword, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(currentPassword)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()

		fmt.Print("Enter new password: ")
		newPassword1, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(newPassword1)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()

		fmt.Print("Confirm new password: ")
		newPassword2, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(newPassword2)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()

		if string(newPassword1) != string(newPassword2) {
			return errors.New("new passwords do not match")
		}

		validation := vault.ValidateMasterPassword(string(newPassword1))
		if !validation.Valid {
			return fmt.Errorf("password validation failed: %s", validation.Warnings[0])
		}

		fmt.Printf("New password strength: %s\n", validation.Strength)
		for _, warning := range validation.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}
		fmt.Println()

		fmt.Println("Changing password...")
		if err := v.ChangePassword(context.Background(), currentPassword, newPassword1); err != nil {
			if errors.Is(err, vault.ErrWrongKeyOrCorrupt) {
				return errors.New("current password is incorrect")
			}
			if errors.Is(err, vault.ErrSamePassword) {
				return errors.New("new password must be different from current password")
			}
			return fmt.Errorf("failed to change password: %w", err)
		}

		fmt.Println()
		fmt.Println("Password changed successfully!")
		fmt.Println("Consider creating a fresh backup with 'advocate backup'.")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(passwordCmd)
	passwordCmd.AddCommand(passwordChangeCmd)
}
