package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lilianmoon/advocate/pkg/audit"
	"github.com/lilianmoon/advocate/pkg/records"
)

var (
	profileSetName  string
	profileSetDOB   string
	profileSetNotes string
)

// profileCmd is the parent command for patient profile operations.
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Patient profile operations",
}

// profileShowCmd prints the stored profile.
var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the patient profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		profile, err := store.Profile()
		if err != nil {
			return fmt.Errorf("failed to read profile: %w", err)
		}
		if profile == nil {
			fmt.Println("No profile saved yet (use 'advocate profile set')")
			return nil
		}

		fmt.Printf("Name:          %s\n", profile.Name)
		if profile.DOB != "" {
			fmt.Printf("Date of birth: %s\n", profile.DOB)
		}
		if profile.Notes != "" {
			fmt.Printf("Notes:         %s\n", profile.Notes)
		}
		return nil
	},
}

// profileSetCmd creates or updates the profile.
var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update the patient profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		if profileSetName == "" && profileSetDOB == "" && profileSetNotes == "" {
			return fmt.Errorf("nothing to set (use --name, --dob, or --notes)")
		}

		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		profile, err := store.Profile()
		if err != nil {
			return fmt.Errorf("failed to read profile: %w", err)
		}
		if profile == nil {
			profile = &records.Profile{}
		}

		if cmd.Flags().Changed("name") {
			profile.Name = profileSetName
		}
		if cmd.Flags().Changed("dob") {
			profile.DOB = profileSetDOB
		}
		if cmd.Flags().Changed("notes") {
			profile.Notes = profileSetNotes
		}

		if err := store.SaveProfile(profile); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		fmt.Println("Profile saved")
		return nil
	},
}

// profileFieldCmd is the parent for structured profile fields.
var profileFieldCmd = &cobra.Command{
	Use:   "field",
	Short: "Structured profile fields (blood type, allergies, ...)",
}

// profileFieldListCmd prints every catalog field and its value.
var profileFieldListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all profile fields",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		fields, err := store.Fields()
		if err != nil {
			return fmt.Errorf("failed to read fields: %w", err)
		}

		for _, fv := range fields {
			value := fv.Value
			if value == "" {
				value = "(not set)"
			}
			fmt.Printf("%-20s %-20s %s\n", fv.Key, fv.Label, value)
		}
		return nil
	},
}

// profileFieldSetCmd sets or clears one field.
var profileFieldSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile field (empty value clears it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		store := records.NewStore(v, audit.SourceCLI)
		if err := store.SetField(args[0], args[1]); err != nil {
			if errors.Is(err, records.ErrUnknownField) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Unknown field %q. Valid fields:\n", args[0])
				for _, def := range records.FieldDefinitions {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", def.Key)
				}
			}
			return err
		}
		if args[1] == "" {
			fmt.Printf("Field %s cleared\n", args[0])
		} else {
			fmt.Printf("Field %s saved\n", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileCmd.AddCommand(profileFieldCmd)
	profileFieldCmd.AddCommand(profileFieldListCmd)
	profileFieldCmd.AddCommand(profileFieldSetCmd)

	profileSetCmd.Flags().StringVar(&profileSetName, "name", "", "Patient name")
	profileSetCmd.Flags().StringVar(&profileSetDOB, "dob", "", "Date of birth (YYYY-MM-DD)")
	profileSetCmd.Flags().StringVar(&profileSetNotes, "notes", "", "Free-form notes (conditions, allergies, medications)")
}
