package vault

import (
	"strings"
	"testing"
)

func TestValidateMasterPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		valid    bool
		strength PasswordStrength
	}{
		{"too short", "short", false, PasswordWeak},
		{"too long", strings.Repeat("a", 129), false, PasswordWeak},
		{"minimum lowercase only", "abcdefgh", true, PasswordWeak},
		{"short mixed", "Abcdefg1", true, PasswordFair},
		{"long single class", "abcdefghijkl", true, PasswordFair},
		{"good", "Abcdefghijk1", true, PasswordGood},
		{"strong", "Abcdefghijklmno1!", true, PasswordStrong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateMasterPassword(tt.password)
			if result.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v", result.Valid, tt.valid)
			}
			if result.Strength != tt.strength {
				t.Errorf("Strength = %v, want %v", result.Strength, tt.strength)
			}
		})
	}
}

func TestValidateMasterPasswordWarnings(t *testing.T) {
	result := ValidateMasterPassword("abcdefgh")
	if len(result.Warnings) == 0 {
		t.Error("single-class short password should carry warnings")
	}

	result = ValidateMasterPassword("Abcdefghijklmno1!")
	if len(result.Warnings) != 0 {
		t.Errorf("strong password should carry no warnings, got %v", result.Warnings)
	}
}

func TestPasswordStrengthString(t *testing.T) {
	for s, want := range map[PasswordStrength]string{
		PasswordWeak:         "weak",
		PasswordFair:         "fair",
		PasswordGood:         "good",
		PasswordStrong:       "strong",
		PasswordStrength(99): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("PasswordStrength(%d).String() = %q, want %q", s, got, want)
		}
	}
}
