package vault

import "testing"

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateLocked:    "locked",
		StateUnlocking: "unlocking",
		StateUnlocked:  "unlocked",
		StateFailed:    "failed",
		State(99):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestFailureReasonString(t *testing.T) {
	for r, want := range map[FailureReason]string{
		FailureNone:              "none",
		FailureInvalidCredential: "invalid_credential",
		FailureWrongKeyOrCorrupt: "wrong_key_or_corrupt",
		FailureFileSystem:        "filesystem",
		FailureBusy:              "busy",
		FailureReason(99):        "unknown",
	} {
		if got := r.String(); got != want {
			t.Errorf("FailureReason(%d).String() = %q, want %q", r, got, want)
		}
	}
}
