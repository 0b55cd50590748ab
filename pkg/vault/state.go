package vault

// State is the session's relationship to the vault on disk.
type State int

const (
	// StateLocked is the initial state: no key material in memory.
	StateLocked State = iota
	// StateUnlocking is the transient state while the KDF runs and the store
	// is probed. At most one unlock attempt is in flight at a time.
	StateUnlocking
	// StateUnlocked means the derived key is held in memory and the store
	// handle is open.
	StateUnlocked
	// StateFailed means the last unlock attempt was rejected. The next call to
	// Open retries from scratch; nothing is held in memory.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureReason classifies why an unlock attempt failed.
type FailureReason int

const (
	// FailureNone means no failure has been recorded.
	FailureNone FailureReason = iota
	// FailureInvalidCredential means the password was rejected before
	// derivation (empty or malformed).
	FailureInvalidCredential
	// FailureWrongKeyOrCorrupt means the post-open probe failed. A wrong
	// password and a corrupted vault are indistinguishable here; user-facing
	// text must never claim one cause definitively.
	FailureWrongKeyOrCorrupt
	// FailureFileSystem means the vault directory or its files could not be
	// read or written; the underlying error is surfaced verbatim.
	FailureFileSystem
	// FailureBusy means another session holds the exclusive vault lock.
	FailureBusy
)

// String returns the reason name.
func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "none"
	case FailureInvalidCredential:
		return "invalid_credential"
	case FailureWrongKeyOrCorrupt:
		return "wrong_key_or_corrupt"
	case FailureFileSystem:
		return "filesystem"
	case FailureBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Status is a read-only snapshot of the session state.
type Status struct {
	State   State
	Failure FailureReason
}
