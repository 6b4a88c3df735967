package terraform

import (
	"regexp"
	"strings"
)

// FailureKind distinguishes recoverable lock contention from genuine tool
// failures.
type FailureKind int

const (
	// FailureToolError is any non-lock terraform failure; it is terminal
	// for the phase that produced it.
	FailureToolError FailureKind = iota
	// FailureLockConflict means another process holds the state lock; the
	// phase is retried exactly once with locking disabled.
	FailureLockConflict
)

// lockSignatures are the stderr fragments terraform emits when the state
// lock is held. The matching rule lives here, and only here, so it can be
// tested and tightened independently of the sequencer.
var lockSignatures = []string{
	"error acquiring the state lock",
	"state lock",
	"lock info:",
}

// ClassifyFailure inspects a failed phase's stderr and reports whether the
// failure was lock contention.
func ClassifyFailure(stderr string) FailureKind {
	lower := strings.ToLower(stderr)
	for _, signature := range lockSignatures {
		if strings.Contains(lower, signature) {
			return FailureLockConflict
		}
	}
	return FailureToolError
}

// lockIDPattern extracts the lock-holder identifier from terraform's lock
// error block ("  ID:        <uuid>").
var lockIDPattern = regexp.MustCompile(`(?i)\bID:\s+([0-9a-fA-F-]{8,})`)

// ExtractLockID returns the lock-holder id from stderr, or "" when none is
// present.
func ExtractLockID(stderr string) string {
	match := lockIDPattern.FindStringSubmatch(stderr)
	if match == nil {
		return ""
	}
	return match[1]
}
