package version

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the resolver.
var (
	// ErrNotResolved is returned when the fallback ladder is exhausted
	// without a successful version.
	ErrNotResolved = errors.New("dataflow version not resolved")

	// ErrFatal is returned for non-retryable remote failures.
	ErrFatal = errors.New("fatal remote error")

	// ErrBadVersion is returned when a version string is not dotted numeric.
	ErrBadVersion = errors.New("malformed version string")
)

// RemoteError carries the status and classification of a terminal remote
// failure.
type RemoteError struct {
	Version    string
	StatusCode int
	Outcome    Outcome
	Message    string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error (status %d) for version %s: %s",
		e.Outcome, e.StatusCode, e.Version, e.Message)
}

// Unwrap maps fatal outcomes onto ErrFatal for errors.Is checks.
func (e *RemoteError) Unwrap() error {
	if e.Outcome == OutcomeFatal {
		return ErrFatal
	}
	return nil
}

// ResolutionError is returned when every rung of the version ladder failed.
// It carries the full ordered attempt history for diagnosis.
type ResolutionError struct {
	DataflowID string
	Attempts   []Attempt
}

// Error implements the error interface, reporting every version tried and
// why each failed.
func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resolve dataflow %s: %d attempts failed:", e.DataflowID, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " [%s: %s", a.Version, a.Outcome)
		if a.Err != nil {
			fmt.Fprintf(&b, " (%v)", a.Err)
		}
		b.WriteString("]")
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is.
func (e *ResolutionError) Unwrap() error {
	return ErrNotResolved
}
