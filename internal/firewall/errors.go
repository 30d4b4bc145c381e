package firewall

import (
	"fmt"
)

// ValidationError reports malformed input. Nothing has been changed when it
// is returned.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ResolutionError reports a failed DNS lookup for Host. NotFound
// distinguishes "no A/AAAA records" from a resolver failure.
type ResolutionError struct {
	Host     string
	NotFound bool
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("no A or AAAA records found for %s", e.Host)
	}
	return fmt.Sprintf("failed to resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
