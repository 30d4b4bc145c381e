// Package netutil holds address and hostname parsing shared by the
// enforcer, the scanner and the hosts helper.
package netutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

var labelPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("empty domain")
	// ErrWhitespace is returned for input containing internal whitespace.
	ErrWhitespace = errors.New("domain contains whitespace")
	// ErrDoubleDot is returned for input with empty labels ("a..b").
	ErrDoubleDot = errors.New("domain contains doubled dots")
	// ErrInvalidDomain is returned when the result is not a valid hostname.
	ErrInvalidDomain = errors.New("invalid domain")
)

// SuggestionError reports a probable typo with a corrected form.
type SuggestionError struct {
	Input      string
	Suggestion string
}

func (e *SuggestionError) Error() string {
	return fmt.Sprintf("invalid domain %q: did you mean %s?", e.Input, e.Suggestion)
}

// NormalizeDomain turns user input such as "https://www.Example.com:8443/path"
// into a bare ASCII hostname ("example.com"). It rejects internal whitespace
// and doubled dots, and reports a comma typed for a dot with a suggestion.
func NormalizeDomain(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrEmpty
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: %q", ErrWhitespace, input)
	}
	s = strings.ToLower(s)

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && isDigits(s[i+1:]) {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")

	if strings.Contains(s, ",") {
		fixed := strings.ReplaceAll(s, ",", ".")
		if ValidHostname(fixed) {
			return "", &SuggestionError{Input: input, Suggestion: fixed}
		}
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, input)
	}
	if strings.Contains(s, "..") || strings.HasPrefix(s, ".") {
		return "", fmt.Errorf("%w: %q", ErrDoubleDot, input)
	}

	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomain, input, err)
	}
	if !ValidHostname(ascii) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, input)
	}
	return ascii, nil
}

// ValidHostname reports whether s is an ASCII or IDNA hostname with at least
// two labels.
func ValidHostname(s string) bool {
	if s == "" {
		return false
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return false
	}
	if len(ascii) == 0 || len(ascii) > 253 {
		return false
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		if !labelPattern.MatchString(label) {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
