package ban

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// Trigger is what caused a ban.
type Trigger string

const (
	TriggerRateLimit    Trigger = "rate-limit"
	TriggerLoginFailure Trigger = "login-failure"
	TriggerManual       Trigger = "manual"
)

const (
	// KeyPrefix prefixes temporary ban keys in the counter store.
	KeyPrefix = "ban:"
	// LoginFailureKeyPrefix prefixes login failure counters.
	LoginFailureKeyPrefix = "lf:"
	// LoginFailureBanTTL overrides the policy ban duration for login failures.
	LoginFailureBanTTL = 5 * time.Minute

	// MethodNone is recorded for persisted blocks no backend could enforce.
	MethodNone = "none"

	maxReasonLen = 256
)

// Record is a temporary ban. It lives in the counter store under
// KeyPrefix+Subject and expires with the key.
type Record struct {
	Subject   string    `json:"ip"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"blockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Methods   []string  `json:"methods"`
	Source    Trigger   `json:"source"`
	Country   string    `json:"country,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	// Refreshed is set when the call extended an existing ban.
	Refreshed bool `json:"refreshed,omitempty"`
}

// Active reports whether the ban is still in force at now.
func (r Record) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

func banKey(subject string) string {
	return KeyPrefix + subject
}

func encodeRecord(r Record) ([]byte, error) {
	r.Warnings = nil
	r.Refreshed = false
	return json.Marshal(r)
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

// Entry is one row of ListActive: a temporary ban or a persisted block.
type Entry struct {
	IP         string     `json:"ip"`
	Reason     string     `json:"reason"`
	BlockedAt  time.Time  `json:"blockedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Method     string     `json:"method,omitempty"`
	Methods    []string   `json:"methods,omitempty"`
	Source     Trigger    `json:"source"`
	Owner      string     `json:"owner,omitempty"`
	Country    string     `json:"country,omitempty"`
	Persistent bool       `json:"persistent"`
}

var reasonPolicy = bluemonday.StrictPolicy()

// sanitizeReason strips markup and control characters and bounds the length
// of operator supplied reasons before they are stored or rendered.
func sanitizeReason(reason string) string {
	s := reasonPolicy.Sanitize(reason)
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxReasonLen {
		cut := maxReasonLen
		for cut > 0 && !utf8RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// joinMethods encodes the methods of a persisted block.
func joinMethods(methods []string) string {
	if len(methods) == 0 {
		return MethodNone
	}
	return strings.Join(methods, ",")
}

// splitMethods decodes joinMethods output.
func splitMethods(method string) []string {
	if method == "" || method == MethodNone {
		return nil
	}
	return strings.Split(method, ",")
}

func domainReason(domain, reason string) string {
	if reason == "" {
		return "domain " + domain
	}
	return "domain " + domain + ": " + reason
}
