// Package policy holds the process-wide mitigation policy: rate-limit window,
// thresholds, ban duration and enforcement toggles. Values are persisted
// through a storage.SettingsStore and cached briefly.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inercia/bulwark/internal/storage"
)

const (
	// SettingKey is the settings row holding the JSON-encoded policy.
	SettingKey = "policy"

	// CacheTTL bounds how stale a cached policy may be.
	CacheTTL = 30 * time.Second

	// MinWindowSeconds is the floor for WindowSeconds.
	MinWindowSeconds = 5
)

// Policy is the runtime mitigation policy.
type Policy struct {
	WindowSeconds   int    `json:"windowSeconds"`
	Threshold       int    `json:"threshold"`
	BanMinutes      int    `json:"banMinutes"`
	MaxLoginRetries int    `json:"maxLoginRetries"`
	UseFirewall     bool   `json:"useFirewall"`
	UseNginxDeny    bool   `json:"useNginxDeny"`
	NginxDenyFile   string `json:"nginxDenyFile"`
	NginxReloadCmd  string `json:"nginxReloadCmd"`
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		WindowSeconds:   5,
		Threshold:       100,
		BanMinutes:      5,
		MaxLoginRetries: 5,
		UseFirewall:     true,
	}
}

// Window returns the bucket width.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// BanTTL returns the ephemeral ban duration.
func (p Policy) BanTTL() time.Duration {
	return time.Duration(p.BanMinutes) * time.Minute
}

// normalize clamps values to their floors.
func (p *Policy) normalize() {
	if p.WindowSeconds < MinWindowSeconds {
		p.WindowSeconds = MinWindowSeconds
	}
	if p.Threshold < 1 {
		p.Threshold = 1
	}
	if p.BanMinutes < 1 {
		p.BanMinutes = 1
	}
	if p.MaxLoginRetries < 1 {
		p.MaxLoginRetries = 1
	}
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	WindowSeconds   *int    `json:"windowSeconds,omitempty"`
	Threshold       *int    `json:"threshold,omitempty"`
	BanMinutes      *int    `json:"banMinutes,omitempty"`
	MaxLoginRetries *int    `json:"maxLoginRetries,omitempty"`
	UseFirewall     *bool   `json:"useFirewall,omitempty"`
	UseNginxDeny    *bool   `json:"useNginxDeny,omitempty"`
	NginxDenyFile   *string `json:"nginxDenyFile,omitempty"`
	NginxReloadCmd  *string `json:"nginxReloadCmd,omitempty"`
}

// ErrInvalid wraps patch validation failures.
var ErrInvalid = errors.New("invalid policy")

// Apply returns p with the patch applied and normalized.
func (pt Patch) Apply(p Policy) (Policy, error) {
	for name, v := range map[string]*int{
		"windowSeconds":   pt.WindowSeconds,
		"threshold":       pt.Threshold,
		"banMinutes":      pt.BanMinutes,
		"maxLoginRetries": pt.MaxLoginRetries,
	} {
		if v != nil && *v < 0 {
			return p, fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}
	if pt.WindowSeconds != nil {
		p.WindowSeconds = *pt.WindowSeconds
	}
	if pt.Threshold != nil {
		p.Threshold = *pt.Threshold
	}
	if pt.BanMinutes != nil {
		p.BanMinutes = *pt.BanMinutes
	}
	if pt.MaxLoginRetries != nil {
		p.MaxLoginRetries = *pt.MaxLoginRetries
	}
	if pt.UseFirewall != nil {
		p.UseFirewall = *pt.UseFirewall
	}
	if pt.UseNginxDeny != nil {
		p.UseNginxDeny = *pt.UseNginxDeny
	}
	if pt.NginxDenyFile != nil {
		p.NginxDenyFile = *pt.NginxDenyFile
	}
	if pt.NginxReloadCmd != nil {
		p.NginxReloadCmd = *pt.NginxReloadCmd
	}
	if p.UseNginxDeny && p.NginxDenyFile == "" {
		return p, fmt.Errorf("%w: useNginxDeny requires nginxDenyFile", ErrInvalid)
	}
	p.normalize()
	return p, nil
}

// Source provides the current policy. Implemented by Manager; tests use Static.
type Source interface {
	Get(ctx context.Context) Policy
}

// Static is a fixed Source.
type Static Policy

// Get returns the static policy.
func (s Static) Get(context.Context) Policy { return Policy(s) }

// Manager reads and writes the policy through a settings store with a
// short-lived cache. Reads never fail: on store errors the last known or
// default policy is returned.
type Manager struct {
	store    storage.SettingsStore
	defaults Policy
	nowFunc  func() time.Time

	// writeMu serializes Update so concurrent patches are not lost.
	writeMu sync.Mutex

	mu       sync.RWMutex
	cached   *Policy
	cachedAt time.Time
	// gen counts updates; a Get that loaded before an update must not
	// overwrite the cache with what it read.
	gen uint64
}

// NewManager creates a manager. defaults is used until a policy is saved.
func NewManager(store storage.SettingsStore, defaults Policy) *Manager {
	defaults.normalize()
	return &Manager{store: store, defaults: defaults, nowFunc: time.Now}
}

// Get returns the current policy.
func (m *Manager) Get(ctx context.Context) Policy {
	m.mu.RLock()
	if m.cached != nil && m.nowFunc().Sub(m.cachedAt) < CacheTTL {
		p := *m.cached
		m.mu.RUnlock()
		return p
	}
	gen := m.gen
	m.mu.RUnlock()

	p, err := m.load(ctx)
	if err != nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.cached != nil {
			return *m.cached
		}
		return m.defaults
	}

	m.mu.Lock()
	if m.gen == gen {
		m.cached = &p
		m.cachedAt = m.nowFunc()
	}
	m.mu.Unlock()
	return p
}

func (m *Manager) load(ctx context.Context) (Policy, error) {
	raw, err := m.store.GetSetting(ctx, SettingKey)
	if errors.Is(err, storage.ErrNotFound) {
		return m.defaults, nil
	}
	if err != nil {
		return Policy{}, err
	}
	p := m.defaults
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Policy{}, fmt.Errorf("failed to decode policy: %w", err)
	}
	p.normalize()
	return p, nil
}

// Update applies patch, persists the result and refreshes the cache.
func (m *Manager) Update(ctx context.Context, patch Patch) (Policy, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current, err := m.load(ctx)
	if err != nil {
		return Policy{}, err
	}
	next, err := patch.Apply(current)
	if err != nil {
		return Policy{}, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to encode policy: %w", err)
	}
	if err := m.store.PutSetting(ctx, SettingKey, string(data)); err != nil {
		return Policy{}, err
	}

	m.mu.Lock()
	m.cached = &next
	m.cachedAt = m.nowFunc()
	m.gen++
	m.mu.Unlock()
	return next, nil
}
