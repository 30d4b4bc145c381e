// Package config handles Bulwark configuration loading and management.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WebConfig configures the admin HTTP API.
type WebConfig struct {
	// Listen is the address the API listens on (host:port).
	Listen string
	// TrustedProxies lists proxy CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration
	// AccessLog is the security access log file. Empty disables it.
	AccessLog string
	// AllowedOrigins restricts capture websocket origins. Empty allows
	// same-origin only.
	AllowedOrigins []string
	// Hooks run around the server lifecycle.
	Hooks WebHooks
}

// WebHook is a shell command run at a lifecycle point. ${PORT} and
// ${LISTEN} are replaced with the bound port and address.
type WebHook struct {
	Name    string
	Command string
}

// WebHooks holds the up hook, started once the API listens, and the down
// hook, run synchronously during shutdown.
type WebHooks struct {
	Up   WebHook
	Down WebHook
}

// StoreConfig configures the window counter store.
type StoreConfig struct {
	// RedisAddr enables the redis store when non-empty. The in-memory store
	// is always present as fallback.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DialTimeout   time.Duration
}

// DatabaseConfig configures the sqlite database for persisted blocks and settings.
type DatabaseConfig struct {
	Path string
}

// FirewallConfig configures enforcement backends.
type FirewallConfig struct {
	// HostsHelper is the absolute path of the bulwark-hosts binary. Empty disables
	// hosts-file blocking for domains.
	HostsHelper string
	// SetNameV4 and SetNameV6 are the ipset names.
	SetNameV4 string
	SetNameV6 string
	// CommandTimeout bounds each external command.
	CommandTimeout time.Duration
	// ReconcileSchedule is the cron spec for removing rules of expired bans.
	ReconcileSchedule string
}

// RateLimitConfig configures the request rate limiter.
type RateLimitConfig struct {
	// UnblockPath is exempt from counting and banning.
	UnblockPath string
	// AbuseReportPath bans loopback sources too.
	AbuseReportPath string
	// ExemptRules are CEL expressions over path, method and source.
	ExemptRules []string
}

// CaptureConfig configures live packet capture.
type CaptureConfig struct {
	QueueSize         int
	SnapLen           int
	ClassifierURL     string
	ClassifierTimeout time.Duration
}

// ScannerConfig configures the port scanner defaults.
type ScannerConfig struct {
	Timeout        time.Duration
	Concurrency    int
	MaxConcurrency int
}

// AuthConfig selects the bearer-token verifier.
type AuthConfig struct {
	// Mode is "jwt" (HS256 shared secret) or "oidc".
	Mode      string
	JWTSecret string
	Issuer    string
	ClientID  string
}

// GeoIPConfig configures country enrichment of ban records.
type GeoIPConfig struct {
	DatabasePath string
}

// PolicyConfig seeds the runtime policy on first start.
type PolicyConfig struct {
	WindowSeconds   int
	Threshold       int
	BanMinutes      int
	MaxLoginRetries int
	UseFirewall     bool
	UseNginxDeny    bool
	NginxDenyFile   string
	NginxReloadCmd  string
}

// Config represents the complete Bulwark configuration.
type Config struct {
	Web       WebConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Firewall  FirewallConfig
	RateLimit RateLimitConfig
	Capture   CaptureConfig
	Scanner   ScannerConfig
	Auth      AuthConfig
	GeoIP     GeoIPConfig
	Policy    PolicyConfig
}

// rawConfig mirrors the YAML layout. Durations are strings ("1s", "300ms")
// and booleans are pointers so that an absent key keeps the default.
type rawConfig struct {
	Web struct {
		Listen          string   `yaml:"listen"`
		TrustedProxies  []string `yaml:"trusted_proxies"`
		ShutdownTimeout string   `yaml:"shutdown_timeout"`
		AccessLog       string   `yaml:"access_log"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
		Hooks           struct {
			Up   rawHook `yaml:"up"`
			Down rawHook `yaml:"down"`
		} `yaml:"hooks"`
	} `yaml:"web"`
	Store struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		DialTimeout   string `yaml:"dial_timeout"`
	} `yaml:"store"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Firewall struct {
		HostsHelper       string `yaml:"hosts_helper"`
		SetNameV4         string `yaml:"ipset_v4"`
		SetNameV6         string `yaml:"ipset_v6"`
		CommandTimeout    string `yaml:"command_timeout"`
		ReconcileSchedule string `yaml:"reconcile_schedule"`
	} `yaml:"firewall"`
	RateLimit struct {
		UnblockPath     string   `yaml:"unblock_path"`
		AbuseReportPath string   `yaml:"abuse_report_path"`
		ExemptRules     []string `yaml:"exempt_rules"`
	} `yaml:"rate_limit"`
	Capture struct {
		QueueSize         int    `yaml:"queue_size"`
		SnapLen           int    `yaml:"snaplen"`
		ClassifierURL     string `yaml:"classifier_url"`
		ClassifierTimeout string `yaml:"classifier_timeout"`
	} `yaml:"capture"`
	Scanner struct {
		Timeout        string `yaml:"timeout"`
		Concurrency    int    `yaml:"concurrency"`
		MaxConcurrency int    `yaml:"max_concurrency"`
	} `yaml:"scanner"`
	Auth struct {
		Mode      string `yaml:"mode"`
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
		ClientID  string `yaml:"client_id"`
	} `yaml:"auth"`
	GeoIP struct {
		Database string `yaml:"database"`
	} `yaml:"geoip"`
	Policy struct {
		WindowSeconds   int    `yaml:"window_seconds"`
		Threshold       int    `yaml:"threshold"`
		BanMinutes      int    `yaml:"ban_minutes"`
		MaxLoginRetries int    `yaml:"max_login_retries"`
		UseFirewall     *bool  `yaml:"use_firewall"`
		UseNginxDeny    *bool  `yaml:"use_nginx_deny"`
		NginxDenyFile   string `yaml:"nginx_deny_file"`
		NginxReloadCmd  string `yaml:"nginx_reload_cmd"`
	} `yaml:"policy"`
}

type rawHook struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Web: WebConfig{
			Listen:          "127.0.0.1:8443",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DialTimeout: 2 * time.Second,
		},
		Firewall: FirewallConfig{
			SetNameV4:         "bulwark-v4",
			SetNameV6:         "bulwark-v6",
			CommandTimeout:    10 * time.Second,
			ReconcileSchedule: "@every 30s",
		},
		RateLimit: RateLimitConfig{
			UnblockPath:     "/api/bans/unblock-self",
			AbuseReportPath: "/api/abuse/report",
		},
		Capture: CaptureConfig{
			QueueSize:         1024,
			SnapLen:           1600,
			ClassifierTimeout: 2 * time.Second,
		},
		Scanner: ScannerConfig{
			Timeout:        time.Second,
			Concurrency:    100,
			MaxConcurrency: 1000,
		},
		Auth: AuthConfig{
			Mode: "jwt",
		},
		Policy: PolicyConfig{
			WindowSeconds:   5,
			Threshold:       100,
			BanMinutes:      5,
			MaxLoginRetries: 5,
			UseFirewall:     true,
		},
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, or returns DefaultConfig when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML data on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()
	var err error

	setString(&cfg.Web.Listen, raw.Web.Listen)
	cfg.Web.TrustedProxies = raw.Web.TrustedProxies
	if err = setDuration(&cfg.Web.ShutdownTimeout, raw.Web.ShutdownTimeout, "web.shutdown_timeout"); err != nil {
		return nil, err
	}
	cfg.Web.AccessLog = raw.Web.AccessLog
	cfg.Web.AllowedOrigins = raw.Web.AllowedOrigins
	cfg.Web.Hooks.Up = WebHook(raw.Web.Hooks.Up)
	cfg.Web.Hooks.Down = WebHook(raw.Web.Hooks.Down)

	cfg.Store.RedisAddr = raw.Store.RedisAddr
	cfg.Store.RedisPassword = raw.Store.RedisPassword
	cfg.Store.RedisDB = raw.Store.RedisDB
	if err = setDuration(&cfg.Store.DialTimeout, raw.Store.DialTimeout, "store.dial_timeout"); err != nil {
		return nil, err
	}

	cfg.Database.Path = raw.Database.Path

	cfg.Firewall.HostsHelper = raw.Firewall.HostsHelper
	setString(&cfg.Firewall.SetNameV4, raw.Firewall.SetNameV4)
	setString(&cfg.Firewall.SetNameV6, raw.Firewall.SetNameV6)
	setString(&cfg.Firewall.ReconcileSchedule, raw.Firewall.ReconcileSchedule)
	if err = setDuration(&cfg.Firewall.CommandTimeout, raw.Firewall.CommandTimeout, "firewall.command_timeout"); err != nil {
		return nil, err
	}

	setString(&cfg.RateLimit.UnblockPath, raw.RateLimit.UnblockPath)
	setString(&cfg.RateLimit.AbuseReportPath, raw.RateLimit.AbuseReportPath)
	cfg.RateLimit.ExemptRules = raw.RateLimit.ExemptRules

	setInt(&cfg.Capture.QueueSize, raw.Capture.QueueSize)
	setInt(&cfg.Capture.SnapLen, raw.Capture.SnapLen)
	cfg.Capture.ClassifierURL = raw.Capture.ClassifierURL
	if err = setDuration(&cfg.Capture.ClassifierTimeout, raw.Capture.ClassifierTimeout, "capture.classifier_timeout"); err != nil {
		return nil, err
	}

	if err = setDuration(&cfg.Scanner.Timeout, raw.Scanner.Timeout, "scanner.timeout"); err != nil {
		return nil, err
	}
	setInt(&cfg.Scanner.Concurrency, raw.Scanner.Concurrency)
	setInt(&cfg.Scanner.MaxConcurrency, raw.Scanner.MaxConcurrency)

	setString(&cfg.Auth.Mode, raw.Auth.Mode)
	cfg.Auth.JWTSecret = raw.Auth.JWTSecret
	cfg.Auth.Issuer = raw.Auth.Issuer
	cfg.Auth.ClientID = raw.Auth.ClientID

	cfg.GeoIP.DatabasePath = raw.GeoIP.Database

	setInt(&cfg.Policy.WindowSeconds, raw.Policy.WindowSeconds)
	setInt(&cfg.Policy.Threshold, raw.Policy.Threshold)
	setInt(&cfg.Policy.BanMinutes, raw.Policy.BanMinutes)
	setInt(&cfg.Policy.MaxLoginRetries, raw.Policy.MaxLoginRetries)
	if raw.Policy.UseFirewall != nil {
		cfg.Policy.UseFirewall = *raw.Policy.UseFirewall
	}
	if raw.Policy.UseNginxDeny != nil {
		cfg.Policy.UseNginxDeny = *raw.Policy.UseNginxDeny
	}
	cfg.Policy.NginxDenyFile = raw.Policy.NginxDenyFile
	cfg.Policy.NginxReloadCmd = raw.Policy.NginxReloadCmd

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be fixed up silently.
func (c *Config) Validate() error {
	for _, p := range c.Web.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			if _, err := netip.ParseAddr(p); err != nil {
				return fmt.Errorf("invalid trusted proxy %q", p)
			}
		}
	}
	for _, p := range []string{c.RateLimit.UnblockPath, c.RateLimit.AbuseReportPath} {
		if !strings.HasPrefix(p, "/api/") {
			return fmt.Errorf("rate limit path %q must be under /api/", p)
		}
	}
	switch c.Auth.Mode {
	case "jwt", "oidc":
	default:
		return fmt.Errorf("unknown auth mode %q (want jwt or oidc)", c.Auth.Mode)
	}
	if c.Auth.Mode == "oidc" && (c.Auth.Issuer == "" || c.Auth.ClientID == "") {
		return fmt.Errorf("auth mode oidc requires issuer and client_id")
	}
	if c.Scanner.MaxConcurrency < c.Scanner.Concurrency {
		return fmt.Errorf("scanner.max_concurrency (%d) below scanner.concurrency (%d)",
			c.Scanner.MaxConcurrency, c.Scanner.Concurrency)
	}
	if c.Policy.NginxDenyFile == "" && c.Policy.UseNginxDeny {
		return fmt.Errorf("policy.use_nginx_deny requires policy.nginx_deny_file")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, field string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s %q: must be positive", field, v)
	}
	*dst = d
	return nil
}
