package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/bulwark/internal/auth"
	"github.com/inercia/bulwark/internal/ban"
	"github.com/inercia/bulwark/internal/capture"
	"github.com/inercia/bulwark/internal/config"
	"github.com/inercia/bulwark/internal/counter"
	"github.com/inercia/bulwark/internal/firewall"
	"github.com/inercia/bulwark/internal/geoip"
	"github.com/inercia/bulwark/internal/hooks"
	"github.com/inercia/bulwark/internal/logging"
	"github.com/inercia/bulwark/internal/metrics"
	"github.com/inercia/bulwark/internal/policy"
	"github.com/inercia/bulwark/internal/ratelimit"
	"github.com/inercia/bulwark/internal/scanner"
	"github.com/inercia/bulwark/internal/storage"
	"github.com/inercia/bulwark/internal/web"
)

var (
	serveListen     string
	serveNoCapture  bool
	serveNoWatch    bool
	servePromisc    bool
	startupPingWait = 2 * time.Second
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and the mitigation engine",
	Long: `Start the ban engine, the rate limiter and the admin HTTP API.

Persisted blocks are re-applied on start and temporary bans expire with
their counter. Connections from blocked addresses are closed before any
byte is read.

Example:
  bulwark serve                              # Listen on the configured address
  bulwark serve --listen 127.0.0.1:9443      # Override the listen address
  bulwark serve --no-capture                 # Disable live packet capture`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides web.listen)")
	serveCmd.Flags().BoolVar(&serveNoCapture, "no-capture", false, "Disable the packet capture endpoints")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload exemption rules and trusted proxies when the config file changes")
	serveCmd.Flags().BoolVar(&servePromisc, "promiscuous", false, "Open capture interfaces in promiscuous mode")
}

// services holds everything serve wires together.
type services struct {
	db       *storage.DB
	policies *policy.Manager
	store    *counter.FailoverStore
	enforcer *firewall.Enforcer
	geo      geoip.Lookup
	engine   *ban.Engine
	limiter  *ratelimit.Limiter
	scanner  *scanner.Scanner
	capture  *capture.Registry
	verifier auth.Verifier
	proxies  *web.TrustedProxyChecker
	metrics  *metrics.Registry

	closers []func() error
}

// close releases resources in reverse order of creation.
func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logging.Shutdown().Warn("close_failed", "error", err)
		}
	}
	s.closers = nil
}

// policyFromConfig returns the policy seeded on first start.
func policyFromConfig(c config.PolicyConfig) policy.Policy {
	return policy.Policy{
		WindowSeconds:   c.WindowSeconds,
		Threshold:       c.Threshold,
		BanMinutes:      c.BanMinutes,
		MaxLoginRetries: c.MaxLoginRetries,
		UseFirewall:     c.UseFirewall,
		UseNginxDeny:    c.UseNginxDeny,
		NginxDenyFile:   c.NginxDenyFile,
		NginxReloadCmd:  c.NginxReloadCmd,
	}
}

// newCounterStore returns the in-memory store, fronted by redis when an
// address is configured. An unreachable redis at startup is only logged:
// the failover store retries it.
func newCounterStore(ctx context.Context, c config.StoreConfig) *counter.FailoverStore {
	logger := logging.Counter()
	var primary counter.Store
	if c.RedisAddr != "" {
		rs := counter.NewRedisStore(counter.RedisOptions{
			Addr:        c.RedisAddr,
			Password:    c.RedisPassword,
			DB:          c.RedisDB,
			DialTimeout: c.DialTimeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, startupPingWait)
		if err := rs.Ping(pingCtx); err != nil {
			logger.Warn("redis_unreachable", "addr", c.RedisAddr, "error", err)
		}
		cancel()
		primary = rs
	}
	return counter.NewFailoverStore(primary, counter.NewMemoryStore(time.Minute), logger)
}

// newEnforcer builds the firewall enforcer: ipset preferred over iptables,
// nginx as an optional extra, and the hosts helper for domains.
func newEnforcer(c config.FirewallConfig, src policy.Source) *firewall.Enforcer {
	logger := logging.Firewall()
	runner := &firewall.ExecRunner{Timeout: c.CommandTimeout, Logger: logger}
	sys := firewall.HostSystem()

	opts := firewall.Options{
		Backends: []firewall.Backend{
			firewall.NewIPSetBackend(runner, sys, c.SetNameV4, c.SetNameV6),
			firewall.NewIptablesBackend(runner, sys),
		},
		Nginx:  firewall.NewNginxBackend(runner, src),
		Policy: src,
		Logger: logger,
	}
	if c.HostsHelper != "" {
		opts.Hosts = firewall.NewHostsHelper(c.HostsHelper, runner, sys)
	}
	return firewall.NewEnforcer(opts)
}

func newClassifier(c config.CaptureConfig) capture.Classifier {
	if c.ClassifierURL != "" {
		return capture.NewHTTPClassifier(c.ClassifierURL, c.ClassifierTimeout)
	}
	return capture.LogClassifier{Logger: logging.Capture()}
}

// buildServices opens storage and wires the engine, limiter, scanner,
// capture registry, verifier and metrics. On error everything opened so
// far is closed.
func buildServices(ctx context.Context, c *config.Config, withCapture bool) (_ *services, err error) {
	s := &services{}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	dbPath, err := databasePath()
	if err != nil {
		return nil, err
	}
	if s.db, err = storage.Open(dbPath); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.db.Close)
	s.policies = policy.NewManager(s.db, policyFromConfig(c.Policy))

	s.store = newCounterStore(ctx, c.Store)
	s.closers = append(s.closers, s.store.Close)

	s.enforcer = newEnforcer(c.Firewall, s.policies)

	s.geo = geoip.Nop{}
	if c.GeoIP.DatabasePath != "" {
		db, err := geoip.Open(c.GeoIP.DatabasePath)
		if err != nil {
			return nil, err
		}
		s.geo = db
		s.closers = append(s.closers, db.Close)
	}

	s.engine, err = ban.New(ban.Options{
		Store:    s.store,
		Blocks:   s.db,
		Applied:  s.db,
		Enforcer: s.enforcer,
		Policy:   s.policies,
		Geo:      s.geo,
		Logger:   logging.Ban(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.engine.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load persisted blocks: %w", err)
	}
	if err := s.engine.StartReconciler(c.Firewall.ReconcileSchedule); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.engine.Close)

	s.limiter, err = ratelimit.New(ratelimit.Options{
		Store:           s.store,
		Policy:          s.policies,
		Bans:            s.engine,
		Logger:          logging.RateLimit(),
		UnblockPath:     c.RateLimit.UnblockPath,
		AbuseReportPath: c.RateLimit.AbuseReportPath,
		ExemptRules:     c.RateLimit.ExemptRules,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid rate_limit.exempt_rules: %w", err)
	}

	s.scanner = scanner.New(scanner.Options{
		Logger:         logging.Scanner(),
		Timeout:        c.Scanner.Timeout,
		Concurrency:    c.Scanner.Concurrency,
		MaxConcurrency: c.Scanner.MaxConcurrency,
	})

	if withCapture {
		s.capture, err = capture.NewRegistry(capture.Options{
			Backend:         capture.PcapBackend{Promiscuous: servePromisc},
			Classifier:      newClassifier(c.Capture),
			Logger:          logging.Capture(),
			QueueSize:       c.Capture.QueueSize,
			SnapLen:         c.Capture.SnapLen,
			ClassifyTimeout: c.Capture.ClassifierTimeout,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.capture.Close)
	}

	s.verifier, err = auth.NewVerifier(ctx, auth.Config{
		Mode:      c.Auth.Mode,
		JWTSecret: c.Auth.JWTSecret,
		Issuer:    c.Auth.Issuer,
		ClientID:  c.Auth.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up authentication: %w", err)
	}

	s.proxies = web.NewTrustedProxyChecker(c.Web.TrustedProxies)

	src := metrics.Sources{Bans: s.engine, Limiter: s.limiter, Store: s.store}
	if s.capture != nil {
		src.Capture = s.capture
	}
	s.metrics = metrics.NewRegistry(src)
	return s, nil
}

// serverConfig maps services and configuration onto the web server.
func (s *services) serverConfig(c *config.Config) web.Config {
	wc := web.Config{
		Bans:     s.engine,
		Policy:   s.policies,
		Scanner:  s.scanner,
		Firewall: s.enforcer,
		Verifier: s.verifier,
		Limiter:  s.limiter,
		Metrics:  s.metrics.Handler(),
		Scans:    s.metrics.Scans,
		Ready: func(context.Context) error {
			if s.store.Degraded() {
				return errors.New("counter store degraded")
			}
			return nil
		},
		Proxies:         s.proxies,
		AccessLog:       web.DefaultAccessLogConfig(),
		UnblockPath:     c.RateLimit.UnblockPath,
		AbuseReportPath: c.RateLimit.AbuseReportPath,
		Logger:          logging.Web(),
	}
	wc.AccessLog.Path = c.Web.AccessLog
	wc.WebSocket.AllowedOrigins = c.Web.AllowedOrigins
	if s.capture != nil {
		wc.Capture = s.capture
	}
	return wc
}

// reload applies the settings that can change without a restart.
func (s *services) reload(logger *slog.Logger, c *config.Config) {
	s.proxies.Set(c.Web.TrustedProxies)
	if err := s.limiter.SetExemptRules(c.RateLimit.ExemptRules); err != nil {
		logger.Warn("config_reload_rejected", "field", "rate_limit.exempt_rules", "error", err)
		return
	}
	logger.Info("config_reloaded", "trusted_proxies", len(c.Web.TrustedProxies), "exempt_rules", len(c.RateLimit.ExemptRules))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := logging.Get()

	listen := cfg.Web.Listen
	if serveListen != "" {
		listen = serveListen
	}

	svc, err := buildServices(ctx, cfg, !serveNoCapture)
	if err != nil {
		return err
	}

	srv, err := web.NewServer(svc.serverConfig(cfg))
	if err != nil {
		svc.close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		svc.close()
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	// Persisted blocks are refused at accept time; temporary bans get a 403
	// from the limiter so the unblock path stays reachable.
	filtered := ban.NewFilteredListener(listener, ban.CheckerFunc(svc.engine.IsBlocked), logging.Web())
	actual := listener.Addr().String()

	sm := hooks.NewShutdownManager()

	if !serveNoWatch {
		if _, statErr := os.Stat(resolvedConfigPath); statErr == nil {
			cfgLogger := logging.WithComponent("config")
			watcher, err := config.NewWatcher(resolvedConfigPath, func(c *config.Config) {
				svc.reload(cfgLogger, c)
			}, cfgLogger)
			if err != nil {
				logger.Warn("config_watch_failed", "path", resolvedConfigPath, "error", err)
			} else {
				watcher.Start()
				sm.AddCleanup(func(string) { watcher.Close() })
			}
		}
	}

	sm.AddCleanup(func(reason string) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http_shutdown_failed", "error", err)
		}
	})
	sm.AddCleanup(func(string) { svc.close() })

	up := hooks.StartUp(cfg.Web.Hooks.Up, actual)
	sm.SetHooks(up, cfg.Web.Hooks.Down, actual)
	sm.Start()

	logger.Info("server_started",
		"listen", actual,
		"config", resolvedConfigPath,
		"capture", svc.capture != nil,
		"redis", cfg.Store.RedisAddr != "",
		"auth_mode", cfg.Auth.Mode,
	)

	if err := srv.Serve(filtered); err != nil {
		sm.Shutdown("server_error")
		return fmt.Errorf("server error: %w", err)
	}
	<-sm.Done()
	return nil
}
