// Package scanner is a bounded TCP-connect port scanner. A fixed pool of
// workers drains a FIFO queue of (host, port) attempts; a successful connect
// is an open port and anything else is closed, without retries.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout        = time.Second
	DefaultConcurrency    = 100
	DefaultMaxConcurrency = 1000
	// MaxTimeout bounds the per-attempt timeout a caller may ask for.
	MaxTimeout = 10 * time.Second

	// MaxCombinations caps hosts x ports in multi-host mode.
	MaxCombinations = 1000
	// MaxSingleHostPorts caps ports in single-host mode.
	MaxSingleHostPorts = MaxPort

	// Above AdaptiveThreshold ports the timeout shrinks to at most
	// AdaptiveTimeout and concurrency grows to at least AdaptiveConcurrency.
	AdaptiveThreshold   = 10_000
	AdaptiveTimeout     = 300 * time.Millisecond
	AdaptiveConcurrency = 500
)

// Dialer opens connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Request is a scan as submitted by an operator.
type Request struct {
	Hosts       []string      `json:"hosts"`
	Ports       string        `json:"ports"`
	Timeout     time.Duration `json:"-"`
	Concurrency int           `json:"concurrency,omitempty"`
	// SingleHost allows up to MaxSingleHostPorts ports against exactly one host.
	SingleHost bool `json:"single_host,omitempty"`
}

// Job is a validated, expanded scan.
type Job struct {
	ID          string
	Targets     []string
	Ports       []int
	Concurrency int
	Timeout     time.Duration
}

// Attempt is the outcome of one connect.
type Attempt struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Open bool   `json:"open"`
}

// HostResult summarises the scan of one host.
type HostResult struct {
	Host         string        `json:"host"`
	OpenPorts    []int         `json:"openPorts"`
	TotalScanned int           `json:"totalScanned"`
	TotalOpen    int           `json:"totalOpen"`
	Duration     time.Duration `json:"-"`
}

// MarshalJSON renders Duration in milliseconds.
func (r HostResult) MarshalJSON() ([]byte, error) {
	type plain HostResult
	return json.Marshal(struct {
		plain
		Duration int64 `json:"duration"`
	}{plain(r), r.Duration.Milliseconds()})
}

// Options configures a Scanner.
type Options struct {
	Dialer         Dialer
	Logger         *slog.Logger
	Timeout        time.Duration
	Concurrency    int
	MaxConcurrency int
}

// Scanner runs jobs. It is safe for concurrent use; each job has its own pool.
type Scanner struct {
	dialer         Dialer
	logger         *slog.Logger
	timeout        time.Duration
	concurrency    int
	maxConcurrency int
}

// New creates a Scanner.
func New(opts Options) *Scanner {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	opts.Concurrency = min(opts.Concurrency, opts.MaxConcurrency)
	return &Scanner{
		dialer:         opts.Dialer,
		logger:         opts.Logger,
		timeout:        opts.Timeout,
		concurrency:    opts.Concurrency,
		maxConcurrency: opts.MaxConcurrency,
	}
}

// Plan validates req and expands it into a Job. Oversized requests are
// rejected, never truncated.
func (s *Scanner) Plan(req Request) (Job, error) {
	if len(req.Hosts) == 0 {
		return Job{}, &ValidationError{Field: "hosts", Err: errors.New("at least one host is required")}
	}
	if req.SingleHost && len(req.Hosts) != 1 {
		return Job{}, &ValidationError{Field: "hosts", Value: fmt.Sprint(req.Hosts), Err: errors.New("single-host mode takes exactly one host")}
	}

	seen := make(map[string]struct{}, len(req.Hosts))
	targets := make([]string, 0, len(req.Hosts))
	for _, h := range req.Hosts {
		host, err := ValidateHost(h)
		if err != nil {
			return Job{}, err
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		targets = append(targets, host)
	}

	ports, err := ParsePorts(req.Ports)
	if err != nil {
		return Job{}, err
	}

	limit := MaxCombinations
	if req.SingleHost {
		limit = MaxSingleHostPorts
	}
	if combos := len(targets) * len(ports); combos > limit {
		return Job{}, &ValidationError{
			Field: "ports",
			Value: req.Ports,
			Err:   fmt.Errorf("%d host/port combinations exceed the limit of %d", combos, limit),
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	if timeout > MaxTimeout {
		return Job{}, &ValidationError{Field: "timeout", Value: timeout.String(), Err: fmt.Errorf("must not exceed %s", MaxTimeout)}
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = s.concurrency
	}
	if len(ports) > AdaptiveThreshold {
		timeout = min(timeout, AdaptiveTimeout)
		concurrency = max(concurrency, AdaptiveConcurrency)
	}
	concurrency = min(concurrency, s.maxConcurrency)

	return Job{
		ID:          uuid.NewString(),
		Targets:     targets,
		Ports:       ports,
		Concurrency: concurrency,
		Timeout:     timeout,
	}, nil
}

// Scan plans and runs req.
func (s *Scanner) Scan(ctx context.Context, req Request) ([]HostResult, error) {
	job, err := s.Plan(req)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, job)
}

type hostState struct {
	open    []int
	scanned int
	last    time.Time
}

// Run executes job and returns one result per target, in target order,
// with open ports ascending. It returns once every queued attempt has
// resolved. On cancellation in-flight dials are abandoned, the partial
// results are returned and the error is ctx.Err().
func (s *Scanner) Run(ctx context.Context, job Job) ([]HostResult, error) {
	start := time.Now()
	logger := s.logger.With("job", job.ID)
	logger.Info("scan_started",
		"hosts", len(job.Targets),
		"ports", len(job.Ports),
		"concurrency", job.Concurrency,
		"timeout", job.Timeout,
	)

	total := len(job.Targets) * len(job.Ports)
	workers := min(max(job.Concurrency, 1), max(total, 1))
	queue := make(chan Attempt, min(total, 4*workers))

	var mu sync.Mutex
	states := make(map[string]*hostState, len(job.Targets))
	for _, h := range job.Targets {
		states[h] = &hostState{}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range queue {
				if ctx.Err() != nil {
					continue
				}
				open := s.probe(ctx, a.Host, a.Port, job.Timeout)
				if !open && ctx.Err() != nil {
					continue
				}
				mu.Lock()
				st := states[a.Host]
				st.scanned++
				if open {
					st.open = append(st.open, a.Port)
				}
				st.last = time.Now()
				mu.Unlock()
			}
		}()
	}

feed:
	for _, h := range job.Targets {
		for _, p := range job.Ports {
			select {
			case queue <- Attempt{Host: h, Port: p}:
			case <-ctx.Done():
				break feed
			}
		}
	}
	close(queue)
	wg.Wait()

	results := make([]HostResult, 0, len(job.Targets))
	openTotal := 0
	for _, h := range job.Targets {
		st := states[h]
		sort.Ints(st.open)
		end := st.last
		if end.IsZero() {
			end = time.Now()
		}
		results = append(results, HostResult{
			Host:         h,
			OpenPorts:    append([]int{}, st.open...),
			TotalScanned: st.scanned,
			TotalOpen:    len(st.open),
			Duration:     end.Sub(start),
		})
		openTotal += len(st.open)
	}

	if err := ctx.Err(); err != nil {
		logger.Warn("scan_cancelled", "elapsed", time.Since(start), "error", err)
		return results, err
	}
	logger.Info("scan_finished", "elapsed", time.Since(start), "open", openTotal)
	return results, nil
}

// probe reports whether a TCP connect to host:port succeeds within timeout.
func (s *Scanner) probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := s.dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
