package firewall

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/inercia/bulwark/internal/fileutil"
	"github.com/inercia/bulwark/internal/policy"
)

// NginxBackend maintains "deny <subject>;" lines in an nginx include file and
// runs the configured reload command after each change. File and command
// come from the live policy.
type NginxBackend struct {
	runner Runner
	policy policy.Source

	mu sync.Mutex
}

// NewNginxBackend creates the backend.
func NewNginxBackend(runner Runner, src policy.Source) *NginxBackend {
	return &NginxBackend{runner: runner, policy: src}
}

func (b *NginxBackend) Name() string { return MethodNginx }

func (b *NginxBackend) settings(ctx context.Context) (file, reload string) {
	p := b.policy.Get(ctx)
	return p.NginxDenyFile, p.NginxReloadCmd
}

func (b *NginxBackend) Available(ctx context.Context) error {
	file, reload := b.settings(ctx)
	if file == "" {
		return errors.New("nginx deny file not configured")
	}
	if info, err := os.Stat(filepath.Dir(file)); err != nil || !info.IsDir() {
		return fmt.Errorf("nginx deny directory %s not found", filepath.Dir(file))
	}
	if reload != "" {
		if _, err := shlex.Split(reload); err != nil {
			return fmt.Errorf("invalid nginx reload command: %w", err)
		}
	}
	return nil
}

func denyLine(subject string) string {
	return "deny " + subject + ";"
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func (b *NginxBackend) Apply(ctx context.Context, r Rule) error {
	file, reload := b.settings(ctx)
	if file == "" {
		return errors.New("nginx deny file not configured")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	lines, err := readLines(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	want := denyLine(r.Subject)
	for _, l := range lines {
		if strings.TrimSpace(l) == want {
			return nil
		}
	}
	if err := fileutil.AppendLine(file, want, 0o644); err != nil {
		return err
	}
	return b.reload(ctx, reload)
}

func (b *NginxBackend) Remove(ctx context.Context, r Rule) error {
	file, reload := b.settings(ctx)
	if file == "" {
		return errors.New("nginx deny file not configured")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	lines, err := readLines(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	want := denyLine(r.Subject)
	kept := lines[:0]
	removed := false
	for _, l := range lines {
		if strings.TrimSpace(l) == want {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	if !removed {
		return nil
	}

	perm := os.FileMode(0o644)
	if info, err := os.Stat(file); err == nil {
		perm = info.Mode().Perm()
	}
	var buf bytes.Buffer
	for _, l := range kept {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	if err := fileutil.WriteFileAtomic(file, buf.Bytes(), perm); err != nil {
		return err
	}
	return b.reload(ctx, reload)
}

func (b *NginxBackend) Contains(ctx context.Context, r Rule) (bool, error) {
	file, _ := b.settings(ctx)
	if file == "" {
		return false, nil
	}
	lines, err := readLines(file)
	if err != nil {
		return false, err
	}
	want := denyLine(r.Subject)
	for _, l := range lines {
		if strings.TrimSpace(l) == want {
			return true, nil
		}
	}
	return false, nil
}

func (b *NginxBackend) reload(ctx context.Context, cmd string) error {
	if cmd == "" {
		return nil
	}
	args, err := shlex.Split(cmd)
	if err != nil {
		return fmt.Errorf("invalid nginx reload command: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	if _, err := b.runner.Run(ctx, args[0], args[1:]...); err != nil {
		return fmt.Errorf("nginx reload: %w", err)
	}
	return nil
}
