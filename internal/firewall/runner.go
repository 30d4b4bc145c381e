package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds each external command.
const DefaultCommandTimeout = 10 * time.Second

// ErrNoPrivilege is returned when neither root nor sudo is available.
var ErrNoPrivilege = errors.New("requires root or sudo")

// Runner executes external commands. Tests inject a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError describes a failed command with its combined output.
type CommandError struct {
	Name   string
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Run executes name with args and returns the combined output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		cerr := &CommandError{Name: name, Args: args, Output: strings.TrimSpace(string(out)), Err: err}
		if r.Logger != nil {
			r.Logger.Debug("command_failed", "cmd", name, "args", args, "error", err, "output", cerr.Output)
		}
		return out, cerr
	}
	return out, nil
}

// System abstracts the host facts used by availability probes.
type System struct {
	LookPath func(file string) (string, error)
	Geteuid  func() int
}

// HostSystem returns the real system.
func HostSystem() System {
	return System{LookPath: exec.LookPath, Geteuid: os.Geteuid}
}

// needsSudo reports whether privileged commands must go through sudo.
func (s System) needsSudo() (bool, error) {
	if s.Geteuid() == 0 {
		return false, nil
	}
	if _, err := s.LookPath("sudo"); err == nil {
		return true, nil
	}
	return false, ErrNoPrivilege
}

// requireTools checks every tool is in PATH.
func (s System) requireTools(tools ...string) error {
	for _, t := range tools {
		if _, err := s.LookPath(t); err != nil {
			return fmt.Errorf("%s not found in PATH", t)
		}
	}
	return nil
}

// privileged runs name through "sudo -n" when sudo is true.
func privileged(ctx context.Context, r Runner, sudo bool, name string, args ...string) ([]byte, error) {
	if sudo {
		return r.Run(ctx, "sudo", append([]string{"-n", name}, args...)...)
	}
	return r.Run(ctx, name, args...)
}
