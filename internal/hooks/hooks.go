// Package hooks runs lifecycle commands around the bulwark API server and
// coordinates graceful shutdown.
//
// The up hook starts once the API listens (for example to announce the
// node to a load balancer) and keeps running until shutdown. The down hook
// runs synchronously during shutdown.
package hooks

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/inercia/bulwark/internal/config"
	"github.com/inercia/bulwark/internal/logging"
)

// Expand replaces ${PORT} and ${LISTEN} in command with the bound port and
// address.
func Expand(command, listen string) string {
	port := ""
	if _, p, err := net.SplitHostPort(listen); err == nil {
		port = p
	}
	return strings.NewReplacer("${PORT}", port, "${LISTEN}", listen).Replace(command)
}

// Process manages a running hook command.
// It is safe for concurrent use.
type Process struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger
	exited chan struct{}

	mu   sync.Mutex
	done bool
}

// StartUp starts the up hook asynchronously in its own process group.
// Returns nil if no command is configured or it fails to start.
func StartUp(hook config.WebHook, listen string) *Process {
	if hook.Command == "" {
		return nil
	}
	name := hook.Name
	if name == "" {
		name = "up"
	}
	logger := logging.Hook().With("hook", name)
	command := Expand(hook.Command, listen)

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// A process group lets Stop reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logger.Error("hook_start_failed", "command", command, "error", err)
		return nil
	}
	logger.Info("hook_started", "command", command, "pid", cmd.Process.Pid)

	hp := &Process{name: name, cmd: cmd, logger: logger, exited: make(chan struct{})}
	go hp.wait()
	return hp
}

func (hp *Process) wait() {
	err := hp.cmd.Wait()
	hp.mu.Lock()
	stopped := hp.done
	hp.done = true
	hp.mu.Unlock()
	close(hp.exited)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		hp.logger.Info("hook_completed")
	case stopped:
		hp.logger.Debug("hook_terminated")
	case errors.As(err, &exitErr):
		hp.logger.Error("hook_failed", "exit_code", exitErr.ExitCode(), "error", err)
	default:
		hp.logger.Error("hook_failed", "error", err)
	}
}

// Exited is closed once the command has exited.
func (hp *Process) Exited() <-chan struct{} {
	return hp.exited
}

// Stop sends SIGTERM to the hook's process group. Safe on a nil Process
// and after the command exited.
func (hp *Process) Stop() {
	if hp == nil {
		return
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if hp.done || hp.cmd.Process == nil {
		return
	}
	hp.done = true

	if pgid, err := syscall.Getpgid(hp.cmd.Process.Pid); err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	} else {
		_ = hp.cmd.Process.Kill()
	}
	hp.logger.Info("hook_stopped")
}

// RunDown runs the down hook and waits for it. Failures are logged and
// returned.
func RunDown(hook config.WebHook, listen string) error {
	if hook.Command == "" {
		return nil
	}
	name := hook.Name
	if name == "" {
		name = "down"
	}
	logger := logging.Hook().With("hook", name)
	command := Expand(hook.Command, listen)
	logger.Info("hook_started", "command", command)

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Error("hook_failed", "exit_code", exitCode, "error", err)
		return err
	}
	logger.Info("hook_completed")
	return nil
}
