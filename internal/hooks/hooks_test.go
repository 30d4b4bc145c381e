package hooks

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/inercia/bulwark/internal/config"
	"github.com/inercia/bulwark/internal/logging"
)

func TestExpand(t *testing.T) {
	tests := []struct {
		command string
		listen  string
		want    string
	}{
		{"echo ${PORT}", "127.0.0.1:8443", "echo 8443"},
		{"register ${LISTEN}", "[::1]:9000", "register [::1]:9000"},
		{"echo ${PORT}", "bad-address", "echo "},
		{"plain", "127.0.0.1:1", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.command+"/"+tt.listen, func(t *testing.T) {
			if got := Expand(tt.command, tt.listen); got != tt.want {
				t.Errorf("Expand(%q, %q) = %q, want %q", tt.command, tt.listen, got, tt.want)
			}
		})
	}
}

func TestProcess_StopNil(t *testing.T) {
	var hp *Process
	hp.Stop()
}

func TestProcess_StopAlreadyDone(t *testing.T) {
	hp := &Process{name: "test", done: true}
	hp.Stop()
}

func startSleep(t *testing.T) *Process {
	t.Helper()
	cmd := exec.Command("sleep", "10")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start test command: %v", err)
	}
	return &Process{name: "test-sleep", cmd: cmd, logger: logging.Discard()}
}

func TestProcess_StopRunningProcess(t *testing.T) {
	hp := startSleep(t)
	hp.Stop()
	if !hp.done {
		t.Error("Process.done should be true after Stop()")
	}
	_ = hp.cmd.Wait()
}

func TestProcess_ConcurrentStop(t *testing.T) {
	hp := startSleep(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hp.Stop()
		}()
	}
	wg.Wait()

	if !hp.done {
		t.Error("Process.done should be true after concurrent Stop() calls")
	}
	_ = hp.cmd.Wait()
}

func waitExited(t *testing.T, hp *Process) {
	t.Helper()
	select {
	case <-hp.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("hook did not exit")
	}
}

func TestStartUp_Substitutes(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	hook := config.WebHook{Name: "announce", Command: "echo ${PORT} ${LISTEN} > " + out}

	hp := StartUp(hook, "127.0.0.1:8443")
	if hp == nil {
		t.Fatal("StartUp returned nil for valid command")
	}
	waitExited(t, hp)

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "8443 127.0.0.1:8443" {
		t.Errorf("hook output = %q", got)
	}
}

func TestStartUp_ExitWithError(t *testing.T) {
	hp := StartUp(config.WebHook{Command: "exit 1"}, "127.0.0.1:8443")
	if hp == nil {
		t.Fatal("StartUp returned nil for valid command")
	}
	waitExited(t, hp)

	hp.mu.Lock()
	defer hp.mu.Unlock()
	if !hp.done {
		t.Error("Hook should be marked done after exiting")
	}
}

func TestStartUp_StopLongRunning(t *testing.T) {
	hp := StartUp(config.WebHook{Command: "sleep 10"}, "127.0.0.1:8443")
	if hp == nil {
		t.Fatal("StartUp returned nil")
	}
	hp.Stop()
	waitExited(t, hp)
}

func TestStartUp_EmptyCommand(t *testing.T) {
	if hp := StartUp(config.WebHook{Name: "test-empty"}, "127.0.0.1:8443"); hp != nil {
		t.Error("StartUp should return nil for empty command")
	}
}

func TestRunDown(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"success", "exit 0", false},
		{"failure", "exit 3", true},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RunDown(config.WebHook{Command: tt.command}, "127.0.0.1:8443")
			if (err != nil) != tt.wantErr {
				t.Errorf("RunDown() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunDown_Substitutes(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	if err := RunDown(config.WebHook{Command: "echo ${PORT} > " + out}, "0.0.0.0:9000"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "9000" {
		t.Errorf("hook output = %q", got)
	}
}
