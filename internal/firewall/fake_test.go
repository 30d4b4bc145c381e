package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
)

// fakeRunner records commands and answers from a rule table.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	// fail returns an error for commands whose joined line has one of these prefixes.
	fail []string
	// state emulates iptables -C / ipset test membership.
	present map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{present: make(map[string]bool)}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)

	for _, p := range f.fail {
		if strings.HasPrefix(line, p) {
			return []byte("boom"), &CommandError{Name: name, Args: args, Output: "boom", Err: errors.New("exit status 1")}
		}
	}

	// Strip a sudo prefix for state handling.
	cmd := strings.TrimPrefix(line, "sudo -n ")
	fields := strings.Fields(cmd)
	if len(fields) >= 2 && (fields[0] == "iptables" || fields[0] == "ip6tables") {
		key := fields[0] + " " + strings.Join(fields[2:], " ")
		switch fields[1] {
		case "-C":
			if !f.present[key] {
				return nil, errors.New("exit status 1")
			}
		case "-I":
			f.present[key] = true
		case "-D":
			delete(f.present, key)
		}
	}
	if len(fields) >= 4 && fields[0] == "ipset" {
		key := "ipset " + fields[2] + " " + fields[3]
		switch fields[1] {
		case "add":
			f.present[key] = true
		case "del":
			delete(f.present, key)
		case "test":
			if !f.present[key] {
				return nil, errors.New("exit status 1")
			}
		}
	}
	return nil, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeSystem pretends the given tools are installed.
func fakeSystem(euid int, tools ...string) System {
	have := make(map[string]bool, len(tools))
	for _, t := range tools {
		have[t] = true
	}
	return System{
		LookPath: func(file string) (string, error) {
			if have[file] {
				return "/usr/sbin/" + file, nil
			}
			return "", fmt.Errorf("exec: %q: executable file not found in $PATH", file)
		},
		Geteuid: func() int { return euid },
	}
}

type fakeResolver struct {
	addrs map[string][]string
	err   error
}

func (r *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if r.err != nil {
		return nil, r.err
	}
	list, ok := r.addrs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(list))
	for _, s := range list {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out, nil
}
