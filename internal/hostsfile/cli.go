package hostsfile

import (
	"errors"
	"fmt"
	"io"
	"os/user"
	"regexp"
)

// Exit codes of the bulwark-hosts helper.
const (
	ExitOK    = 0
	ExitIO    = 1
	ExitUsage = 2
)

var userPattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

const usage = `usage: bulwark-hosts add|remove <domain>
       bulwark-hosts sudoers <user>`

// errUsage marks argument errors.
var errUsage = errors.New("usage")

// Main implements the helper command line. It takes exactly two arguments
// and never reads the environment, since it runs under sudo.
func Main(args []string, stdout, stderr io.Writer, hostsPath, executable string) int {
	if err := run(args, stdout, hostsPath, executable); err != nil {
		fmt.Fprintf(stderr, "bulwark-hosts: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, usage)
			return ExitUsage
		}
		return ExitIO
	}
	return ExitOK
}

func run(args []string, stdout io.Writer, hostsPath, executable string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: expected 2 arguments, got %d", errUsage, len(args))
	}
	op, arg := args[0], args[1]

	switch op {
	case "add", "remove":
		if err := checkDomain(arg); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		f := New(hostsPath)
		var changed bool
		var err error
		if op == "add" {
			changed, err = f.Add(arg)
		} else {
			changed, err = f.Remove(arg)
		}
		if err != nil {
			return err
		}
		if changed {
			fmt.Fprintf(stdout, "%s: %s\n", op, arg)
		} else {
			fmt.Fprintf(stdout, "%s: %s (no change)\n", op, arg)
		}
		return nil

	case "sudoers":
		if !userPattern.MatchString(arg) {
			return fmt.Errorf("%w: invalid user name %q", errUsage, arg)
		}
		if _, err := user.Lookup(arg); err != nil {
			return fmt.Errorf("%w: unknown user %q", errUsage, arg)
		}
		fmt.Fprintln(stdout, SudoersLine(arg, executable))
		return nil

	default:
		return fmt.Errorf("%w: unknown operation %q", errUsage, op)
	}
}

// SudoersLine grants user passwordless execution of exactly the helper path.
func SudoersLine(user, helperPath string) string {
	return fmt.Sprintf("%s ALL=(root) NOPASSWD: %s", user, helperPath)
}
