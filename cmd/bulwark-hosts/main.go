// Command bulwark-hosts adds or removes a domain in the Bulwark section of
// /etc/hosts. It is meant to run under sudo with exactly two arguments:
//
//	bulwark-hosts add|remove <domain>
//	bulwark-hosts sudoers <user>
package main

import (
	"os"
	"path/filepath"

	"github.com/inercia/bulwark/internal/hostsfile"
)

func main() {
	exe, err := os.Executable()
	if err == nil {
		if resolved, rerr := filepath.EvalSymlinks(exe); rerr == nil {
			exe = resolved
		}
	}
	os.Exit(hostsfile.Main(os.Args[1:], os.Stdout, os.Stderr, hostsfile.DefaultPath, exe))
}
