// Package hostsfile edits the Bulwark blocklist section of /etc/hosts.
// Blocked domains are pointed at non-routable addresses inside a marker
// delimited section so that unrelated entries are never touched.
package hostsfile

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/inercia/bulwark/internal/fileutil"
	"github.com/inercia/bulwark/internal/netutil"
)

const (
	// DefaultPath is the system hosts file.
	DefaultPath = "/etc/hosts"

	BeginMarker = "# BEGIN bulwark blocklist"
	EndMarker   = "# END bulwark blocklist"
)

// Entries returns the lines written for domain.
func Entries(domain string) []string {
	return []string{"0.0.0.0 " + domain, "::1 " + domain}
}

// File edits a hosts file.
type File struct {
	Path    string
	NowFunc func() time.Time
}

// New returns a File for path.
func New(path string) *File {
	return &File{Path: path, NowFunc: time.Now}
}

// Add inserts the entries for domain. It returns false when the domain was
// already present, in which case the file is left untouched.
func (f *File) Add(domain string) (bool, error) {
	if err := checkDomain(domain); err != nil {
		return false, err
	}
	lines, perm, err := f.read()
	if err != nil {
		return false, err
	}
	if containsDomain(lines, domain) {
		return false, nil
	}

	begin, end := findSection(lines)
	var out []string
	if begin < 0 {
		out = trimTrailingBlank(lines)
		if len(out) > 0 {
			out = append(out, "")
		}
		out = append(out, BeginMarker)
		out = append(out, Entries(domain)...)
		out = append(out, EndMarker)
	} else {
		out = make([]string, 0, len(lines)+2)
		out = append(out, lines[:end]...)
		out = append(out, Entries(domain)...)
		out = append(out, lines[end:]...)
	}
	if err := f.write(out, perm); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the lines for domain from the section. When the section
// becomes empty the markers and trailing blank lines are dropped too.
// It returns false when the domain was not present.
func (f *File) Remove(domain string) (bool, error) {
	if err := checkDomain(domain); err != nil {
		return false, err
	}
	lines, perm, err := f.read()
	if err != nil {
		return false, err
	}
	begin, end := findSection(lines)
	if begin < 0 {
		return false, nil
	}

	var section []string
	removed := false
	for _, l := range lines[begin+1 : end] {
		if lineDomain(l) == domain {
			removed = true
			continue
		}
		section = append(section, l)
	}
	if !removed {
		return false, nil
	}

	out := append([]string{}, lines[:begin]...)
	if hasEntries(section) {
		out = append(out, BeginMarker)
		out = append(out, section...)
		out = append(out, lines[end:]...)
	} else {
		out = append(out, lines[end+1:]...)
		out = trimTrailingBlank(out)
	}
	if err := f.write(out, perm); err != nil {
		return false, err
	}
	return true, nil
}

// Domains lists the domains currently in the section.
func (f *File) Domains() ([]string, error) {
	lines, _, err := f.read()
	if err != nil {
		return nil, err
	}
	begin, end := findSection(lines)
	if begin < 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, l := range lines[begin+1 : end] {
		if d := lineDomain(l); d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func checkDomain(domain string) error {
	if !netutil.ValidHostname(domain) || strings.ToLower(domain) != domain {
		return fmt.Errorf("invalid domain %q", domain)
	}
	return nil
}

func (f *File) read() ([]string, os.FileMode, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0o644, nil
		}
		return nil, 0, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	perm := os.FileMode(0o644)
	if info, err := os.Stat(f.Path); err == nil {
		perm = info.Mode().Perm()
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, perm, nil
	}
	return strings.Split(text, "\n"), perm, nil
}

// write backs up the current file and replaces it atomically.
func (f *File) write(lines []string, perm os.FileMode) error {
	now := time.Now
	if f.NowFunc != nil {
		now = f.NowFunc
	}
	if _, err := fileutil.Backup(f.Path, now()); err != nil {
		return err
	}
	data := strings.Join(lines, "\n")
	if data != "" {
		data += "\n"
	}
	return fileutil.WriteFileAtomic(f.Path, []byte(data), perm)
}

func findSection(lines []string) (begin, end int) {
	begin, end = -1, -1
	for i, l := range lines {
		switch strings.TrimSpace(l) {
		case BeginMarker:
			if begin < 0 {
				begin = i
			}
		case EndMarker:
			if begin >= 0 && end < 0 {
				end = i
			}
		}
	}
	if begin < 0 || end < 0 {
		return -1, -1
	}
	return begin, end
}

// lineDomain returns the hostname of a "0.0.0.0 host" or "::1 host" line.
func lineDomain(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 2 || strings.HasPrefix(fields[0], "#") {
		return ""
	}
	if fields[0] != "0.0.0.0" && fields[0] != "::1" {
		return ""
	}
	return fields[1]
}

func containsDomain(lines []string, domain string) bool {
	begin, end := findSection(lines)
	if begin < 0 {
		return false
	}
	for _, l := range lines[begin+1 : end] {
		if lineDomain(l) == domain {
			return true
		}
	}
	return false
}

func hasEntries(section []string) bool {
	for _, l := range section {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}

func trimTrailingBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
