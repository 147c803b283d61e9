// Package osrelease reads the key=value pairs of /etc/os-release (or
// an equivalent file), used by the composer to populate a build's
// host-identity fields (spec §4.D step 12: title, project, releasever).
package osrelease

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// OSRelease is the subset of /etc/os-release fields the composer
// needs when rendering a build's config.toml.
type OSRelease struct {
	Name       string
	PrettyName string
	ID         string
	VersionID  string
}

// Title renders the human-facing distribution title consumed by the
// builder config (spec §4.D: "title").
func (r OSRelease) Title() string {
	if r.PrettyName != "" {
		return r.PrettyName
	}
	return r.Name
}

// Project is the distribution id used as the builder config's
// "project" field.
func (r OSRelease) Project() string {
	return r.ID
}

// Releasever is the builder config's "releasever" field.
func (r OSRelease) Releasever() string {
	return r.VersionID
}

// DefaultPaths are tried in order by Load when called with no
// explicit path.
var DefaultPaths = []string{"/etc/os-release", "/usr/lib/os-release"}

// Load parses path (a shell-style KEY=VALUE file, one assignment per
// line, with optional double-quoting and comments).
func Load(path string) (OSRelease, error) {
	f, err := os.Open(path)
	if err != nil {
		return OSRelease{}, err
	}
	defer f.Close()

	fields := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return OSRelease{}, err
	}

	return OSRelease{
		Name:       fields["NAME"],
		PrettyName: fields["PRETTY_NAME"],
		ID:         fields["ID"],
		VersionID:  fields["VERSION_ID"],
	}, nil
}

// LoadDefault tries each of DefaultPaths in turn.
func LoadDefault() (OSRelease, error) {
	var lastErr error
	for _, path := range DefaultPaths {
		r, err := Load(path)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	return OSRelease{}, lastErr
}

func unquote(s string) string {
	if v, err := strconv.Unquote(s); err == nil {
		return v
	}
	return strings.Trim(s, `"'`)
}
