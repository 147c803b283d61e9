package kickstart

import (
	"fmt"
	"strings"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/errkind"
)

// PostInstallDirectives renders the lines the composer appends after
// the template's closing %end, derived from customizations.hostname,
// .user, .group, and .sshkey per spec §4.C.
func PostInstallDirectives(c *blueprint.Customizations) ([]string, int, error) {
	if c == nil {
		return nil, 0, nil
	}

	var lines []string
	var warnings int
	userGroups := map[string]bool{}
	rootPasswordSet := false

	if c.Hostname != nil && *c.Hostname != "" {
		lines = append(lines, fmt.Sprintf("network --hostname=%s", *c.Hostname))
	}

	for _, u := range c.Users {
		if u.Name == "root" {
			if u.Key != nil && *u.Key != "" {
				lines = append(lines, fmt.Sprintf("sshkey --user root %q", *u.Key))
			}
			if u.Password != nil && *u.Password != "" {
				lines = append(lines, rootpwLine(*u.Password))
				rootPasswordSet = true
			}
			continue
		}

		lines = append(lines, userLine(u))
		userGroups[u.Name] = true
	}

	for _, key := range c.SSHKeys {
		if key.User == "root" {
			lines = append(lines, fmt.Sprintf("sshkey --user root %q", key.Key))
			continue
		}
		lines = append(lines, fmt.Sprintf("sshkey --user %s %q", key.User, key.Key))
	}

	for _, g := range c.Groups {
		if g.Name == "" {
			return nil, warnings, errkind.New(errkind.BlueprintsError, "", "a customizations.group entry must have a name")
		}
		if userGroups[g.Name] {
			warnings++
			continue
		}
		lines = append(lines, groupLine(g))
	}

	if !rootPasswordSet {
		lines = append(lines, "rootpw --lock")
	}

	return lines, warnings, nil
}

func userLine(u blueprint.User) string {
	line := fmt.Sprintf("user --name=%s", u.Name)
	if u.Password != nil && *u.Password != "" {
		if isCrypted(*u.Password) {
			line += fmt.Sprintf(" --password=%s --iscrypted", *u.Password)
		} else {
			line += fmt.Sprintf(" --password=%s --plaintext", *u.Password)
		}
	}
	if u.Key != nil && *u.Key != "" {
		line += fmt.Sprintf(" --sshkey=%q", *u.Key)
	}
	if u.Home != nil && *u.Home != "" {
		line += fmt.Sprintf(" --homedir=%s", *u.Home)
	}
	if u.Shell != nil && *u.Shell != "" {
		line += fmt.Sprintf(" --shell=%s", *u.Shell)
	}
	if u.UID != nil {
		line += fmt.Sprintf(" --uid=%d", *u.UID)
	}
	if u.GID != nil {
		line += fmt.Sprintf(" --gid=%d", *u.GID)
	}
	if len(u.Groups) > 0 {
		line += fmt.Sprintf(" --groups=%s", strings.Join(u.Groups, ","))
	}
	return line
}

func groupLine(g blueprint.UserGroup) string {
	line := fmt.Sprintf("group --name=%s", g.Name)
	if g.GID != nil {
		line += fmt.Sprintf(" --gid=%d", *g.GID)
	}
	return line
}

func rootpwLine(password string) string {
	if isCrypted(password) {
		return fmt.Sprintf("rootpw --iscrypted %s", password)
	}
	return fmt.Sprintf("rootpw --plaintext %s", password)
}

// isCrypted reports whether password is already a crypt(3) hash
// rather than plaintext, per the three hash prefixes spec §4.C names.
func isCrypted(password string) bool {
	for _, prefix := range []string{"$2b$", "$5$", "$6$"} {
		if strings.HasPrefix(password, prefix) {
			return true
		}
	}
	return false
}
