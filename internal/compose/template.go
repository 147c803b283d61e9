package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/errkind"
)

// TemplateSource resolves a compose type name to its kickstart script
// template and, for live-iso, the extra packages its installer path
// requires. The set of known types is derived entirely from the files
// present in the directory (spec §4.D step 1).
type TemplateSource interface {
	Types() ([]string, error)
	Read(composeType string) (string, error)
	LiveISOExtraPackages() ([]blueprint.Package, error)
}

// DirTemplateSource resolves templates from `<dir>/<type>.ks` files.
type DirTemplateSource struct {
	Dir string
}

func (d DirTemplateSource) Types() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, err
	}
	var types []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ks") {
			types = append(types, strings.TrimSuffix(e.Name(), ".ks"))
		}
	}
	sort.Strings(types)
	return types, nil
}

func (d DirTemplateSource) Read(composeType string) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, composeType+".ks"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// LiveISOExtraPackages reads `live-iso-extra.ks`'s %packages section,
// if present, for the additional packages the live-install path needs
// beyond what the blueprint itself requests (spec §4.D step 2).
func (d DirTemplateSource) LiveISOExtraPackages() ([]blueprint.Package, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, "live-iso-extra.ks"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	packages, _, _, err := parsePackagesSection(string(data))
	return packages, err
}

// validateComposeType checks a requested type against the known types
// (derived from the template directory) and the per-architecture
// denylist (spec §6).
func validateComposeType(types []string, composeType, arch string, allowed func(arch, composeType string) bool) error {
	known := false
	for _, t := range types {
		if t == composeType {
			known = true
			break
		}
	}
	if !known {
		return errkind.New(errkind.BadComposeType, composeType, "unknown compose type")
	}
	if !allowed(arch, composeType) {
		return errkind.New(errkind.BadComposeType, composeType, "compose type %q is not available on %s", composeType, arch)
	}
	return nil
}

// parsePackagesSection extracts the %packages list and @group entries
// from a template, along with whether it carries a --nocore flag.
// Lines beginning with '-' (exclusions) are ignored in this narrow
// implementation — exclusions never widen the estimated size.
func parsePackagesSection(template string) ([]blueprint.Package, []blueprint.Group, bool, error) {
	lines := strings.Split(template, "\n")
	start := -1
	nocore := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "%packages") {
			start = i
			nocore = strings.Contains(trimmed, "--nocore")
			break
		}
	}
	if start < 0 {
		return nil, nil, false, fmt.Errorf("compose: template has no %%packages section")
	}

	var packages []blueprint.Package
	var groups []blueprint.Group
	for _, line := range lines[start+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "%end" {
			break
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "-") {
			continue
		}
		if strings.HasPrefix(trimmed, "@") {
			groups = append(groups, blueprint.Group{Name: strings.TrimPrefix(trimmed, "@")})
			continue
		}
		name, versionGlob, _ := strings.Cut(trimmed, " ")
		if versionGlob == "" {
			versionGlob = "*"
		}
		packages = append(packages, blueprint.Package{Name: name, Version: versionGlob})
	}
	return packages, groups, nocore, nil
}
