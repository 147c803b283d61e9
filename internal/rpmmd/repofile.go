package rpmmd

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// LoadReposINI parses a DNF-style `.repo` file (one `[id]` section per
// repository, `name=`/`baseurl=`/`metalink=`/`mirrorlist=`/`gpgkey=`/
// `gpgcheck=`/`sslverify=` keys) into RepoConfigs, the format real
// package-database backends read their source configuration from and
// a plausible on-disk companion to the TOML config this package
// otherwise speaks. Sections with `enabled=0` are skipped.
func LoadReposINI(path string) ([]RepoConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("rpmmd: parsing repo file %s: %w", path, err)
	}

	var repos []RepoConfig
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		if section.HasKey("enabled") && !section.Key("enabled").MustBool(true) {
			continue
		}
		repos = append(repos, RepoConfig{
			ID:         section.Name(),
			Name:       section.Key("name").MustString(section.Name()),
			BaseURL:    section.Key("baseurl").String(),
			Metalink:   section.Key("metalink").String(),
			Mirrorlist: section.Key("mirrorlist").String(),
			GPGKey:     section.Key("gpgkey").String(),
			CheckGPG:   section.Key("gpgcheck").MustBool(false),
			CheckSSL:   section.Key("sslverify").MustBool(true),
		})
	}
	return repos, nil
}
