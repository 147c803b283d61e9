package rpmmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/osbuild/weldr-composer/internal/blueprint"
)

// fileUniverse is the on-disk shape a fileSolver loads: a flat list of
// available builds per project name, standing in for a real package
// database's metadata.
type fileUniverse struct {
	Projects map[string][]fileBuild `json:"projects"`
	Groups   map[string][]string    `json:"groups"`
	Core     []string               `json:"core"`
}

type fileBuild struct {
	Epoch          int    `json:"epoch"`
	Version        string `json:"version"`
	Release        string `json:"release"`
	Arch           string `json:"arch"`
	Checksum       string `json:"checksum"`
	RemoteLocation string `json:"remote_location"`
	SizeBytes      uint64 `json:"size_bytes"`
	Summary        string `json:"summary"`
	Description    string `json:"description"`
	Homepage       string `json:"homepage"`
}

// fileSolver is a reference Solver backed by a JSON project universe
// read from one or more repository paths, used in tests and wherever
// no real package-database backend is configured.
type fileSolver struct {
	mu       sync.RWMutex
	universe fileUniverse
}

// NewFileSolver constructs a fileSolver with an empty universe. Reload
// populates it from the configured repositories.
func NewFileSolver() *fileSolver {
	return &fileSolver{universe: fileUniverse{Projects: map[string][]fileBuild{}, Groups: map[string][]string{}}}
}

// Reload re-reads each repo's JSON universe file (its BaseURL treated
// as a local filesystem path) and merges them: builds of the same
// project from several repos are pooled, core lists are concatenated,
// and a later repo's group definition replaces an earlier one's.
func (f *fileSolver) Reload(repos []RepoConfig) error {
	merged := fileUniverse{Projects: map[string][]fileBuild{}, Groups: map[string][]string{}}

	for _, r := range repos {
		path := r.BaseURL
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading repository metadata %s: %w", path, err)
		}
		var u fileUniverse
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("parsing repository metadata %s: %w", path, err)
		}
		for name, builds := range u.Projects {
			merged.Projects[name] = append(merged.Projects[name], builds...)
		}
		for name, members := range u.Groups {
			merged.Groups[name] = members
		}
		merged.Core = append(merged.Core, u.Core...)
	}

	f.mu.Lock()
	f.universe = merged
	f.mu.Unlock()
	return nil
}

// SeedForTest installs a universe directly, bypassing Reload's
// filesystem loading, for use by tests that build a universe in code.
func (f *fileSolver) SeedForTest(u fileUniverse) {
	f.mu.Lock()
	f.universe = u
	f.mu.Unlock()
}

// latestBuild returns the highest (epoch, version, release) build of
// name matching glob, or ok=false if none matches.
func latestBuild(builds []fileBuild, pattern string) (fileBuild, bool, error) {
	g, err := compileVersionGlob(pattern)
	if err != nil {
		return fileBuild{}, false, fmt.Errorf("invalid version glob %q: %w", pattern, err)
	}

	var best fileBuild
	found := false
	for _, b := range builds {
		if !g.Match(b.Version) {
			continue
		}
		if !found || nevraLess(best, b) {
			best = b
			found = true
		}
	}
	return best, found, nil
}

func nevraLess(a, b fileBuild) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return a.Release < b.Release
}

func (f *fileSolver) Depsolve(packages []blueprint.Package, groups []blueprint.Group, withCore bool) (uint64, []PackageSpec, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	wanted := map[string]string{}
	var order []string
	addWant := func(name, versionGlob string) {
		if _, ok := wanted[name]; !ok {
			order = append(order, name)
		}
		wanted[name] = versionGlob
	}

	for _, p := range packages {
		addWant(p.Name, p.Version)
	}
	for _, g := range groups {
		members, ok := f.universe.Groups[g.Name]
		if !ok {
			return 0, nil, fmt.Errorf("unknown group %q", g.Name)
		}
		for _, m := range members {
			addWant(m, "*")
		}
	}
	if withCore {
		for _, m := range f.universe.Core {
			addWant(m, "*")
		}
	}

	var totalSize uint64
	specs := make([]PackageSpec, 0, len(order))
	for _, name := range order {
		builds, ok := f.universe.Projects[name]
		if !ok {
			return 0, nil, fmt.Errorf("no match for package %q", name)
		}
		build, ok, err := latestBuild(builds, wanted[name])
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return 0, nil, fmt.Errorf("no build of %q matches %q", name, wanted[name])
		}
		specs = append(specs, PackageSpec{
			Name:           name,
			Epoch:          build.Epoch,
			Version:        build.Version,
			Release:        build.Release,
			Arch:           build.Arch,
			Checksum:       build.Checksum,
			RemoteLocation: build.RemoteLocation,
		})
		totalSize += build.SizeBytes
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return totalSize, specs, nil
}

func (f *fileSolver) ListProjects(pattern string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	g, err := compileVersionGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var names []string
	for name := range f.universe.Projects {
		if g.Match(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fileSolver) Info(names []string) ([]ProjectInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	infos := make([]ProjectInfo, 0, len(names))
	for _, name := range names {
		builds, ok := f.universe.Projects[name]
		if !ok {
			return nil, fmt.Errorf("unknown project %q", name)
		}
		sorted := append([]fileBuild(nil), builds...)
		sort.Slice(sorted, func(i, j int) bool { return nevraLess(sorted[j], sorted[i]) })

		info := ProjectInfo{Name: name}
		if len(sorted) > 0 {
			info.Summary = sorted[0].Summary
			info.Description = sorted[0].Description
			info.Homepage = sorted[0].Homepage
		}
		for _, b := range sorted {
			info.Builds = append(info.Builds, ProjectBuild{
				Epoch:   b.Epoch,
				Release: b.Release,
				Arch:    b.Arch,
			})
		}
		infos = append(infos, info)
	}
	return infos, nil
}
