// Package rpmmd implements the resolver handle (spec §4.B): a single
// long-lived package-database handle with timed metadata expiry and
// mutual exclusion, plus the depsolve/list/info/source operations
// exposed through it.
//
// The real backend is an out-of-scope external package database (DNF
// style); Solver is the narrow interface the handle depsolves through,
// and fileSolver is a self-contained reference implementation driven
// by a JSON project universe, standing in for that collaborator.
package rpmmd

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/errkind"
)

// PackageSpec is one concrete, resolved package in a depsolve result.
type PackageSpec struct {
	Name           string `json:"name"`
	Epoch          int    `json:"epoch"`
	Version        string `json:"version"`
	Release        string `json:"release"`
	Arch           string `json:"arch"`
	Checksum       string `json:"checksum"`
	RemoteLocation string `json:"remote_location,omitempty"`
}

// ProjectInfo is the metadata returned by list_projects/info.
type ProjectInfo struct {
	Name        string          `json:"name"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Homepage    string          `json:"homepage,omitempty"`
	UpstreamVCS string          `json:"upstream_vcs,omitempty"`
	Builds      []ProjectBuild  `json:"builds,omitempty"`
}

// ProjectBuild is one concrete build of a project: its epoch, release
// and arch plus build metadata. The version is not included.
type ProjectBuild struct {
	Epoch     int    `json:"epoch"`
	Release   string `json:"release"`
	Arch      string `json:"arch"`
	BuildTime string `json:"build_time"`
	Changelog string `json:"changelog"`
	BuildConfigRef string `json:"build_config_ref"`
	BuildEnvRef    string `json:"build_env_ref"`
}

// RepoConfig describes one package repository source.
type RepoConfig struct {
	ID             string `json:"id" toml:"id"`
	Name           string `json:"name" toml:"name"`
	BaseURL        string `json:"baseurl,omitempty" toml:"baseurl,omitempty"`
	Metalink       string `json:"metalink,omitempty" toml:"metalink,omitempty"`
	Mirrorlist     string `json:"mirrorlist,omitempty" toml:"mirrorlist,omitempty"`
	GPGKey         string `json:"gpgkey,omitempty" toml:"gpgkey,omitempty"`
	CheckGPG       bool   `json:"check_gpg,omitempty" toml:"check_gpg,omitempty"`
	CheckSSL       bool   `json:"check_ssl,omitempty" toml:"check_ssl,omitempty"`
	System         bool   `json:"system,omitempty" toml:"-"`
}

// Location returns the repository's addressable location, preferring
// a direct base URL over a metalink/mirrorlist, for rendering into a
// kickstart `repo`/`url` directive.
func (r RepoConfig) Location() string {
	if r.BaseURL != "" {
		return r.BaseURL
	}
	if r.Metalink != "" {
		return r.Metalink
	}
	return r.Mirrorlist
}

// KickstartArgs renders the directive arguments for the first enabled
// source, the form consumed by the `url` kickstart directive.
func (r RepoConfig) KickstartArgs() string {
	loc := r.Location()
	if loc == "" {
		return ""
	}
	args := fmt.Sprintf("--url=%q", loc)
	if !r.CheckSSL {
		args += " --noverifyssl"
	}
	return args
}

// RepoKickstartArgs renders the directive arguments for an additional
// source, the form consumed by a `repo --name=<name>` directive.
func (r RepoConfig) RepoKickstartArgs(name string) string {
	loc := r.Location()
	if loc == "" {
		return ""
	}
	args := fmt.Sprintf("--name=%q --baseurl=%q", name, loc)
	if !r.CheckSSL {
		args += " --noverifyssl"
	}
	return args
}

// Solver is the narrow interface the resolver handle depsolves and
// looks up project metadata through. A real implementation shells out
// to (or links) the host package manager; fileSolver below is a
// reference implementation for tests and standalone operation.
type Solver interface {
	// Depsolve resolves packages+groups (name, version-glob pairs and
	// group names) into a concrete, closed package set. withCore
	// controls whether the distribution's core/base group is implied.
	Depsolve(packages []blueprint.Package, groups []blueprint.Group, withCore bool) (installedSize uint64, deps []PackageSpec, err error)

	// ListProjects returns project names matching pattern (a glob, ""
	// matches everything), sorted, sliced by limit/offset by the caller.
	ListProjects(pattern string) ([]string, error)

	// Info returns project metadata for the named projects.
	Info(names []string) ([]ProjectInfo, error)

	// Reload re-reads the underlying repository metadata.
	Reload(repos []RepoConfig) error
}

// Handle is the process-wide resolver handle: one mutex serializes
// every operation, and metadata is refreshed lazily on expiry or
// forcibly at the start of every build.
type Handle struct {
	mu          sync.Mutex
	solver      Solver
	repos       map[string]RepoConfig
	expireSecs  int64
	lastRefresh time.Time
}

// NewHandle constructs a resolver handle over solver, seeded with
// repos and a metadata expiry window.
func NewHandle(solver Solver, repos []RepoConfig, expireSecs int64) *Handle {
	repoMap := make(map[string]RepoConfig, len(repos))
	for _, r := range repos {
		repoMap[r.ID] = r
	}
	return &Handle{
		solver:     solver,
		repos:      repoMap,
		expireSecs: expireSecs,
	}
}

// acquire takes the handle's lock and, if mayRefresh is true and
// metadata is stale (or force is true), re-opens the underlying
// database before returning. The caller MUST call the returned
// release func, which is the only place the lock is dropped — the
// refresh and the operation that follows run under the same critical
// section.
func (h *Handle) acquire(mayRefresh, force bool) (release func(), err error) {
	h.mu.Lock()
	if mayRefresh {
		stale := force || h.expireSecs <= 0 || time.Since(h.lastRefresh) >= time.Duration(h.expireSecs)*time.Second
		if stale {
			if err := h.reloadLocked(); err != nil {
				h.mu.Unlock()
				return nil, err
			}
		}
	}
	return h.mu.Unlock, nil
}

func (h *Handle) reloadLocked() error {
	repos := h.sortedReposLocked()
	if err := h.solver.Reload(repos); err != nil {
		return fmt.Errorf("refreshing repository metadata: %w", err)
	}
	h.lastRefresh = time.Now()
	return nil
}

func (h *Handle) sortedReposLocked() []RepoConfig {
	ids := make([]string, 0, len(h.repos))
	for id := range h.repos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	repos := make([]RepoConfig, 0, len(ids))
	for _, id := range ids {
		repos = append(repos, h.repos[id])
	}
	return repos
}

// Depsolve resolves packages+groups under the exclusive+may-refresh
// acquire mode used by ordinary API calls. force, when true, mirrors
// spec §4.D step 5's requirement that a build start always refreshes
// regardless of age.
func (h *Handle) Depsolve(packages []blueprint.Package, groups []blueprint.Group, withCore, force bool) (uint64, []PackageSpec, error) {
	release, err := h.acquire(true, force)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	size, deps, err := h.solver.Depsolve(packages, groups, withCore)
	if err != nil {
		return 0, nil, errkind.New(errkind.ProjectsError, "", "%v", err)
	}
	return size, deps, nil
}

// DepsolveNoRefresh resolves without forcing or permitting a refresh,
// used by the compose template-only pass (spec §4.D step 6).
func (h *Handle) DepsolveNoRefresh(packages []blueprint.Package, groups []blueprint.Group, withCore bool) (uint64, []PackageSpec, error) {
	release, err := h.acquire(false, false)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	size, deps, err := h.solver.Depsolve(packages, groups, withCore)
	if err != nil {
		return 0, nil, errkind.New(errkind.ProjectsError, "", "%v", err)
	}
	return size, deps, nil
}

// ListProjects returns project names matching pattern, paginated.
func (h *Handle) ListProjects(pattern string, limit, offset int) ([]string, int, error) {
	release, err := h.acquire(true, false)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	names, err := h.solver.ListProjects(pattern)
	if err != nil {
		return nil, 0, errkind.New(errkind.ProjectsError, "", "%v", err)
	}
	sort.Strings(names)

	total := len(names)
	if offset > len(names) {
		offset = len(names)
	}
	names = names[offset:]
	if limit > 0 && limit < len(names) {
		names = names[:limit]
	}
	return names, total, nil
}

// Info returns project metadata for names.
func (h *Handle) Info(names []string) ([]ProjectInfo, error) {
	release, err := h.acquire(true, false)
	if err != nil {
		return nil, err
	}
	defer release()

	infos, err := h.solver.Info(names)
	if err != nil {
		return nil, errkind.New(errkind.ProjectsError, "", "%v", err)
	}
	return infos, nil
}

// SourcesList returns the configured source ids, sorted.
func (h *Handle) SourcesList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.repos))
	for id := range h.repos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Repos returns the configured sources in id order, used by the
// composer to render `url`/`repo` kickstart directives.
func (h *Handle) Repos() []RepoConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sortedReposLocked()
}

// SourcesInfo returns the configuration for the named sources.
func (h *Handle) SourcesInfo(ids []string) (map[string]RepoConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]RepoConfig, len(ids))
	for _, id := range ids {
		r, ok := h.repos[id]
		if !ok {
			return nil, errkind.New(errkind.UnknownSource, id, "unknown source")
		}
		out[id] = r
	}
	return out, nil
}

// SourcesAdd validates and persists repo into the handle's source
// configuration. Validation failures return synchronously without
// mutating state; the next acquire re-opens metadata to pick it up.
func (h *Handle) SourcesAdd(repo RepoConfig) error {
	if err := validateRepo(repo); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.repos[repo.ID] = repo
	h.lastRefresh = time.Time{}
	return nil
}

// SourcesDelete removes a source by id. Deleting a system-provided
// source is rejected.
func (h *Handle) SourcesDelete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, ok := h.repos[id]
	if !ok {
		return errkind.New(errkind.UnknownSource, id, "unknown source")
	}
	if repo.System {
		return errkind.New(errkind.SystemSource, id, "cannot delete a system source")
	}
	delete(h.repos, id)
	h.lastRefresh = time.Time{}
	return nil
}

func validateRepo(repo RepoConfig) error {
	if repo.ID == "" {
		return errkind.New(errkind.InvalidChars, repo.ID, "source id must not be empty")
	}
	if repo.BaseURL == "" && repo.Metalink == "" && repo.Mirrorlist == "" {
		return errkind.New(errkind.InvalidChars, repo.ID, "source must set one of baseurl, metalink, mirrorlist")
	}
	for _, loc := range []string{repo.BaseURL, repo.Metalink, repo.Mirrorlist} {
		if loc == "" {
			continue
		}
		if !looksLikeURL(loc) {
			return errkind.New(errkind.InvalidChars, repo.ID, "invalid URL %q", loc)
		}
	}
	return nil
}

func looksLikeURL(s string) bool {
	for _, prefix := range []string{"http://", "https://", "file://"} {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// compileVersionGlob compiles a blueprint version-glob string (e.g.
// "1.*", "*") into a matcher. Version glob syntax is opaque to the
// core beyond standard glob metacharacters.
func compileVersionGlob(pattern string) (glob.Glob, error) {
	if pattern == "" {
		pattern = "*"
	}
	return glob.Compile(pattern)
}
