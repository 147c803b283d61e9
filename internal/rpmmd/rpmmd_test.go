package rpmmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/weldr-composer/internal/blueprint"
)

func seededSolver() *fileSolver {
	s := NewFileSolver()
	s.SeedForTest(fileUniverse{
		Projects: map[string][]fileBuild{
			"fake-milhouse": {
				{Version: "1.0.0", Release: "1", Arch: "x86_64", SizeBytes: 100},
			},
			"tmux": {
				{Version: "3.2", Release: "1", Arch: "x86_64", SizeBytes: 200},
			},
			"filesystem": {
				{Version: "3.0", Release: "1", Arch: "x86_64", SizeBytes: 10},
			},
		},
		Groups: map[string][]string{},
		Core:   []string{"filesystem"},
	})
	return s
}

func TestDepsolveIsDeterministic(t *testing.T) {
	s := seededSolver()
	packages := []blueprint.Package{{Name: "tmux", Version: "*"}}

	size1, deps1, err := s.Depsolve(packages, nil, false)
	require.NoError(t, err)
	size2, deps2, err := s.Depsolve(packages, nil, false)
	require.NoError(t, err)

	assert.Equal(t, size1, size2)
	assert.Equal(t, deps1, deps2)
}

func TestDepsolveWithCoreAddsCorePackages(t *testing.T) {
	s := seededSolver()
	_, deps, err := s.Depsolve(nil, nil, true)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "filesystem", deps[0].Name)
}

// countingSolver counts Reload calls without touching real metadata,
// so refresh-timing tests don't depend on fileSolver's filesystem I/O.
type countingSolver struct {
	reloads int
}

func (c *countingSolver) Depsolve(packages []blueprint.Package, groups []blueprint.Group, withCore bool) (uint64, []PackageSpec, error) {
	return 0, nil, nil
}
func (c *countingSolver) ListProjects(pattern string) ([]string, error) { return nil, nil }
func (c *countingSolver) Info(names []string) ([]ProjectInfo, error)    { return nil, nil }
func (c *countingSolver) Reload(repos []RepoConfig) error               { c.reloads++; return nil }

func TestHandleMetadataExpiry(t *testing.T) {
	c := &countingSolver{}
	h := NewHandle(c, nil, 0)

	_, _, err := h.Depsolve(nil, nil, false, false)
	require.NoError(t, err)
	_, _, err = h.Depsolve(nil, nil, false, false)
	require.NoError(t, err)

	// expireSecs=0 means every acquire(mayRefresh) is considered stale.
	assert.Equal(t, 2, c.reloads)
}

func TestSourcesAddRejectsInvalidURL(t *testing.T) {
	h := NewHandle(NewFileSolver(), nil, 10)
	err := h.SourcesAdd(RepoConfig{ID: "bad", BaseURL: "not-a-url"})
	require.Error(t, err)

	_, err = h.SourcesInfo([]string{"bad"})
	require.Error(t, err)
}

func TestSourcesDeleteRejectsSystemSource(t *testing.T) {
	h := NewHandle(NewFileSolver(), []RepoConfig{{ID: "base", BaseURL: "https://example.com/repo", System: true}}, 10)
	err := h.SourcesDelete("base")
	require.Error(t, err)
}

func TestListProjectsGlobMatch(t *testing.T) {
	s := seededSolver()
	names, err := s.ListProjects("fake-*")
	require.NoError(t, err)
	assert.Equal(t, []string{"fake-milhouse"}, names)
}

func TestAcquireDoesNotRefreshWhenFresh(t *testing.T) {
	c := &countingSolver{}
	h := NewHandle(c, nil, 3600)

	_, _, err := h.Depsolve(nil, nil, false, false)
	require.NoError(t, err)
	_, _, err = h.Depsolve(nil, nil, false, false)
	require.NoError(t, err)

	assert.Equal(t, 1, c.reloads)
}

func TestBuildStartForcesRefreshRegardlessOfAge(t *testing.T) {
	c := &countingSolver{}
	h := NewHandle(c, nil, 3600)

	_, _, err := h.Depsolve(nil, nil, false, false)
	require.NoError(t, err)
	_, _, err = h.Depsolve(nil, nil, false, true)
	require.NoError(t, err)

	assert.Equal(t, 2, c.reloads)
}
