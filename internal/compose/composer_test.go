package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/errkind"
	"github.com/osbuild/weldr-composer/internal/jobqueue"
	"github.com/osbuild/weldr-composer/internal/osrelease"
	"github.com/osbuild/weldr-composer/internal/rpmmd"
	"github.com/osbuild/weldr-composer/internal/store"
)

// stubSolver returns a fixed depsolve result regardless of input,
// decoupling composer tests from rpmmd's own depsolve semantics
// (already covered by rpmmd's own tests).
type stubSolver struct {
	size uint64
	deps []rpmmd.PackageSpec
}

func (s *stubSolver) Depsolve(packages []blueprint.Package, groups []blueprint.Group, withCore bool) (uint64, []rpmmd.PackageSpec, error) {
	return s.size, s.deps, nil
}
func (s *stubSolver) ListProjects(pattern string) ([]string, error)    { return nil, nil }
func (s *stubSolver) Info(names []string) ([]rpmmd.ProjectInfo, error) { return nil, nil }
func (s *stubSolver) Reload(repos []rpmmd.RepoConfig) error            { return nil }

// failingSolver always returns a depsolve error, used to exercise
// TestTemplates' failure-reporting path.
type failingSolver struct{}

func (*failingSolver) Depsolve(packages []blueprint.Package, groups []blueprint.Group, withCore bool) (uint64, []rpmmd.PackageSpec, error) {
	return 0, nil, fmt.Errorf("no repository configured")
}
func (*failingSolver) ListProjects(pattern string) ([]string, error)    { return nil, nil }
func (*failingSolver) Info(names []string) ([]rpmmd.ProjectInfo, error) { return nil, nil }
func (*failingSolver) Reload(repos []rpmmd.RepoConfig) error            { return nil }

// stubTemplates serves one fixed template body for every compose type
// named in its names field, standing in for a template directory.
type stubTemplates struct {
	names   []string
	body    string
	liveISO []blueprint.Package
}

func (s stubTemplates) Types() ([]string, error) { return s.names, nil }
func (s stubTemplates) Read(composeType string) (string, error) {
	return s.body, nil
}
func (s stubTemplates) LiveISOExtraPackages() ([]blueprint.Package, error) {
	return s.liveISO, nil
}

type fakePackager struct{ calls int }

func (f *fakePackager) Package(workDir string, entry blueprint.GitRepo, outputDir string) (string, error) {
	f.calls++
	path := filepath.Join(outputDir, entry.RPMName+".rpm")
	return path, os.WriteFile(path, []byte("fake"), 0644)
}

const testTemplate = `#version=RHEL8
text
reboot

%packages
@core
bash
%end
`

func newTestComposer(t *testing.T) (*Composer, *store.Store, *jobqueue.Queue) {
	t.Helper()
	libDir := t.TempDir()

	s, err := store.Open(filepath.Join(libDir, "store"))
	require.NoError(t, err)

	q, err := jobqueue.Open(filepath.Join(libDir, "queue-root"))
	require.NoError(t, err)

	solver := &stubSolver{
		size: 1000,
		deps: []rpmmd.PackageSpec{
			{Name: "bash", Version: "5.0", Release: "1.fc38", Arch: "x86_64"},
			{Name: "filesystem", Version: "3.0", Release: "1.fc38", Arch: "x86_64", Epoch: 1},
		},
	}
	resolver := rpmmd.NewHandle(solver, []rpmmd.RepoConfig{
		{ID: "fedora", Name: "Fedora", BaseURL: "https://example.invalid/repo", CheckSSL: true},
	}, 3600)

	c := &Composer{
		Store:      s,
		Resolver:   resolver,
		Templates:  stubTemplates{names: []string{"qcow2", "live-iso"}, body: testTemplate},
		Queue:      q,
		Packager:   &fakePackager{},
		OSRelease:  osrelease.OSRelease{Name: "Fedora Linux", PrettyName: "Fedora Linux 38", ID: "fedora", VersionID: "38"},
		Arch:       "x86_64",
		ScratchDir: t.TempDir(),
	}
	return c, s, q
}

func TestStartBuildWritesArtifactsAndEnqueues(t *testing.T) {
	c, s, q := newTestComposer(t)

	bp := blueprint.Blueprint{
		Name:    "base",
		Version: "0.0.1",
		Packages: []blueprint.Package{
			{Name: "bash", Version: "*"},
		},
	}
	_, err := s.New(store.DefaultBranch, bp)
	require.NoError(t, err)

	buildID, err := c.StartBuild(store.DefaultBranch, "base", "qcow2", 0)
	require.NoError(t, err)
	require.NotEmpty(t, buildID)

	resultDir := q.ResultDir(buildID)
	for _, name := range []string{"COMMIT", "blueprint.toml", "frozen.toml", "deps.toml", "template.ks", "final-kickstart.ks", "config.toml"} {
		_, err := os.Stat(filepath.Join(resultDir, name))
		assert.NoError(t, err, "expected artifact %s", name)
	}

	status, err := q.Status(buildID)
	require.NoError(t, err)
	assert.Equal(t, "WAITING", status.String())

	ks, err := os.ReadFile(filepath.Join(resultDir, "final-kickstart.ks"))
	require.NoError(t, err)
	assert.Contains(t, string(ks), "url --url=")
	assert.Contains(t, string(ks), "clearpart --all --initlabel")
	assert.Contains(t, string(ks), "bash-5.0-1.fc38.x86_64")
	assert.Contains(t, string(ks), "filesystem-1:3.0-1.fc38.x86_64")
}

func TestStartBuildAppliesKernelBootArgs(t *testing.T) {
	c, s, _ := newTestComposer(t)

	bp := blueprint.Blueprint{
		Name: "kernel-tweak",
		Customizations: &blueprint.Customizations{
			Kernel: &blueprint.Kernel{Append: "nosmt=force"},
		},
	}
	_, err := s.New(store.DefaultBranch, bp)
	require.NoError(t, err)

	buildID, err := c.StartBuild(store.DefaultBranch, "kernel-tweak", "qcow2", 0)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(c.Queue.ResultDir(buildID), "config.toml"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `extra_boot_args = "nosmt=force"`))
}

func TestStartBuildRejectsUnknownBlueprint(t *testing.T) {
	c, _, _ := newTestComposer(t)

	_, err := c.StartBuild(store.DefaultBranch, "does-not-exist", "qcow2", 0)
	require.Error(t, err)
	assert.Equal(t, errkind.UnknownBlueprint, errkind.KindOf(err))
}

func TestStartBuildRejectsDeniedTypeForArch(t *testing.T) {
	c, s, _ := newTestComposer(t)
	c.Arch = "s390x"
	c.Templates = stubTemplates{names: []string{"qcow2", "live-iso", "ami"}, body: testTemplate}

	bp := blueprint.Blueprint{Name: "base"}
	_, err := s.New(store.DefaultBranch, bp)
	require.NoError(t, err)

	_, err = c.StartBuild(store.DefaultBranch, "base", "ami", 0)
	require.Error(t, err)
	assert.Equal(t, errkind.BadComposeType, errkind.KindOf(err))
}

func TestStartBuildWritesTestModeMarker(t *testing.T) {
	c, s, q := newTestComposer(t)

	bp := blueprint.Blueprint{Name: "base"}
	_, err := s.New(store.DefaultBranch, bp)
	require.NoError(t, err)

	buildID, err := c.StartBuild(store.DefaultBranch, "base", "qcow2", 2)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(q.ResultDir(buildID), "TEST"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}

func TestCeilDiskBytesRoundsUp(t *testing.T) {
	assert.Equal(t, uint64(12), ceilDiskBytes(10))
	assert.Equal(t, uint64(0), ceilDiskBytes(0))
	assert.Equal(t, uint64(1200), ceilDiskBytes(1000))
}

func TestTestTemplatesReportsDepsolveFailuresWithoutError(t *testing.T) {
	c, _, _ := newTestComposer(t)
	c.Resolver = rpmmd.NewHandle(&failingSolver{}, nil, 3600)

	errs := c.TestTemplates()
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "depsolving qcow2")
	assert.Contains(t, errs[1], "depsolving live-iso")
}

func TestTestTemplatesSkipsTypesDeniedForArch(t *testing.T) {
	c, _, _ := newTestComposer(t)
	c.Arch = "s390x"
	c.Templates = stubTemplates{names: []string{"qcow2", "live-iso", "ami"}, body: testTemplate}
	c.Resolver = rpmmd.NewHandle(&failingSolver{}, nil, 3600)

	errs := c.TestTemplates()
	for _, e := range errs {
		assert.NotContains(t, e, "ami")
	}
}

var gitSig = object.Signature{Name: "tester", Email: "tester@localhost", When: time.Unix(0, 0)}

func initLocalRepo(t *testing.T) (dir string) {
	t.Helper()
	dir = t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0644))
	_, err = wt.Add("README")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{Author: &gitSig})
	require.NoError(t, err)
	return dir
}

func TestStartBuildEmitsGitRpmPackageLines(t *testing.T) {
	c, s, _ := newTestComposer(t)

	repoDir := initLocalRepo(t)
	bp := blueprint.Blueprint{
		Name: "with-gitrpm",
		Repos: &blueprint.Repos{
			Git: []blueprint.GitRepo{
				{RPMName: "example", RPMVersion: "1.0", RPMRelease: "1", Repo: repoDir, Ref: "master", Destination: "/opt/example"},
			},
		},
	}
	_, err := s.New(store.DefaultBranch, bp)
	require.NoError(t, err)

	buildID, err := c.StartBuild(store.DefaultBranch, "with-gitrpm", "qcow2", 0)
	require.NoError(t, err)

	ks, err := os.ReadFile(filepath.Join(c.Queue.ResultDir(buildID), "final-kickstart.ks"))
	require.NoError(t, err)
	assert.Contains(t, string(ks), `repo --name="gitrpms" --baseurl="file://`)
	assert.Contains(t, string(ks), "\nexample\n")
}

func TestMergeProjectsDedupesCaseInsensitively(t *testing.T) {
	merged := mergeProjects(
		[]blueprint.Package{{Name: "Bash", Version: "*"}},
		[]blueprint.Package{{Name: "bash", Version: "5.0"}, {Name: "vim", Version: "*"}},
	)
	require.Len(t, merged, 2)
	assert.Equal(t, "Bash", merged[0].Name)
	assert.Equal(t, "vim", merged[1].Name)
}
