package gitrpm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/weldr-composer/internal/blueprint"
)

var gitSig = object.Signature{Name: "tester", Email: "tester@localhost", When: time.Unix(0, 0)}

// fakePackager records what it was asked to package, standing in for
// an rpmbuild invocation in tests.
type fakePackager struct {
	calls int
}

func (f *fakePackager) Package(workDir string, entry blueprint.GitRepo, outputDir string) (string, error) {
	f.calls++
	path := filepath.Join(outputDir, entry.RPMName+".rpm")
	return path, os.WriteFile(path, []byte("fake rpm"), 0644)
}

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
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &gitSig,
	})
	require.NoError(t, err)
	return dir
}

// indexingPackager wraps fakePackager and records whether Index ran
// and over which directory, standing in for a createrepo_c invocation.
type indexingPackager struct {
	fakePackager
	indexed   bool
	indexedOn string
	indexErr  error
}

func (p *indexingPackager) Index(repoDir string) error {
	p.indexed = true
	p.indexedOn = repoDir
	return p.indexErr
}

func TestMaterializeIndexesRepoWhenPackagerSupportsIt(t *testing.T) {
	repoDir := initLocalRepo(t)
	entry := blueprint.GitRepo{
		RPMName:     "example",
		RPMVersion:  "1.0",
		RPMRelease:  "1",
		Repo:        repoDir,
		Ref:         "master",
		Destination: "/opt/example",
	}

	outDir := t.TempDir() + "/out"
	packager := &indexingPackager{}
	_, _, ok, err := Materialize([]blueprint.GitRepo{entry}, t.TempDir(), outDir, packager)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, packager.indexed)
	assert.Equal(t, outDir, packager.indexedOn)
}

func TestMaterializePropagatesIndexError(t *testing.T) {
	repoDir := initLocalRepo(t)
	entry := blueprint.GitRepo{
		RPMName:     "example",
		RPMVersion:  "1.0",
		RPMRelease:  "1",
		Repo:        repoDir,
		Ref:         "master",
		Destination: "/opt/example",
	}

	packager := &indexingPackager{indexErr: assert.AnError}
	_, _, ok, err := Materialize([]blueprint.GitRepo{entry}, t.TempDir(), t.TempDir()+"/out", packager)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestMaterializeReturnsFalseWhenNoEntries(t *testing.T) {
	_, _, ok, err := Materialize(nil, t.TempDir(), t.TempDir(), &fakePackager{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMaterializeClonesAndPackages(t *testing.T) {
	repoDir := initLocalRepo(t)
	entry := blueprint.GitRepo{
		RPMName:     "example",
		RPMVersion:  "1.0",
		RPMRelease:  "1",
		Repo:        repoDir,
		Ref:         "master",
		Destination: "/opt/example",
	}

	packager := &fakePackager{}
	results, baseURL, ok, err := Materialize([]blueprint.GitRepo{entry}, t.TempDir(), t.TempDir()+"/out", packager)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, 1, packager.calls)
	assert.Contains(t, baseURL, "file://")
	assert.Equal(t, RepoDirective(baseURL), `repo --name="gitrpms" --baseurl="`+baseURL+`"`)
}
