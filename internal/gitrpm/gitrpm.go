// Package gitrpm implements the composer's git-rpm materialization
// step (spec §4.D step 10): for each blueprint `repos.git` entry,
// clone the repository at the pinned ref, build a source package,
// install it into the requested destination, build a binary package,
// and collect the results into a local repository the final kickstart
// can reference via a `repo --name="gitrpms"` directive.
package gitrpm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/osbuild/weldr-composer/internal/blueprint"
)

// Packager turns a blueprint.GitRepo entry into an installable RPM. A
// real implementation shells out to rpmbuild against a spec file
// derived from the entry; Packager abstracts that collaborator so
// the orchestration here stays independent of the host's packaging
// toolchain.
type Packager interface {
	// Package builds a binary RPM from the checked-out worktree at
	// workDir, installing its payload under destination, and returns
	// the path to the produced package file.
	Package(workDir string, entry blueprint.GitRepo, outputDir string) (packagePath string, err error)
}

// Result is the outcome of materializing one repos.git entry.
type Result struct {
	Entry       blueprint.GitRepo
	PackagePath string
}

// RepoIndexer builds RPM repository metadata (a repodata/ directory)
// over a directory of packages — the step that turns a bare directory
// of RPMs into something a DNF-style resolver can treat as a repo. A
// Packager that also implements RepoIndexer gets its Index method
// called once after all entries are packaged.
type RepoIndexer interface {
	Index(repoDir string) error
}

// Materialize clones and packages every entry, placing the produced
// RPMs into repoDir (which becomes the "gitrpms" local repository),
// and returns the repo's baseurl directive arguments. If entries is
// empty, ok is false and no directive should be emitted.
func Materialize(entries []blueprint.GitRepo, workDir, repoDir string, packager Packager) (results []Result, baseURL string, ok bool, err error) {
	if len(entries) == 0 {
		return nil, "", false, nil
	}
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return nil, "", false, fmt.Errorf("gitrpm: creating repo dir: %w", err)
	}

	for i, entry := range entries {
		checkout := filepath.Join(workDir, fmt.Sprintf("repo-%d", i))
		if err := cloneAt(entry, checkout); err != nil {
			return nil, "", false, fmt.Errorf("gitrpm: cloning %s@%s: %w", entry.Repo, entry.Ref, err)
		}

		packagePath, err := packager.Package(checkout, entry, repoDir)
		if err != nil {
			return nil, "", false, fmt.Errorf("gitrpm: packaging %s: %w", entry.RPMName, err)
		}
		results = append(results, Result{Entry: entry, PackagePath: packagePath})
	}

	if indexer, ok := packager.(RepoIndexer); ok {
		if err := indexer.Index(repoDir); err != nil {
			return nil, "", false, fmt.Errorf("gitrpm: indexing repo dir: %w", err)
		}
	}

	return results, "file://" + repoDir, true, nil
}

// cloneAt clones entry.Repo and checks out entry.Ref into dir. Ref may
// be a branch, tag, or commit hash.
func cloneAt(entry blueprint.GitRepo, dir string) error {
	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL: entry.Repo,
	})
	if err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	hash, err := resolveRef(repo, entry.Ref)
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: hash})
}

func resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if h, err := repo.ResolveRevision(plumbing.Revision(ref)); err == nil {
		return *h, nil
	}
	for _, prefix := range []string{"refs/heads/", "refs/tags/", "refs/remotes/origin/"} {
		if h, err := repo.ResolveRevision(plumbing.Revision(prefix + ref)); err == nil {
			return *h, nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("gitrpm: could not resolve ref %q", ref)
}

// RepoDirective renders the `repo --name="gitrpms" --baseurl="..."`
// line the composer appends to the final kickstart when any git-rpm
// entries were materialized.
func RepoDirective(baseURL string) string {
	return fmt.Sprintf("repo --name=%q --baseurl=%q", "gitrpms", baseURL)
}
