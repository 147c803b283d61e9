// Package store implements the blueprint store (spec §4.A): a
// content-versioned repository of blueprints, one git branch per
// named branch of history, with a mutable per-(branch,name) workspace
// overlay held outside the commit history.
//
// Every operation is serialized by a single process-wide mutex (the
// "store lock" of spec §5), backed by an advisory file lock so a
// second process sharing the same on-disk repository cannot race a
// commit.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/errkind"
)

const (
	DefaultBranch = "master"

	// NEWEST and WORKSPACE are the commit-id sentinels accepted by Diff.
	NEWEST    = "NEWEST"
	WORKSPACE = "WORKSPACE"
)

type Store struct {
	mu    sync.Mutex
	flk   *flock.Flock
	repo  *git.Repository
	dir   string
	wsDir string
	log   *logrus.Entry
}

// Open opens (initializing if necessary) a blueprint store rooted at
// dir. dir holds a git object database under dir/git and a workspace
// overlay tree under dir/git/workspace.
func Open(dir string) (*Store, error) {
	gitDir := filepath.Join(dir, "git")
	wsDir := filepath.Join(gitDir, "workspace")
	if err := os.MkdirAll(gitDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		return nil, err
	}

	fs := osfs.New(gitDir)
	storer := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())

	repo, err := git.Open(storer, fs)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.Init(storer, fs)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blueprint repository: %w", err)
	}

	return &Store{
		repo:  repo,
		dir:   dir,
		wsDir: wsDir,
		flk:   flock.New(filepath.Join(dir, ".lock")),
		log:   logrus.WithField("component", "store"),
	}, nil
}

func (s *Store) lock() (func(), error) {
	if err := s.flk.Lock(); err != nil {
		return nil, fmt.Errorf("locking store: %w", err)
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		_ = s.flk.Unlock()
	}, nil
}

func blueprintPath(name string) string {
	return name + ".toml"
}

func branchRef(branch string) plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(branch)
}

// headCommit returns the tip commit of branch, or nil if the branch
// has no commits yet.
func (s *Store) headCommit(branch string) (*object.Commit, error) {
	ref, err := s.repo.Reference(branchRef(branch), true)
	if err == plumbing.ErrReferenceNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.repo.CommitObject(ref.Hash())
}

func (s *Store) commitByHash(hash string) (*object.Commit, error) {
	h := plumbing.NewHash(hash)
	if h.IsZero() {
		return nil, errkind.New(errkind.UnknownCommit, hash, "malformed commit id")
	}
	c, err := s.repo.CommitObject(h)
	if err != nil {
		return nil, errkind.New(errkind.UnknownCommit, hash, "unknown commit")
	}
	return c, nil
}

// readFromCommit reads path's content at commit. ok is false if the
// path does not exist in that commit's tree.
func readFromCommit(commit *object.Commit, path string) (content []byte, ok bool, err error) {
	if commit == nil {
		return nil, false, nil
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, false, err
	}
	f, err := tree.File(path)
	if err == object.ErrFileNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s, err := f.Contents()
	if err != nil {
		return nil, false, err
	}
	return []byte(s), true, nil
}

// writeCommit builds a new tree from parent's tree with path replaced
// (or deleted, when content == nil) and commits it on branch.
func (s *Store) writeCommit(branch, path string, content []byte, message string) (plumbing.Hash, error) {
	parent, err := s.headCommit(branch)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var entries []object.TreeEntry
	if parent != nil {
		tree, err := parent.Tree()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		for _, e := range tree.Entries {
			if e.Name != path {
				entries = append(entries, e)
			}
		}
	}
	if content != nil {
		blobHash, err := s.writeBlob(content)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{
			Name: path,
			Mode: filemode.Regular,
			Hash: blobHash,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	treeHash, err := s.writeTree(entries)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	sig := object.Signature{Name: "weldr-composer", Email: "composer@localhost", When: time.Now()}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  treeHash,
	}
	if parent != nil {
		commit.ParentHashes = []plumbing.Hash{parent.Hash}
	}

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	commitHash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	ref := plumbing.NewHashReference(branchRef(branch), commitHash)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return plumbing.ZeroHash, err
	}

	return commitHash, nil
}

func (s *Store) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

func (s *Store) writeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	tree := &object.Tree{Entries: entries}
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

func (s *Store) workspacePath(branch, name string) string {
	return filepath.Join(s.wsDir, branch, name+".toml")
}

func (s *Store) readWorkspace(branch, name string) (blueprint.Blueprint, bool, error) {
	data, err := os.ReadFile(s.workspacePath(branch, name))
	if os.IsNotExist(err) {
		return blueprint.Blueprint{}, false, nil
	}
	if err != nil {
		return blueprint.Blueprint{}, false, err
	}
	bp, err := blueprint.DecodeTOML(data)
	if err != nil {
		return blueprint.Blueprint{}, false, err
	}
	return bp, true, nil
}
