package store

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/errkind"
)

// InfoResult is one entry of Info's per-name results.
type InfoResult struct {
	Name      string
	Blueprint blueprint.Blueprint
	Changed   bool
	Err       error
}

// List returns blueprint names on branch, sorted lexicographically,
// along with the authoritative total (unaffected by limit/offset).
func (s *Store) List(branch string, limit, offset int) ([]string, int, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	names, err := s.listNamesLocked(branch)
	if err != nil {
		return nil, 0, err
	}

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

func (s *Store) listNamesLocked(branch string) ([]string, error) {
	set := map[string]bool{}

	commit, err := s.headCommit(branch)
	if err != nil {
		return nil, err
	}
	if commit != nil {
		tree, err := commit.Tree()
		if err != nil {
			return nil, err
		}
		for _, e := range tree.Entries {
			if strings.HasSuffix(e.Name, ".toml") {
				set[strings.TrimSuffix(e.Name, ".toml")] = true
			}
		}
	}

	entries, err := os.ReadDir(s.wsDir + "/" + branch)
	if err == nil {
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".toml") {
				set[strings.TrimSuffix(e.Name(), ".toml")] = true
			}
		}
	}

	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Info returns, for each requested name, the effective blueprint
// (workspace overlay if present, else committed head) and whether the
// overlay differs from the head. Unknown names are reported per-name.
func (s *Store) Info(branch string, names []string) []InfoResult {
	unlock, err := s.lock()
	if err != nil {
		results := make([]InfoResult, len(names))
		for i, n := range names {
			results[i] = InfoResult{Name: n, Err: err}
		}
		return results
	}
	defer unlock()

	results := make([]InfoResult, 0, len(names))
	for _, name := range names {
		bp, changed, err := s.infoOneLocked(branch, name)
		results = append(results, InfoResult{Name: name, Blueprint: bp, Changed: changed, Err: err})
	}
	return results
}

func (s *Store) infoOneLocked(branch, name string) (blueprint.Blueprint, bool, error) {
	commit, err := s.headCommit(branch)
	if err != nil {
		return blueprint.Blueprint{}, false, err
	}
	committedData, committedOK, err := readFromCommit(commit, blueprintPath(name))
	if err != nil {
		return blueprint.Blueprint{}, false, err
	}

	ws, wsOK, err := s.readWorkspace(branch, name)
	if err != nil {
		return blueprint.Blueprint{}, false, err
	}

	if !committedOK && !wsOK {
		return blueprint.Blueprint{}, false, errkind.New(errkind.UnknownBlueprint, name, "unknown blueprint")
	}

	if !wsOK {
		bp, err := blueprint.DecodeTOML(committedData)
		return bp, false, err
	}

	if !committedOK {
		return ws, true, nil
	}

	committedBp, err := blueprint.DecodeTOML(committedData)
	if err != nil {
		return blueprint.Blueprint{}, false, err
	}
	changed := len(blueprint.Diff(committedBp, ws)) > 0
	return ws, changed, nil
}

// New validates and commits bp to branch's head, bumping its version
// if it repeats or regresses the previous head's version, and clears
// any workspace overlay for this name.
func (s *Store) New(branch string, bp blueprint.Blueprint) (string, error) {
	if err := validateName(bp.Name); err != nil {
		return "", err
	}
	unlock, err := s.lock()
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := bp.Initialize(); err != nil {
		return "", errkind.New(errkind.BlueprintsError, bp.Name, "%v", err)
	}

	commit, err := s.headCommit(branch)
	if err != nil {
		return "", err
	}
	oldData, oldOK, err := readFromCommit(commit, blueprintPath(bp.Name))
	if err != nil {
		return "", err
	}
	if oldOK {
		oldBp, err := blueprint.DecodeTOML(oldData)
		if err != nil {
			return "", err
		}
		bp.BumpVersion(oldBp.Version)
	}

	data, err := blueprint.EncodeTOML(bp)
	if err != nil {
		return "", err
	}

	hash, err := s.writeCommit(branch, blueprintPath(bp.Name), data, fmt.Sprintf("Recipe %s.toml saved", bp.Name))
	if err != nil {
		return "", err
	}

	_ = os.Remove(s.workspacePath(branch, bp.Name))

	return hash.String(), nil
}

// WorkspaceWrite writes bp as the dirty overlay for (branch, bp.Name)
// without committing it.
func (s *Store) WorkspaceWrite(branch string, bp blueprint.Blueprint) error {
	if err := validateName(bp.Name); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := bp.Initialize(); err != nil {
		return errkind.New(errkind.BlueprintsError, bp.Name, "%v", err)
	}

	data, err := blueprint.EncodeTOML(bp)
	if err != nil {
		return err
	}

	path := s.workspacePath(branch, bp.Name)
	if err := os.MkdirAll(dirOf(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// WorkspaceDelete removes the overlay for (branch, name), restoring
// visibility of the committed head.
func (s *Store) WorkspaceDelete(branch, name string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	path := s.workspacePath(branch, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Delete removes both the overlay and the committed entry for name.
func (s *Store) Delete(branch, name string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	commit, err := s.headCommit(branch)
	if err != nil {
		return err
	}
	_, existed, err := readFromCommit(commit, blueprintPath(name))
	if err != nil {
		return err
	}
	_ = os.Remove(s.workspacePath(branch, name))

	if !existed {
		return errkind.New(errkind.UnknownBlueprint, name, "unknown blueprint")
	}

	_, err = s.writeCommit(branch, blueprintPath(name), nil, fmt.Sprintf("Recipe %s.toml deleted", name))
	return err
}

// Changes returns the commit log for (branch, name), newest first,
// with the authoritative total.
func (s *Store) Changes(branch, name string, limit, offset int) ([]blueprint.Change, int, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	changes, err := s.changesLocked(branch, name)
	if err != nil {
		return nil, 0, err
	}

	total := len(changes)
	if offset > len(changes) {
		offset = len(changes)
	}
	changes = changes[offset:]
	if limit > 0 && limit < len(changes) {
		changes = changes[:limit]
	}
	return changes, total, nil
}

// changesLocked walks first-parent history from branch's tip,
// collecting one Change per commit where the blueprint's blob differs
// from its parent, newest first.
func (s *Store) changesLocked(branch, name string) ([]blueprint.Change, error) {
	commit, err := s.headCommit(branch)
	if err != nil {
		return nil, err
	}
	if commit == nil {
		return nil, nil
	}

	path := blueprintPath(name)
	revisions := s.revisionIndexLocked(branch, name)

	var changes []blueprint.Change
	for c := commit; c != nil; {
		hash, ok, err := treeBlobHash(c, path)
		if err != nil {
			return nil, err
		}

		var parent *object.Commit
		if len(c.ParentHashes) > 0 {
			parent, err = s.repo.CommitObject(c.ParentHashes[0])
			if err != nil {
				return nil, err
			}
		}
		parentHash, parentOK, err := func() (plumbing.Hash, bool, error) {
			if parent == nil {
				return plumbing.ZeroHash, false, nil
			}
			return treeBlobHash(parent, path)
		}()
		if err != nil {
			return nil, err
		}

		if ok && (!parentOK || hash != parentHash) {
			data, _, err := readFromCommit(c, path)
			if err != nil {
				return nil, err
			}
			bp, err := blueprint.DecodeTOML(data)
			if err != nil {
				return nil, err
			}
			change := blueprint.Change{
				Commit:    c.Hash.String(),
				Timestamp: c.Author.When.UTC().Format(time.RFC3339),
				Message:   c.Message,
				Blueprint: bp,
			}
			if rev, ok := revisions[c.Hash.String()]; ok {
				r := rev
				change.Revision = &r
			}
			changes = append(changes, change)
		}

		c = parent
		if c == nil {
			break
		}
	}
	return changes, nil
}

func treeBlobHash(commit *object.Commit, path string) (plumbing.Hash, bool, error) {
	tree, err := commit.Tree()
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	f, err := tree.File(path)
	if err == object.ErrFileNotFound {
		return plumbing.ZeroHash, false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	return f.Hash, true, nil
}

// Undo restores the blueprint content at commit as a new head commit.
func (s *Store) Undo(branch, name, commit string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	target, err := s.commitByHash(commit)
	if err != nil {
		return err
	}
	data, ok, err := readFromCommit(target, blueprintPath(name))
	if err != nil {
		return err
	}
	if !ok {
		return errkind.New(errkind.UnknownBlueprint, name, "blueprint not present at commit %s", commit)
	}

	_, err = s.writeCommit(branch, blueprintPath(name), data,
		fmt.Sprintf("%s.toml reverted to commit %s", name, commit))
	return err
}

// Tag attaches the next integer revision to the head commit for name.
// A second Tag with no intervening commit is a no-op.
func (s *Store) Tag(branch, name string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	commit, err := s.headCommit(branch)
	if err != nil {
		return err
	}
	if commit == nil {
		return errkind.New(errkind.UnknownBlueprint, name, "unknown blueprint")
	}
	_, ok, err := readFromCommit(commit, blueprintPath(name))
	if err != nil {
		return err
	}
	if !ok {
		return errkind.New(errkind.UnknownBlueprint, name, "unknown blueprint")
	}

	revisions := s.revisionIndexLocked(branch, name)
	if _, tagged := revisions[commit.Hash.String()]; tagged {
		return nil
	}

	max := 0
	for _, r := range revisions {
		if r > max {
			max = r
		}
	}
	next := max + 1

	tagName := revisionTagName(branch, name, next)
	ref := plumbing.NewHashReference(plumbing.NewTagReferenceName(tagName), commit.Hash)
	return s.repo.Storer.SetReference(ref)
}

func revisionTagName(branch, name string, rev int) string {
	return fmt.Sprintf("%s--%s--r%d", branch, name, rev)
}

// revisionIndexLocked returns a map of commit hash -> revision number
// for every revision tag recorded against (branch, name).
func (s *Store) revisionIndexLocked(branch, name string) map[string]int {
	out := map[string]int{}
	prefix := fmt.Sprintf("refs/tags/%s--%s--r", branch, name)
	iter, err := s.repo.References()
	if err != nil {
		return out
	}
	defer iter.Close()
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		refName := ref.Name().String()
		if !strings.HasPrefix(refName, prefix) {
			return nil
		}
		revStr := strings.TrimPrefix(refName, prefix)
		rev, err := strconv.Atoi(revStr)
		if err != nil {
			return nil
		}
		out[ref.Hash().String()] = rev
		return nil
	})
	return out
}

// Diff compares the blueprint content at "from" and "to", where each
// may be a commit id or the sentinels NEWEST/WORKSPACE.
func (s *Store) Diff(branch, name, from, to string) ([]blueprint.DiffEntry, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	oldBp, err := s.resolveRevisionLocked(branch, name, from)
	if err != nil {
		return nil, err
	}
	newBp, err := s.resolveRevisionLocked(branch, name, to)
	if err != nil {
		return nil, err
	}
	return blueprint.Diff(oldBp, newBp), nil
}

func (s *Store) resolveRevisionLocked(branch, name, rev string) (blueprint.Blueprint, error) {
	switch rev {
	case NEWEST:
		commit, err := s.headCommit(branch)
		if err != nil {
			return blueprint.Blueprint{}, err
		}
		data, ok, err := readFromCommit(commit, blueprintPath(name))
		if err != nil {
			return blueprint.Blueprint{}, err
		}
		if !ok {
			return blueprint.Blueprint{}, errkind.New(errkind.UnknownBlueprint, name, "unknown blueprint")
		}
		return blueprint.DecodeTOML(data)
	case WORKSPACE:
		ws, ok, err := s.readWorkspace(branch, name)
		if err != nil {
			return blueprint.Blueprint{}, err
		}
		if ok {
			return ws, nil
		}
		return s.resolveRevisionLocked(branch, name, NEWEST)
	default:
		commit, err := s.commitByHash(rev)
		if err != nil {
			return blueprint.Blueprint{}, err
		}
		data, ok, err := readFromCommit(commit, blueprintPath(name))
		if err != nil {
			return blueprint.Blueprint{}, err
		}
		if !ok {
			return blueprint.Blueprint{}, errkind.New(errkind.UnknownBlueprint, name, "blueprint not present at commit %s", rev)
		}
		return blueprint.DecodeTOML(data)
	}
}

// GetCommitted reads the committed head of (branch, name), bypassing
// any workspace overlay, along with the commit id that produced it.
// The composer uses this so a build is always reproducible from a
// commit, never from in-progress workspace edits.
func (s *Store) GetCommitted(branch, name string) (blueprint.Blueprint, string, error) {
	unlock, err := s.lock()
	if err != nil {
		return blueprint.Blueprint{}, "", err
	}
	defer unlock()

	commit, err := s.headCommit(branch)
	if err != nil {
		return blueprint.Blueprint{}, "", err
	}
	data, ok, err := readFromCommit(commit, blueprintPath(name))
	if err != nil {
		return blueprint.Blueprint{}, "", err
	}
	if !ok {
		return blueprint.Blueprint{}, "", errkind.New(errkind.UnknownBlueprint, name, "unknown blueprint")
	}
	bp, err := blueprint.DecodeTOML(data)
	if err != nil {
		return blueprint.Blueprint{}, "", err
	}
	return bp, commit.Hash.String(), nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func validateName(name string) error {
	if name == "" {
		return errkind.New(errkind.InvalidChars, name, "blueprint name must not be empty")
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 {
			return errkind.New(errkind.InvalidChars, name, "invalid characters in blueprint name")
		}
	}
	return nil
}
