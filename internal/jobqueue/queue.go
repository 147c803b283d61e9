// Package jobqueue implements the directory-based build queue of spec
// §4.E: a `queue/{new,run}` directory of symlinks, each pointing at a
// build's result directory under `results/<uuid>`, plus the status
// bookkeeping files inside that directory (`STATUS`, `TS_CREATED`,
// `TS_STARTED`, `TS_FINISHED`, `TEST`).
package jobqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/weldr-composer/internal/common"
	"github.com/osbuild/weldr-composer/internal/errkind"
)

const (
	cancelMarker = "CANCEL"
)

// Queue manages <libDir>/queue/{new,run} and <libDir>/results/<uuid>.
type Queue struct {
	libDir string
	log    *logrus.Entry
}

// Open prepares the queue directories under libDir and performs crash
// recovery: any symlink still present in run/ reflects a build that
// was mid-flight when the previous process died, and is reclassified
// FAILED.
func Open(libDir string) (*Queue, error) {
	q := &Queue{libDir: libDir, log: logrus.WithField("component", "jobqueue")}
	for _, dir := range []string{q.newDir(), q.runDir(), q.resultsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	if err := q.recoverOrphaned(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) newDir() string     { return filepath.Join(q.libDir, "queue", "new") }
func (q *Queue) runDir() string     { return filepath.Join(q.libDir, "queue", "run") }
func (q *Queue) resultsDir() string { return filepath.Join(q.libDir, "results") }

// ResultDir returns the result directory for buildID, creating nothing.
func (q *Queue) ResultDir(buildID string) string {
	return filepath.Join(q.resultsDir(), buildID)
}

func (q *Queue) recoverOrphaned() error {
	entries, err := os.ReadDir(q.runDir())
	if err != nil {
		return err
	}
	for _, e := range entries {
		buildID := e.Name()
		q.log.WithField("build", buildID).Warn("orphaned running build found at startup, marking failed")
		if err := writeStatus(q.ResultDir(buildID), common.BuildFailed); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(q.runDir(), buildID)); err != nil {
			return err
		}
	}
	return nil
}

// NewBuild allocates a fresh result directory for buildID. The caller
// populates it with reproducibility artifacts before calling Enqueue.
func (q *Queue) NewBuild(buildID string) (string, error) {
	dir := q.ResultDir(buildID)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return "", err
	}
	if err := writeTimestamp(dir, "TS_CREATED"); err != nil {
		return "", err
	}
	return dir, nil
}

// Enqueue writes STATUS=WAITING and atomically creates the new/
// symlink that makes the build visible to the worker.
func (q *Queue) Enqueue(buildID string) error {
	if err := writeStatus(q.ResultDir(buildID), common.BuildWaiting); err != nil {
		return err
	}
	target, err := filepath.Rel(q.newDir(), q.ResultDir(buildID))
	if err != nil {
		target = q.ResultDir(buildID)
	}
	return os.Symlink(target, filepath.Join(q.newDir(), buildID))
}

// PopOldest moves the oldest symlink in new/ to run/ and marks the
// build RUNNING, returning its id and result directory. ok is false
// if the queue is empty.
func (q *Queue) PopOldest() (buildID, resultDir string, ok bool, err error) {
	entries, err := os.ReadDir(q.newDir())
	if err != nil {
		return "", "", false, err
	}
	if len(entries) == 0 {
		return "", "", false, nil
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return "", "", false, err
		}
		candidates = append(candidates, candidate{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })
	buildID = candidates[0].name

	oldPath := filepath.Join(q.newDir(), buildID)
	newPath := filepath.Join(q.runDir(), buildID)
	target, err := os.Readlink(oldPath)
	if err != nil {
		return "", "", false, err
	}
	if err := os.Remove(oldPath); err != nil {
		return "", "", false, err
	}
	runTarget, err := filepath.Rel(q.runDir(), filepath.Join(q.newDir(), target))
	if err != nil {
		runTarget = filepath.Join(q.newDir(), target)
	}
	if err := os.Symlink(runTarget, newPath); err != nil {
		return "", "", false, err
	}

	resultDir = q.ResultDir(buildID)

	status, err := q.Status(buildID)
	if err != nil {
		return "", "", false, err
	}
	if status != common.BuildWaiting {
		// a concurrent cancel already claimed this build; skip it.
		_ = os.Remove(newPath)
		return "", "", false, nil
	}

	if err := writeStatus(resultDir, common.BuildRunning); err != nil {
		return "", "", false, err
	}
	if err := writeTimestamp(resultDir, "TS_STARTED"); err != nil {
		return "", "", false, err
	}
	return buildID, resultDir, true, nil
}

// Finish marks buildID with a terminal status, writes TS_FINISHED,
// and removes its run/ symlink.
func (q *Queue) Finish(buildID string, status common.BuildStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("jobqueue: %s is not a terminal status", status)
	}
	resultDir := q.ResultDir(buildID)
	if canceled, _ := q.isCanceled(resultDir); canceled && status == common.BuildFailed {
		status = common.BuildCanceled
	}
	if err := writeStatus(resultDir, status); err != nil {
		return err
	}
	if err := writeTimestamp(resultDir, "TS_FINISHED"); err != nil {
		return err
	}
	return os.Remove(filepath.Join(q.runDir(), buildID))
}

// Status reads the current STATUS of buildID.
func (q *Queue) Status(buildID string) (common.BuildStatus, error) {
	return readStatus(q.ResultDir(buildID))
}

// Cancel cancels buildID. Valid only while WAITING or RUNNING. A
// WAITING build loses its new/ symlink and is marked CANCELED at once;
// a RUNNING build gets a CANCEL marker, which Finish turns into
// CANCELED when the worker reports it FAILED.
func (q *Queue) Cancel(buildID string) error {
	status, err := q.Status(buildID)
	if err != nil {
		return err
	}
	if !status.Active() {
		return errkind.New(errkind.BuildInQueue, buildID, "build is not active")
	}

	resultDir := q.ResultDir(buildID)
	if status == common.BuildWaiting {
		if err := os.Remove(filepath.Join(q.newDir(), buildID)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return writeStatus(resultDir, common.BuildCanceled)
	}

	// RUNNING: drop a marker; the worker's completion path observes it
	// and finalizes as CANCELED instead of signalling separately here.
	return os.WriteFile(filepath.Join(resultDir, cancelMarker), []byte("1"), 0644)
}

func (q *Queue) isCanceled(resultDir string) (bool, error) {
	_, err := os.Stat(filepath.Join(resultDir, cancelMarker))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the entire result directory for a terminal build.
func (q *Queue) Delete(buildID string) error {
	status, err := q.Status(buildID)
	if err != nil {
		return err
	}
	if !status.Terminal() {
		return errkind.New(errkind.BuildInQueue, buildID, "cannot delete an active build")
	}
	return os.RemoveAll(q.ResultDir(buildID))
}

// List returns the build ids present in results/ whose status is
// filter, or all of them when anyStatus is true.
func (q *Queue) List(filter common.BuildStatus, anyStatus bool) ([]string, error) {
	entries, err := os.ReadDir(q.resultsDir())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if anyStatus {
			ids = append(ids, e.Name())
			continue
		}
		st, err := readStatus(filepath.Join(q.resultsDir(), e.Name()))
		if err != nil {
			continue
		}
		if st == filter {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func writeStatus(resultDir string, status common.BuildStatus) error {
	return atomicWriteFile(filepath.Join(resultDir, "STATUS"), []byte(status.String()))
}

func readStatus(resultDir string) (common.BuildStatus, error) {
	data, err := os.ReadFile(filepath.Join(resultDir, "STATUS"))
	if os.IsNotExist(err) {
		return 0, errkind.New(errkind.UnknownUUID, filepath.Base(resultDir), "unknown build")
	}
	if err != nil {
		return 0, err
	}
	status, ok := common.ParseBuildStatus(string(data))
	if !ok {
		return 0, fmt.Errorf("jobqueue: corrupt STATUS file for %s", resultDir)
	}
	return status, nil
}

func writeTimestamp(resultDir, name string) error {
	return atomicWriteFile(filepath.Join(resultDir, name), []byte(time.Now().UTC().Format(time.RFC3339)))
}

// atomicWriteFile writes content to a temp file in the same directory
// and renames it into place, so concurrent readers never observe a
// partial write.
func atomicWriteFile(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
