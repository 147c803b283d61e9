package jobqueue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/weldr-composer/internal/common"
	"github.com/osbuild/weldr-composer/internal/errkind"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	return q
}

// newEnqueued is a convenience for the common "allocate a result dir,
// enqueue it" sequence most tests need before exercising the queue.
func newEnqueued(t *testing.T, q *Queue, buildID string) {
	t.Helper()
	_, err := q.NewBuild(buildID)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(buildID))
}

func TestEnqueueThenPopOldestMarksRunning(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")

	buildID, resultDir, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "build-1", buildID)
	assert.Equal(t, q.ResultDir("build-1"), resultDir)

	status, err := q.Status("build-1")
	require.NoError(t, err)
	assert.Equal(t, common.BuildRunning, status)

	_, err = os.Lstat(filepath.Join(q.runDir(), "build-1"))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(q.newDir(), "build-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestPopOldestOnEmptyQueueReturnsFalse(t *testing.T) {
	q := openTestQueue(t)
	buildID, resultDir, ok, err := q.PopOldest()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, buildID)
	assert.Empty(t, resultDir)
}

func TestPopOldestOrdersByCreationTime(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "first")
	time.Sleep(10 * time.Millisecond)
	newEnqueued(t, q, "second")

	buildID, _, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", buildID)

	buildID, _, ok, err = q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", buildID)
}

// TestPopOldestSkipsAlreadyCanceledWaitingBuild exercises the
// WAITING-re-check race in PopOldest: a build canceled while WAITING
// drops its new/ symlink and writes CANCELED directly (Queue.Cancel),
// but if something else re-links it into new/ after the status flip,
// PopOldest must still refuse to start it rather than clobber the
// CANCELED status back to RUNNING.
func TestPopOldestSkipsAlreadyCanceledWaitingBuild(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")
	require.NoError(t, q.Cancel("build-1"))

	// Cancel already removed the new/ symlink for a WAITING build; recreate
	// it to simulate a pop that raced a concurrent cancel and observed the
	// symlink before Cancel removed it.
	target, err := filepath.Rel(q.newDir(), q.ResultDir("build-1"))
	require.NoError(t, err)
	require.NoError(t, os.Symlink(target, filepath.Join(q.newDir(), "build-1")))

	buildID, resultDir, ok, err := q.PopOldest()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, buildID)
	assert.Empty(t, resultDir)

	status, err := q.Status("build-1")
	require.NoError(t, err)
	assert.Equal(t, common.BuildCanceled, status)

	_, err = os.Lstat(filepath.Join(q.runDir(), "build-1"))
	assert.True(t, os.IsNotExist(err), "PopOldest must not leave a run/ symlink for a skipped build")
}

func TestRecoverOrphanedMarksRunEntriesFailed(t *testing.T) {
	libDir := t.TempDir()
	q, err := Open(libDir)
	require.NoError(t, err)

	newEnqueued(t, q, "orphan")
	_, _, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)

	status, err := q.Status("orphan")
	require.NoError(t, err)
	require.Equal(t, common.BuildRunning, status)

	// Simulate the process dying mid-build (run/ symlink left behind) and
	// a fresh process reopening the same libDir.
	q2, err := Open(libDir)
	require.NoError(t, err)

	status, err = q2.Status("orphan")
	require.NoError(t, err)
	assert.Equal(t, common.BuildFailed, status)

	_, err = os.Lstat(filepath.Join(q2.runDir(), "orphan"))
	assert.True(t, os.IsNotExist(err), "recoverOrphaned must remove the stale run/ symlink")
}

func TestRecoverOrphanedIsNoOpWhenRunDirEmpty(t *testing.T) {
	libDir := t.TempDir()
	q, err := Open(libDir)
	require.NoError(t, err)
	newEnqueued(t, q, "still-waiting")

	_, err = Open(libDir)
	require.NoError(t, err)

	status, err := q.Status("still-waiting")
	require.NoError(t, err)
	assert.Equal(t, common.BuildWaiting, status)
}

func TestFinishRequiresTerminalStatus(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")

	err := q.Finish("build-1", common.BuildWaiting)
	assert.Error(t, err)

	err = q.Finish("build-1", common.BuildRunning)
	assert.Error(t, err)
}

func TestFinishWritesTerminalStatusAndRemovesRunSymlink(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")
	_, _, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Finish("build-1", common.BuildFinished))

	status, err := q.Status("build-1")
	require.NoError(t, err)
	assert.Equal(t, common.BuildFinished, status)

	_, err = os.Stat(filepath.Join(q.ResultDir("build-1"), "TS_FINISHED"))
	assert.NoError(t, err)

	_, err = os.Lstat(filepath.Join(q.runDir(), "build-1"))
	assert.True(t, os.IsNotExist(err))
}

// TestFinishReportsCanceledWhenCancelMarkerPresent exercises the
// RUNNING-cancel path: Cancel on a RUNNING build only drops a marker
// file, and it's Finish's job to turn a reported FAILED outcome into
// CANCELED when that marker is present.
func TestFinishReportsCanceledWhenCancelMarkerPresent(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")
	_, _, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Cancel("build-1"))
	status, err := q.Status("build-1")
	require.NoError(t, err)
	require.Equal(t, common.BuildRunning, status, "Cancel on a RUNNING build must not change STATUS directly")

	require.NoError(t, q.Finish("build-1", common.BuildFailed))

	status, err = q.Status("build-1")
	require.NoError(t, err)
	assert.Equal(t, common.BuildCanceled, status)
}

func TestFinishDoesNotOverrideSuccessWhenCanceled(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")
	_, _, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Cancel("build-1"))
	require.NoError(t, q.Finish("build-1", common.BuildFinished))

	status, err := q.Status("build-1")
	require.NoError(t, err)
	assert.Equal(t, common.BuildFinished, status)
}

func TestCancelWaitingRemovesNewSymlinkAndMarksCanceled(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")

	require.NoError(t, q.Cancel("build-1"))

	status, err := q.Status("build-1")
	require.NoError(t, err)
	assert.Equal(t, common.BuildCanceled, status)

	_, err = os.Lstat(filepath.Join(q.newDir(), "build-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestCancelRejectsTerminalBuild(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")
	_, _, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Finish("build-1", common.BuildFinished))

	err = q.Cancel("build-1")
	require.Error(t, err)
	assert.Equal(t, errkind.BuildInQueue, errkind.KindOf(err))
}

func TestDeleteRequiresTerminalStatus(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")

	err := q.Delete("build-1")
	require.Error(t, err)
	assert.Equal(t, errkind.BuildInQueue, errkind.KindOf(err))

	_, err = os.Stat(q.ResultDir("build-1"))
	assert.NoError(t, err, "a rejected Delete must not remove the result directory")
}

func TestDeleteRemovesResultDirAfterTerminal(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "build-1")
	_, _, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Finish("build-1", common.BuildFailed))

	require.NoError(t, q.Delete("build-1"))

	_, err = os.Stat(q.ResultDir("build-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestListFiltersByStatus(t *testing.T) {
	q := openTestQueue(t)
	newEnqueued(t, q, "waiting-1")
	newEnqueued(t, q, "to-finish")

	_, _, ok, err := q.PopOldest()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Finish("to-finish", common.BuildFinished))

	waiting, err := q.List(common.BuildWaiting, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"waiting-1"}, waiting)

	finished, err := q.List(common.BuildFinished, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"to-finish"}, finished)

	all, err := q.List(0, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"waiting-1", "to-finish"}, all)
}

func TestStatusOnUnknownBuildReturnsUnknownUUID(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Status("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, errkind.UnknownUUID, errkind.KindOf(err))
}
