// Package worker implements the single background worker loop of
// spec §4.E: pop the oldest waiting build, invoke the downstream image
// builder, and finalize its artifact and terminal status.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/weldr-composer/internal/common"
	"github.com/osbuild/weldr-composer/internal/jobqueue"
)

// Config configures a Worker. BuilderPath is the path to the downstream
// image-builder executable. It is invoked as `builder <config.toml>`
// with its working directory set to the build's result directory.
type Config struct {
	BuilderPath string
	PollEvery   time.Duration
	// CancelGrace is how long watchCancellation waits after SIGTERM
	// before escalating to SIGKILL. Defaults to 5 seconds.
	CancelGrace time.Duration
}

// Worker drains jobqueue.Queue, one build at a time.
type Worker struct {
	queue *jobqueue.Queue
	cfg   Config
	log   *logrus.Entry
}

func New(queue *jobqueue.Queue, cfg Config) *Worker {
	if cfg.PollEvery == 0 {
		cfg.PollEvery = time.Second
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Worker{queue: queue, cfg: cfg, log: logrus.WithField("component", "worker")}
}

// Run processes builds until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce pops and runs every currently-waiting build, FIFO.
func (w *Worker) drainOnce(ctx context.Context) {
	for {
		buildID, resultDir, ok, err := w.queue.PopOldest()
		if err != nil {
			w.log.WithError(err).Error("failed to pop next build")
			return
		}
		if !ok {
			return
		}
		w.runOne(ctx, buildID, resultDir)
	}
}

func (w *Worker) runOne(ctx context.Context, buildID, resultDir string) {
	log := w.log.WithField("build", buildID)
	status := w.build(ctx, resultDir, log)
	if err := w.queue.Finish(buildID, status); err != nil {
		log.WithError(err).Error("failed to finalize build status")
	}
}

func (w *Worker) build(ctx context.Context, resultDir string, log *logrus.Entry) common.BuildStatus {
	if testMode, ok := readTestMode(resultDir); ok {
		return w.runTestMode(testMode, resultDir, log)
	}

	exitCode, err := w.runBuilder(ctx, resultDir, log)
	if err != nil {
		log.WithError(err).Error("builder invocation failed")
		return common.BuildFailed
	}
	if exitCode != 0 {
		log.WithField("exit_code", exitCode).Error("builder exited with failure")
		return common.BuildFailed
	}

	if err := finalizeArtifact(resultDir); err != nil {
		log.WithError(err).Error("failed to finalize build artifact")
		return common.BuildFailed
	}
	return common.BuildFinished
}

func readTestMode(resultDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(resultDir, "TEST"))
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// runTestMode honors the two synthetic test modes: 1 fails quickly,
// 2 succeeds quickly and leaves a fake artifact in place of a real build.
func (w *Worker) runTestMode(mode int, resultDir string, log *logrus.Entry) common.BuildStatus {
	log.WithField("test_mode", mode).Info("running in test mode, skipping real builder invocation")
	if mode == 1 {
		return common.BuildFailed
	}
	imageName := readImageName(resultDir)
	if imageName != "" {
		_ = os.WriteFile(filepath.Join(resultDir, imageName), []byte("fake artifact"), 0644)
	}
	return common.BuildFinished
}

// runBuilder execs the downstream builder, streaming stdout/stderr to
// logs/ under resultDir, and returns its exit code.
func (w *Worker) runBuilder(ctx context.Context, resultDir string, log *logrus.Entry) (int, error) {
	configPath := filepath.Join(resultDir, "config.toml")
	cmd := exec.CommandContext(ctx, w.cfg.BuilderPath, configPath)
	cmd.Dir = resultDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}

	logsDir := filepath.Join(resultDir, "logs")
	outFile, err := os.Create(filepath.Join(logsDir, "stdout.log"))
	if err != nil {
		return -1, err
	}
	defer outFile.Close()
	errFile, err := os.Create(filepath.Join(logsDir, "stderr.log"))
	if err != nil {
		return -1, err
	}
	defer errFile.Close()

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	go w.watchCancellation(ctx, cmd, resultDir)

	var g errgroup.Group
	g.Go(func() error { _, err := io.Copy(outFile, stdout); return err })
	g.Go(func() error { _, err := io.Copy(errFile, stderr); return err })
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("error streaming builder output")
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

// watchCancellation polls for the CANCEL marker written by
// jobqueue.Cancel and signals the builder's process group: terminate,
// then kill after a grace period.
func (w *Worker) watchCancellation(ctx context.Context, cmd *exec.Cmd, resultDir string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(filepath.Join(resultDir, "CANCEL")); err != nil {
				continue
			}
			if cmd.Process == nil {
				return
			}
			pgid := cmd.Process.Pid
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
			time.Sleep(w.cfg.CancelGrace)
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return
		}
	}
}

// finalizeArtifact renames the builder's output into the result
// directory under the configured image name, and prunes the builder's
// scratch directory when it is safe to do so.
func finalizeArtifact(resultDir string) error {
	imageName := readImageName(resultDir)
	if imageName == "" {
		return fmt.Errorf("worker: config.toml has no image_name or iso_name")
	}

	producedName := "boot.iso"
	if _, err := os.Stat(filepath.Join(resultDir, producedName)); err == nil && imageName != producedName {
		if err := os.Rename(filepath.Join(resultDir, producedName), filepath.Join(resultDir, imageName)); err != nil {
			return err
		}
	}

	scratch := filepath.Join(resultDir, "compose")
	if filepath.Base(scratch) == "compose" {
		if _, err := os.Stat(scratch); err == nil {
			_ = os.RemoveAll(scratch)
		}
	}
	return nil
}

func readImageName(resultDir string) string {
	data, err := os.ReadFile(filepath.Join(resultDir, "config.toml"))
	if err != nil {
		return ""
	}
	// live-iso configs name their artifact with iso_name instead.
	for _, key := range []string{"image_name", "iso_name"} {
		for _, line := range bytes.Split(data, []byte("\n")) {
			s := string(bytes.TrimSpace(line))
			if len(s) > len(key) && s[:len(key)] == key {
				idx := bytes.IndexByte(line, '"')
				last := bytes.LastIndexByte(line, '"')
				if idx >= 0 && last > idx {
					return string(line[idx+1 : last])
				}
			}
		}
	}
	return ""
}
