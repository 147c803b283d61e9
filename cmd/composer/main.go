// Command composer runs the image-composition daemon: it serves the
// `/api/v0` weldr HTTP surface and drains the build queue in the
// background, sharing one blueprint store and resolver handle between
// the two.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coreos/go-systemd/daemon"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/weldr-composer/internal/compose"
	"github.com/osbuild/weldr-composer/internal/gitrpm"
	"github.com/osbuild/weldr-composer/internal/jobqueue"
	"github.com/osbuild/weldr-composer/internal/osrelease"
	"github.com/osbuild/weldr-composer/internal/rpmmd"
	"github.com/osbuild/weldr-composer/internal/store"
	"github.com/osbuild/weldr-composer/internal/weldr"
	"github.com/osbuild/weldr-composer/internal/worker"
)

// reposDoc is the on-disk shape of the --repos file: a flat list of
// the RepoConfig entries the resolver handle starts seeded with.
type reposDoc struct {
	Repos []rpmmd.RepoConfig `toml:"repo"`
}

func main() {
	var (
		listen         = flag.String("listen", ":4000", "address the weldr API listens on")
		libDir         = flag.String("lib-dir", "/var/lib/weldr-composer", "state directory for the blueprint store and build queue")
		templateDir    = flag.String("template-dir", "/usr/share/weldr-composer/templates", "directory of <compose-type>.ks kickstart templates")
		reposPath      = flag.String("repos", "", "TOML file listing the initial [[repo]] sources")
		reposIniPath   = flag.String("repos-ini", "", "DNF-style .repo file listing additional initial sources")
		builderPath    = flag.String("builder", "/usr/libexec/weldr-composer/builder", "path to the downstream image-builder executable")
		rpmbuildPath   = flag.String("rpmbuild", "rpmbuild", "path to the rpmbuild executable used to package git-rpm sources")
		createrepoPath = flag.String("createrepo", "createrepo_c", "path to the createrepo_c executable used to index the git-rpm local repo")
		arch           = flag.String("arch", "", "target architecture; defaults to the runtime GOARCH-derived value")
		expireSecs     = flag.Int64("metadata-expire-secs", 3600, "seconds before cached repository metadata is considered stale")
		pollEvery      = flag.Duration("poll-interval", time.Second, "interval between build-queue polls")
		schemaVersion  = flag.String("schema-version", "1", "schema_version reported by /api/v0/status")
		backend        = flag.String("backend", "weldr-composer", "backend name reported by /api/v0/status")
		buildVersion   = flag.String("build-version", "devel", "build version reported by /api/v0/status")
		logLevel       = flag.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
	)
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid -log-level")
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "main")

	targetArch := *arch
	if targetArch == "" {
		targetArch = runtimeArch()
	}

	st, err := store.Open(*libDir + "/store")
	if err != nil {
		log.WithError(err).Fatal("opening blueprint store")
	}

	osRelease, err := osrelease.LoadDefault()
	if err != nil {
		log.WithError(err).Warn("loading /etc/os-release, falling back to empty values")
	}

	solver := rpmmd.NewFileSolver()
	repos := append(loadRepos(*reposPath, log), loadReposIni(*reposIniPath, log)...)
	resolver := rpmmd.NewHandle(solver, repos, *expireSecs)

	q, err := jobqueue.Open(*libDir + "/queue")
	if err != nil {
		log.WithError(err).Fatal("opening build queue")
	}

	composer := &compose.Composer{
		Store:      st,
		Resolver:   resolver,
		Templates:  compose.DirTemplateSource{Dir: *templateDir},
		Queue:      q,
		Packager:   gitrpm.RPMBuildPackager{RPMBuild: *rpmbuildPath, Createrepo: *createrepoPath},
		OSRelease:  osRelease,
		Arch:       targetArch,
		ScratchDir: *libDir + "/scratch",
	}

	for _, msg := range composer.TestTemplates() {
		log.WithField("check", "test_templates").Warn(msg)
	}

	w := worker.New(q, worker.Config{BuilderPath: *builderPath, PollEvery: *pollEvery})

	server := weldr.NewServer(st, resolver, composer, q, composer.Templates, targetArch, *buildVersion, *schemaVersion, *backend)

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		log.WithError(err).Fatal("binding listen address")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go w.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", *listen).Info("serving /api/v0")
		errCh <- server.Serve(listener)
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("sd_notify READY failed")
	} else if sent {
		log.Debug("sd_notify READY=1 sent")
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		_ = listener.Close()
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Fatal("weldr API server exited")
		}
	}
}

// loadReposIni decodes a DNF-style .repo file from path. An empty path
// is not an error, mirroring loadRepos.
func loadReposIni(path string, log *logrus.Entry) []rpmmd.RepoConfig {
	if path == "" {
		return nil
	}
	repos, err := rpmmd.LoadReposINI(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Fatal("parsing repos-ini file")
	}
	return repos
}

// loadRepos decodes a TOML [[repo]] list from path. An empty path is
// not an error: the resolver simply starts with no sources configured,
// to be populated later via POST /projects/source/new.
func loadRepos(path string, log *logrus.Entry) []rpmmd.RepoConfig {
	if path == "" {
		return nil
	}
	var doc reposDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		log.WithError(err).WithField("path", path).Fatal("parsing repos file")
	}
	return doc.Repos
}

// runtimeArch maps Go's GOARCH onto the rpm-style arch names the rest
// of the tree (TypeConfigs' arch denylist, kickstart repo args) uses.
func runtimeArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}
