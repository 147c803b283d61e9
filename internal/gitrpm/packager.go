package gitrpm

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/osbuild/weldr-composer/internal/blueprint"
)

// RPMBuildPackager shells out to rpmbuild against a spec file
// synthesized from the blueprint.GitRepo entry's NEVRA and
// destination, the standard toolchain for turning a git worktree into
// an installable RPM.
type RPMBuildPackager struct {
	RPMBuild   string // defaults to "rpmbuild" on PATH
	Createrepo string // defaults to "createrepo_c" on PATH
}

func (p RPMBuildPackager) Package(workDir string, entry blueprint.GitRepo, outputDir string) (string, error) {
	rpmbuild := p.RPMBuild
	if rpmbuild == "" {
		rpmbuild = "rpmbuild"
	}

	specPath := filepath.Join(workDir, entry.RPMName+".spec")
	if err := os.WriteFile(specPath, []byte(renderSpec(entry)), 0644); err != nil {
		return "", fmt.Errorf("writing spec file: %w", err)
	}

	cmd := exec.Command(rpmbuild,
		"-bb",
		"--define", "_topdir "+workDir,
		"--define", "_rpmdir "+outputDir,
		"--define", "_sourcedir "+workDir,
		specPath,
	)
	cmd.Dir = workDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("rpmbuild failed: %w: %s", err, output)
	}

	return filepath.Join(outputDir, fmt.Sprintf("%s-%s-%s.noarch.rpm", entry.RPMName, entry.RPMVersion, entry.RPMRelease)), nil
}

// Index runs createrepo_c over repoDir, generating the repodata/
// metadata that lets a DNF-style resolver treat the directory as a
// proper repository rather than a bare pile of RPM files. Implements
// gitrpm.RepoIndexer.
func (p RPMBuildPackager) Index(repoDir string) error {
	createrepo := p.Createrepo
	if createrepo == "" {
		createrepo = "createrepo_c"
	}

	cmd := exec.Command(createrepo, repoDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("createrepo_c failed: %w: %s", err, output)
	}
	return nil
}

func renderSpec(entry blueprint.GitRepo) string {
	return fmt.Sprintf(`Name: %s
Version: %s
Release: %s
Summary: %s
License: Unknown
BuildArch: noarch

%%description
%s

%%files
%s
`, entry.RPMName, entry.RPMVersion, entry.RPMRelease, entry.Summary, entry.Summary, entry.Destination)
}
