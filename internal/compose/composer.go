// Package compose implements the composer orchestration of spec §4.D:
// validate the requested type, merge the blueprint's package set,
// depsolve it twice (once for size, once against the template), size
// the target partition, materialize git-rpm sources, assemble the
// final kickstart, and hand the build off to the queue.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/common"
	"github.com/osbuild/weldr-composer/internal/errkind"
	"github.com/osbuild/weldr-composer/internal/gitrpm"
	"github.com/osbuild/weldr-composer/internal/jobqueue"
	"github.com/osbuild/weldr-composer/internal/kickstart"
	"github.com/osbuild/weldr-composer/internal/osrelease"
	"github.com/osbuild/weldr-composer/internal/rpmmd"
	"github.com/osbuild/weldr-composer/internal/store"
)

// DepsDoc is the shape written to deps.toml.
type DepsDoc struct {
	Packages []rpmmd.PackageSpec `toml:"packages"`
}

// BuilderConfig is the document written to config.toml, consumed by
// the downstream image builder. Field names (including the embedded
// common.TypeConfig's) are part of that wire contract.
type BuilderConfig struct {
	common.TypeConfig
	Title         string   `toml:"title"`
	Project       string   `toml:"project"`
	Releasever    string   `toml:"releasever"`
	ExtraBootArgs string `toml:"extra_boot_args,omitempty"`
	TimeoutSecs   int    `toml:"timeout"`
	KickstartPath string `toml:"kickstart"`
}

// Composer wires together the blueprint store, resolver handle,
// template source, git-rpm packager, and build queue to implement
// start_build.
type Composer struct {
	Store      *store.Store
	Resolver   *rpmmd.Handle
	Templates  TemplateSource
	Queue      *jobqueue.Queue
	Packager   gitrpm.Packager
	OSRelease  osrelease.OSRelease
	Arch       string
	ScratchDir string
}

// StartBuild implements spec §4.D's start_build(branch, name, type,
// test_mode). It returns the freshly allocated build id.
func (c *Composer) StartBuild(branch, name, composeType string, testMode int) (string, error) {
	types, err := c.Templates.Types()
	if err != nil {
		return "", fmt.Errorf("compose: listing compose types: %w", err)
	}
	if err := validateComposeType(types, composeType, c.Arch, common.TypeAllowed); err != nil {
		return "", err
	}

	var extras []blueprint.Package
	if composeType == "live-iso" {
		extras, err = c.Templates.LiveISOExtraPackages()
		if err != nil {
			return "", fmt.Errorf("compose: reading live-iso extra packages: %w", err)
		}
	}

	bp, commitID, err := c.Store.GetCommitted(branch, name)
	if err != nil {
		return "", err
	}

	merged := mergeProjects(bp.Modules, bp.Packages, extras)

	installedSize, resolvedDeps, err := c.Resolver.Depsolve(merged, bp.Groups, false, true)
	if err != nil {
		return "", err
	}

	template, err := c.Templates.Read(composeType)
	if err != nil {
		return "", fmt.Errorf("compose: reading template for %q: %w", composeType, err)
	}
	templatePackages, templateGroups, nocore, err := parsePackagesSection(template)
	if err != nil {
		return "", err
	}
	templateSize, _, err := c.Resolver.DepsolveNoRefresh(templatePackages, templateGroups, !nocore)
	if err != nil {
		return "", err
	}

	partitionBytes := ceilDiskBytes(installedSize + templateSize)

	buildID := uuid.New().String()
	resultDir, err := c.Queue.NewBuild(buildID)
	if err != nil {
		return "", err
	}

	frozen := freeze(bp, resolvedDeps)

	if err := c.writeArtifacts(resultDir, commitID, bp, frozen, resolvedDeps, template); err != nil {
		return "", errkind.New(errkind.BuildFailed, buildID, "%v", err)
	}
	if err := c.writeComposeType(resultDir, composeType); err != nil {
		return "", errkind.New(errkind.BuildFailed, buildID, "%v", err)
	}

	gitRepoDirective := ""
	var gitRpms []gitrpm.Result
	if bp.Repos != nil && len(bp.Repos.Git) > 0 {
		gitWork := filepath.Join(c.ScratchDir, buildID+"-git")
		defer os.RemoveAll(gitWork)
		gitRepoDir := filepath.Join(resultDir, "gitrpms")
		results, baseURL, ok, err := gitrpm.Materialize(bp.Repos.Git, gitWork, gitRepoDir, c.Packager)
		if err != nil {
			return "", errkind.New(errkind.BuildFailed, buildID, "git-rpm materialization failed: %v", err)
		}
		if ok {
			gitRepoDirective = gitrpm.RepoDirective(baseURL)
			gitRpms = results
		}
	}

	customizedTemplate, err := kickstart.Splice(template, bp.Customizations)
	if err != nil {
		return "", errkind.New(errkind.BuildFailed, buildID, "%v", err)
	}

	finalScript, err := c.assembleFinalScript(customizedTemplate, gitRepoDirective, partitionBytes, resolvedDeps, gitRpms, bp.Customizations)
	if err != nil {
		return "", errkind.New(errkind.BuildFailed, buildID, "%v", err)
	}
	kickstartPath := filepath.Join(resultDir, "final-kickstart.ks")
	if err := os.WriteFile(kickstartPath, []byte(finalScript), 0644); err != nil {
		return "", err
	}

	cfg := c.builderConfig(composeType, bp, kickstartPath)
	cfgData, err := toml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(resultDir, "config.toml"), cfgData, 0644); err != nil {
		return "", err
	}

	if err := c.Queue.Enqueue(buildID); err != nil {
		return "", err
	}
	if testMode > 0 {
		if err := os.WriteFile(filepath.Join(resultDir, "TEST"), []byte(fmt.Sprintf("%d", testMode)), 0644); err != nil {
			return "", err
		}
	}

	return buildID, nil
}

// TestTemplates depsolves every enabled compose type's template once,
// reporting any failures without treating them as fatal — a startup
// self-check meant to surface a broken repository or template before
// the first real build hits it.
func (c *Composer) TestTemplates() []string {
	types, err := c.Templates.Types()
	if err != nil {
		return []string{fmt.Sprintf("listing compose types: %v", err)}
	}

	var errs []string
	for _, t := range types {
		if !common.TypeAllowed(c.Arch, t) {
			continue
		}
		template, err := c.Templates.Read(t)
		if err != nil {
			errs = append(errs, fmt.Sprintf("reading template %s: %v", t, err))
			continue
		}
		packages, groups, nocore, err := parsePackagesSection(template)
		if err != nil {
			errs = append(errs, fmt.Sprintf("parsing template %s: %v", t, err))
			continue
		}
		if _, _, err := c.Resolver.DepsolveNoRefresh(packages, groups, !nocore); err != nil {
			errs = append(errs, fmt.Sprintf("depsolving %s: %v", t, err))
		}
	}
	return errs
}

// mergeProjects forms sort_unique_ci(modules ∪ packages ∪ extras),
// keyed by lowercased name, sort key lowercased name (spec §4.D step 4).
func mergeProjects(lists ...[]blueprint.Package) []blueprint.Package {
	seen := map[string]blueprint.Package{}
	for _, list := range lists {
		for _, p := range list {
			key := strings.ToLower(p.Name)
			if _, ok := seen[key]; !ok {
				seen[key] = p
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make([]blueprint.Package, 0, len(keys))
	for _, k := range keys {
		merged = append(merged, seen[k])
	}
	return merged
}

// ceilDiskBytes computes ⌈1.2×x⌉ using integer arithmetic only
// (x*12+9)/10, avoiding floating-point rounding in a quantity that
// feeds directly into an on-disk partition size.
func ceilDiskBytes(x uint64) uint64 {
	return (x*12 + 9) / 10
}

// Freeze produces the frozen blueprint: the same document with every
// package/module version glob replaced by its resolved, fully
// qualified NEVRA version string. Exported so the weldr API's
// blueprints/freeze endpoint can reuse it without re-depsolving
// through the composer's full build path.
func Freeze(bp blueprint.Blueprint, deps []rpmmd.PackageSpec) blueprint.Blueprint {
	return freeze(bp, deps)
}

func freeze(bp blueprint.Blueprint, deps []rpmmd.PackageSpec) blueprint.Blueprint {
	frozen := bp.DeepCopy()
	resolved := map[string]rpmmd.PackageSpec{}
	for _, d := range deps {
		resolved[strings.ToLower(d.Name)] = d
	}
	freezeList := func(list []blueprint.Package) {
		for i, p := range list {
			if d, ok := resolved[strings.ToLower(p.Name)]; ok {
				list[i].Version = nevraVersion(d)
			}
		}
	}
	freezeList(frozen.Modules)
	freezeList(frozen.Packages)
	return frozen
}

func nevraVersion(d rpmmd.PackageSpec) string {
	if d.Epoch != 0 {
		return fmt.Sprintf("%d:%s-%s.%s", d.Epoch, d.Version, d.Release, d.Arch)
	}
	return fmt.Sprintf("%s-%s.%s", d.Version, d.Release, d.Arch)
}

func (c *Composer) writeArtifacts(resultDir, commitID string, bp, frozen blueprint.Blueprint, deps []rpmmd.PackageSpec, template string) error {
	if err := atomicWrite(filepath.Join(resultDir, "COMMIT"), []byte(commitID)); err != nil {
		return err
	}

	bpData, err := blueprint.EncodeTOML(bp)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(resultDir, "blueprint.toml"), bpData); err != nil {
		return err
	}

	frozenData, err := blueprint.EncodeTOML(frozen)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(resultDir, "frozen.toml"), frozenData); err != nil {
		return err
	}

	depsData, err := toml.Marshal(DepsDoc{Packages: deps})
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(resultDir, "deps.toml"), depsData); err != nil {
		return err
	}

	return atomicWrite(filepath.Join(resultDir, "template.ks"), []byte(template))
}

// writeComposeType records the requested compose type alongside the
// other reproducibility artifacts, so the weldr API's queue/status
// listings can report it without reparsing config.toml.
func (c *Composer) writeComposeType(resultDir, composeType string) error {
	return atomicWrite(filepath.Join(resultDir, "TYPE"), []byte(composeType))
}

func atomicWrite(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// assembleFinalScript builds final-kickstart.ks per spec §4.D step 11.
func (c *Composer) assembleFinalScript(customizedTemplate, gitRepoDirective string, partitionBytes uint64, deps []rpmmd.PackageSpec, gitRpms []gitrpm.Result, custom *blueprint.Customizations) (string, error) {
	var lines []string

	repos := c.Resolver.Repos()
	for i, r := range repos {
		if i == 0 {
			if args := r.KickstartArgs(); args != "" {
				lines = append(lines, "url "+args)
			}
			continue
		}
		name := fmt.Sprintf("composer-%d", i)
		if args := r.RepoKickstartArgs(name); args != "" {
			lines = append(lines, "repo "+args)
		}
	}
	if gitRepoDirective != "" {
		lines = append(lines, gitRepoDirective)
	}

	lines = append(lines, "clearpart --all --initlabel")
	partitionMiB := (partitionBytes + (1 << 20) - 1) / (1 << 20)
	lines = append(lines, fmt.Sprintf("part / --size=%d", partitionMiB))

	lines = append(lines, customizedTemplate)

	for _, d := range deps {
		lines = append(lines, nevra(d))
	}

	// One line per produced git-rpm package, named the way the real
	// installer resolves local repo packages: the RPM's file basename
	// with the ".rpm" extension stripped.
	for _, r := range gitRpms {
		lines = append(lines, strings.TrimSuffix(filepath.Base(r.PackagePath), ".rpm"))
	}

	lines = append(lines, "%end")

	postInstall, _, err := kickstart.PostInstallDirectives(custom)
	if err != nil {
		return "", err
	}
	lines = append(lines, postInstall...)

	return strings.Join(lines, "\n") + "\n", nil
}

func nevra(d rpmmd.PackageSpec) string {
	if d.Epoch != 0 {
		return fmt.Sprintf("%s-%d:%s-%s.%s", d.Name, d.Epoch, d.Version, d.Release, d.Arch)
	}
	return fmt.Sprintf("%s-%s-%s.%s", d.Name, d.Version, d.Release, d.Arch)
}

func (c *Composer) builderConfig(composeType string, bp blueprint.Blueprint, kickstartPath string) BuilderConfig {
	typeConfig := common.TypeConfigs[composeType]

	extraBootArgs := ""
	if bp.Customizations != nil && bp.Customizations.Kernel != nil {
		extraBootArgs = bp.Customizations.Kernel.Append
	}

	cfg := BuilderConfig{
		TypeConfig:    typeConfig,
		Title:         c.OSRelease.Title(),
		Project:       c.OSRelease.Project(),
		Releasever:    c.OSRelease.Releasever(),
		ExtraBootArgs: extraBootArgs,
		TimeoutSecs:   60 * 60,
		KickstartPath: kickstartPath,
	}
	if cfg.Compression == "" {
		cfg.Compression = "xz"
	}
	if cfg.CompressArgs == nil {
		cfg.CompressArgs = []string{}
	}
	return cfg
}
