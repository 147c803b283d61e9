package blueprint

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// ValidateVersion rejects a malformed semver string. An empty string is
// not a valid version on its own — callers should default it via
// Initialize first.
func ValidateVersion(v string) error {
	if v == "" {
		return fmt.Errorf("empty version")
	}
	_, err := semver.NewVersion(v)
	return err
}

// BumpVersion implements the store's commit-time invariant (spec §3 /
// §4.A "New"): the committed version is monotonically non-decreasing.
// If bp's version is less than or equal to old, the patch field is
// bumped past old's patch. If bp has no version at all, it inherits
// old bumped by one patch.
func (bp *Blueprint) BumpVersion(old string) {
	next := bumpPatch(old)

	if bp.Version == "" {
		bp.Version = next
		return
	}

	newVer, err := semver.NewVersion(bp.Version)
	if err != nil {
		bp.Version = next
		return
	}
	oldVer, err := semver.NewVersion(old)
	if err != nil {
		// old has no valid history yet; bp's own version stands.
		return
	}
	if oldVer.LessThan(*newVer) {
		// strictly newer: no bump needed
		return
	}
	bp.Version = next
}

func bumpPatch(v string) string {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return "0.0.1"
	}
	ver.BumpPatch()
	return ver.String()
}
