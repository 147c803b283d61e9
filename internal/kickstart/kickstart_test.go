package kickstart

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/weldr-composer/internal/blueprint"
)

const sampleTemplate = `lang en_US.UTF-8
keyboard --xlayouts us --vckeymap us
timezone UTC
bootloader --location=mbr
firewall --enabled
%packages
@core
%end
`

func TestSpliceSynthesizesMissingDirectives(t *testing.T) {
	out, err := Splice("%packages\n@core\n%end\n", &blueprint.Customizations{})
	require.NoError(t, err)

	for _, want := range []string{"bootloader --location=none", "timezone UTC", "lang en_US.UTF-8", "keyboard --xlayouts us --vckeymap us"} {
		assert.Contains(t, out, want)
	}
	assert.True(t, strings.Index(out, "%packages") > strings.Index(out, "bootloader"))
}

func TestSpliceBootloaderAppendsKernelArgs(t *testing.T) {
	c := &blueprint.Customizations{Kernel: &blueprint.Kernel{Append: "nosmt=force"}}
	out, err := Splice(sampleTemplate, c)
	require.NoError(t, err)
	assert.Contains(t, out, `bootloader --location=mbr --append="nosmt=force"`)
}

func TestSpliceTimezoneOnlyIfAbsent(t *testing.T) {
	c := &blueprint.Customizations{Timezone: &blueprint.Timezone{Timezone: "America/New_York"}}
	out, err := Splice(sampleTemplate, c)
	require.NoError(t, err)
	// template already says "timezone UTC"; existing value wins.
	assert.Contains(t, out, "timezone UTC")
	assert.NotContains(t, out, "America/New_York")
}

func TestSpliceLangReplace(t *testing.T) {
	c := &blueprint.Customizations{Locale: &blueprint.Locale{Languages: []string{"fr_FR.UTF-8", "en_US.UTF-8"}}}
	out, err := Splice(sampleTemplate, c)
	require.NoError(t, err)
	assert.Contains(t, out, "lang fr_FR.UTF-8 --addsupport=en_US.UTF-8")
}

func TestSpliceKeyboardReplace(t *testing.T) {
	c := &blueprint.Customizations{Locale: &blueprint.Locale{Keyboard: "cz"}}
	out, err := Splice(sampleTemplate, c)
	require.NoError(t, err)
	assert.Contains(t, out, "keyboard --xlayouts cz --vckeymap cz")
}

func TestSpliceFirewallMergesSets(t *testing.T) {
	c := &blueprint.Customizations{Firewall: &blueprint.Firewall{Ports: []string{"22:tcp", "80:tcp"}}}
	out, err := Splice(sampleTemplate, c)
	require.NoError(t, err)
	assert.Contains(t, out, "--ports=22:tcp,80:tcp")
}

func TestSpliceFirewallDisabledInhibitsMerge(t *testing.T) {
	tmpl := "firewall --disabled\n%packages\n%end\n"
	c := &blueprint.Customizations{Firewall: &blueprint.Firewall{Ports: []string{"22:tcp"}}}
	out, err := Splice(tmpl, c)
	require.NoError(t, err)
	assert.Contains(t, out, "firewall --disabled")
	assert.NotContains(t, out, "--ports")
}

func TestSpliceServicesOmittedWhenEmpty(t *testing.T) {
	out, err := Splice(sampleTemplate, &blueprint.Customizations{})
	require.NoError(t, err)
	assert.NotContains(t, out, "\nservices")
}

func TestSpliceServicesUnionSorted(t *testing.T) {
	c := &blueprint.Customizations{Services: &blueprint.Services{Enabled: []string{"sshd", "chronyd"}}}
	out, err := Splice(sampleTemplate, c)
	require.NoError(t, err)
	assert.Contains(t, out, "services --enabled=chronyd,sshd")
}

func TestPostInstallRootUserGetsSSHKeyAndRootpw(t *testing.T) {
	password := "$6$abcd$hash"
	key := "ssh-ed25519 AAAA root@example"
	c := &blueprint.Customizations{
		Users: []blueprint.User{{Name: "root", Password: &password, Key: &key}},
	}
	lines, warnings, err := PostInstallDirectives(c)
	require.NoError(t, err)
	assert.Equal(t, 0, warnings)
	assert.Contains(t, lines, `sshkey --user root "ssh-ed25519 AAAA root@example"`)
	assert.Contains(t, lines, "rootpw --iscrypted $6$abcd$hash")
	assert.NotContains(t, lines, "rootpw --lock")
}

func TestPostInstallNonRootUserSkipsDuplicateGroup(t *testing.T) {
	c := &blueprint.Customizations{
		Users:  []blueprint.User{{Name: "alice"}},
		Groups: []blueprint.UserGroup{{Name: "alice"}},
	}
	lines, warnings, err := PostInstallDirectives(c)
	require.NoError(t, err)
	assert.Equal(t, 1, warnings)
	for _, l := range lines {
		assert.NotContains(t, l, "group --name=alice")
	}
}

func TestPostInstallDefaultsToLockedRootWhenNoPassword(t *testing.T) {
	c := &blueprint.Customizations{Users: []blueprint.User{{Name: "alice"}}}
	lines, _, err := PostInstallDirectives(c)
	require.NoError(t, err)
	assert.Contains(t, lines, "rootpw --lock")
}

func TestPostInstallGroupWithoutNameIsError(t *testing.T) {
	c := &blueprint.Customizations{Groups: []blueprint.UserGroup{{Name: ""}}}
	_, _, err := PostInstallDirectives(c)
	require.Error(t, err)
}
