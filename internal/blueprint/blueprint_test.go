package blueprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOMLRoundTrip(t *testing.T) {
	src := []byte(`
name = "example-glusterfs"
description = "An example GlusterFS server with samba"
version = "0.0.1"

[[packages]]
name = "glusterfs"
version = "*"
`)
	bp, err := DecodeTOML(src)
	require.NoError(t, err)
	require.NoError(t, bp.Initialize())
	assert.Equal(t, "example-glusterfs", bp.Name)
	assert.Equal(t, []Group{}, bp.Groups)

	out, err := EncodeTOML(bp)
	require.NoError(t, err)

	bp2, err := DecodeTOML(out)
	require.NoError(t, err)
	require.NoError(t, bp2.Initialize())
	assert.Equal(t, bp, bp2)
}

func TestBumpVersionOnRepeat(t *testing.T) {
	bp := Blueprint{Name: "x", Version: "0.0.1"}
	bp.BumpVersion("0.0.1")
	assert.Equal(t, "0.0.2", bp.Version)
}

func TestBumpVersionOnRegress(t *testing.T) {
	bp := Blueprint{Name: "x", Version: "0.0.1"}
	bp.BumpVersion("0.2.1")
	assert.Equal(t, "0.2.2", bp.Version)
}

func TestBumpVersionNotNeeded(t *testing.T) {
	bp := Blueprint{Name: "x", Version: "0.3.0"}
	bp.BumpVersion("0.2.1")
	assert.Equal(t, "0.3.0", bp.Version)
}

func TestDiffAddedPackage(t *testing.T) {
	oldBp := Blueprint{
		Description: "An example GlusterFS server with samba",
		Version:     "0.0.1",
	}
	newBp := Blueprint{
		Description: "An example GlusterFS server with samba, ws version",
		Version:     "0.3.0",
		Packages:    []Package{{Name: "tmux", Version: "*"}},
	}

	diff := Diff(oldBp, newBp)
	require.Len(t, diff, 3)
	assert.Equal(t, map[string]interface{}{"Description": oldBp.Description}, diff[0].Old)
	assert.Equal(t, map[string]interface{}{"Description": newBp.Description}, diff[0].New)
	assert.Equal(t, map[string]interface{}{"Version": "0.0.1"}, diff[1].Old)
	assert.Equal(t, map[string]interface{}{"Version": "0.3.0"}, diff[1].New)
	assert.Nil(t, diff[2].Old)
	assert.Equal(t, map[string]interface{}{"Package": Package{Name: "tmux", Version: "*"}}, diff[2].New)
}

func TestDiffIdentical(t *testing.T) {
	bp := Blueprint{Name: "x", Description: "d", Version: "1.0.0"}
	assert.Empty(t, Diff(bp, bp))
}
