package weldr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/compose"
	"github.com/osbuild/weldr-composer/internal/gitrpm"
	"github.com/osbuild/weldr-composer/internal/jobqueue"
	"github.com/osbuild/weldr-composer/internal/osrelease"
	"github.com/osbuild/weldr-composer/internal/rpmmd"
	"github.com/osbuild/weldr-composer/internal/store"
)

type nullSolver struct{}

func (nullSolver) Depsolve(packages []blueprint.Package, groups []blueprint.Group, withCore bool) (uint64, []rpmmd.PackageSpec, error) {
	return 0, nil, nil
}
func (nullSolver) ListProjects(pattern string) ([]string, error)    { return nil, nil }
func (nullSolver) Info(names []string) ([]rpmmd.ProjectInfo, error) { return nil, nil }
func (nullSolver) Reload(repos []rpmmd.RepoConfig) error            { return nil }

type noGitPackager struct{}

func (noGitPackager) Package(workDir string, entry blueprint.GitRepo, outputDir string) (string, error) {
	return "", nil
}

const testTemplate = `text
%packages
@core
%end
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	libDir := t.TempDir()

	st, err := store.Open(filepath.Join(libDir, "store"))
	require.NoError(t, err)

	q, err := jobqueue.Open(filepath.Join(libDir, "queue-root"))
	require.NoError(t, err)

	resolver := rpmmd.NewHandle(nullSolver{}, nil, 3600)

	templates := testTemplates{names: []string{"qcow2", "live-iso"}, body: testTemplate}

	composer := &compose.Composer{
		Store:      st,
		Resolver:   resolver,
		Templates:  templates,
		Queue:      q,
		Packager:   noGitPackager{},
		OSRelease:  osrelease.OSRelease{Name: "Test Linux", ID: "test", VersionID: "1"},
		Arch:       "x86_64",
		ScratchDir: t.TempDir(),
	}

	return NewServer(st, resolver, composer, q, templates, "x86_64", "1.0.0-test", "0", "weldr-test")
}

type testTemplates struct {
	names []string
	body  string
}

func (t testTemplates) Types() ([]string, error)                          { return t.names, nil }
func (t testTemplates) Read(composeType string) (string, error)          { return t.body, nil }
func (t testTemplates) LiveISOExtraPackages() ([]blueprint.Package, error) { return nil, nil }

var _ gitrpm.Packager = noGitPackager{}

func doRequest(s *Server, method, path, body, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestBlueprintNewBumpsVersionOnRepeat(t *testing.T) {
	s := newTestServer(t)

	body := `{"name":"example","version":"0.0.1","description":"d","packages":[],"modules":[],"groups":[]}`
	rec := doRequest(s, http.MethodPost, "/api/v0/blueprints/new", body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/v0/blueprints/new", body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v0/blueprints/info/example", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"0.0.2"`)
}

func TestComposeTypesReflectsArchDenylist(t *testing.T) {
	s := newTestServer(t)
	s.Composer.Arch = "s390x"
	s.Arch = "s390x"
	s.Templates = testTemplates{names: []string{"qcow2", "ami", "vhd"}, body: testTemplate}
	s.Composer.Templates = s.Templates

	rec := doRequest(s, http.MethodGet, "/api/v0/compose/types", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var decoded struct {
		Types []struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		} `json:"types"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))

	byName := map[string]bool{}
	for _, e := range decoded.Types {
		byName[e.Name] = e.Enabled
	}
	assert.False(t, byName["ami"])
	assert.False(t, byName["vhd"])
	assert.True(t, byName["qcow2"])
}

func TestComposeStartOnDeletedBlueprintReturnsUnknownBlueprint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v0/blueprints/new", `{"name":"gone","version":"0.0.1"}`, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(s, http.MethodDelete, "/api/v0/blueprints/delete/gone", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := `{"blueprint_name":"gone","compose_type":"qcow2","branch":"master"}`
	rec = doRequest(s, http.MethodPost, "/api/v0/compose", body, "application/json")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "UnknownBlueprint")
	assert.Contains(t, rec.Body.String(), `"status":false`)
}

func TestBlueprintsDeleteThenInfoReturnsUnknownBlueprint(t *testing.T) {
	s := newTestServer(t)

	body := `{"name":"gone","version":"0.0.1"}`
	rec := doRequest(s, http.MethodPost, "/api/v0/blueprints/new", body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/api/v0/blueprints/delete/gone", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v0/blueprints/info/gone", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "UnknownBlueprint")
}

func TestInvalidCharactersRejected(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v0/blueprints/info/bad%20name%3Bdrop", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidChars")
}
