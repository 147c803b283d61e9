// Package weldr implements the `/api/v0` HTTP surface (spec §6): one
// httprouter route per blueprint/project/module/compose operation,
// translating query/path parameters into calls against the store,
// resolver handle, and composer, and mapping internal errors onto the
// §7 taxonomy and HTTP status codes.
package weldr

import (
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/weldr-composer/internal/compose"
	"github.com/osbuild/weldr-composer/internal/errkind"
	"github.com/osbuild/weldr-composer/internal/jobqueue"
	"github.com/osbuild/weldr-composer/internal/rpmmd"
	"github.com/osbuild/weldr-composer/internal/store"
)

// Server wires the blueprint store, resolver handle, composer, and
// build queue into a single `/api/v0` HTTP handler.
type Server struct {
	Store     *store.Store
	Resolver  *rpmmd.Handle
	Composer  *compose.Composer
	Queue     *jobqueue.Queue
	Templates compose.TemplateSource
	Arch      string

	BuildVersion  string
	SchemaVersion string
	Backend       string

	router *httprouter.Router
	log    *logrus.Entry
}

// NewServer constructs a Server and wires its routing table.
func NewServer(st *store.Store, resolver *rpmmd.Handle, composer *compose.Composer, queue *jobqueue.Queue, templates compose.TemplateSource, arch, buildVersion, schemaVersion, backend string) *Server {
	s := &Server{
		Store:         st,
		Resolver:      resolver,
		Composer:      composer,
		Queue:         queue,
		Templates:     templates,
		Arch:          arch,
		BuildVersion:  buildVersion,
		SchemaVersion: schemaVersion,
		Backend:       backend,
	}
	s.log = logrus.WithField("component", "weldr")
	s.router = httprouter.New()
	s.router.RedirectTrailingSlash = false
	s.router.RedirectFixedPath = false
	s.router.MethodNotAllowed = http.HandlerFunc(s.methodNotAllowed)
	s.router.NotFound = http.HandlerFunc(s.notFound)

	s.router.GET("/api/v0/status", s.handleStatus)

	s.router.GET("/api/v0/blueprints/list", s.handleBlueprintsList)
	s.router.GET("/api/v0/blueprints/info/:names", s.handleBlueprintsInfo)
	s.router.POST("/api/v0/blueprints/new", s.handleBlueprintsNew)
	s.router.POST("/api/v0/blueprints/workspace", s.handleWorkspaceWrite)
	s.router.DELETE("/api/v0/blueprints/workspace/:name", s.handleWorkspaceDelete)
	s.router.DELETE("/api/v0/blueprints/delete/:name", s.handleBlueprintsDelete)
	s.router.GET("/api/v0/blueprints/changes/:names", s.handleBlueprintsChanges)
	s.router.POST("/api/v0/blueprints/undo/:name/:commit", s.handleBlueprintsUndo)
	s.router.POST("/api/v0/blueprints/tag/:name", s.handleBlueprintsTag)
	s.router.GET("/api/v0/blueprints/diff/:name/:from/:to", s.handleBlueprintsDiff)
	s.router.GET("/api/v0/blueprints/depsolve/:names", s.handleBlueprintsDepsolve)
	s.router.GET("/api/v0/blueprints/freeze/:names", s.handleBlueprintsFreeze)

	s.router.GET("/api/v0/projects/list", s.handleProjectsList)
	s.router.GET("/api/v0/projects/info/:names", s.handleProjectsInfo)
	s.router.GET("/api/v0/projects/depsolve/:names", s.handleProjectsDepsolve)
	s.router.GET("/api/v0/projects/source/list", s.handleSourcesList)
	s.router.GET("/api/v0/projects/source/info/:ids", s.handleSourcesInfo)
	s.router.POST("/api/v0/projects/source/new", s.handleSourcesNew)
	s.router.DELETE("/api/v0/projects/source/delete/:id", s.handleSourcesDelete)

	s.router.GET("/api/v0/modules/list", s.handleProjectsList)
	s.router.GET("/api/v0/modules/info/:names", s.handleProjectsInfo)

	s.router.GET("/api/v0/compose/types", s.handleComposeTypes)
	s.router.POST("/api/v0/compose", s.handleComposeStart)
	s.router.GET("/api/v0/compose/queue", s.handleComposeQueue)
	s.router.GET("/api/v0/compose/finished", s.handleComposeFinished)
	s.router.GET("/api/v0/compose/failed", s.handleComposeFailed)
	s.router.GET("/api/v0/compose/status/:uuids", s.handleComposeStatus)
	s.router.DELETE("/api/v0/compose/cancel/:uuid", s.handleComposeCancel)
	s.router.DELETE("/api/v0/compose/delete/:uuid", s.handleComposeDelete)
	s.router.GET("/api/v0/compose/info/:uuid", s.handleComposeInfo)
	s.router.GET("/api/v0/compose/metadata/:uuid", s.handleComposeMetadata)
	s.router.GET("/api/v0/compose/results/:uuid", s.handleComposeResults)
	s.router.GET("/api/v0/compose/logs/:uuid", s.handleComposeLogs)
	s.router.GET("/api/v0/compose/log/:uuid", s.handleComposeLog)
	s.router.GET("/api/v0/compose/image/:uuid", s.handleComposeImage)

	return s
}

// Serve blocks, serving the API on listener.
func (s *Server) Serve(listener net.Listener) error {
	server := http.Server{Handler: s}
	err := server.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.log.WithField("method", r.Method).WithField("path", r.URL.Path).Debug("request")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	s.router.ServeHTTP(w, r)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, errkind.BlueprintsError, "method not allowed")
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, errkind.BlueprintsError, "not found")
}

// apiError is the wire shape of one entry in an error response's
// "errors" array (spec §6/§7).
type apiError struct {
	ID  string `json:"id"`
	Msg string `json:"msg"`
}

// errorResponse is the {status:false, errors:[...]} body shape.
type errorResponse struct {
	Status bool       `json:"status"`
	Errors []apiError `json:"errors"`
}

func writeError(w http.ResponseWriter, httpStatus int, kind errkind.Kind, msg string) {
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Status: false,
		Errors: []apiError{{ID: string(kind), Msg: msg}},
	})
}

// writeErr classifies err via errkind.KindOf and writes the matching
// HTTP status + body.
func writeErr(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	writeError(w, statusForKind(kind), kind, err.Error())
}

func statusForKind(kind errkind.Kind) int {
	switch kind {
	case errkind.UnknownBlueprint, errkind.UnknownCommit, errkind.UnknownUUID, errkind.UnknownSource:
		return http.StatusNotFound
	case errkind.InvalidChars, errkind.BlueprintsError, errkind.BadCompose, errkind.BadComposeType,
		errkind.ProjectsError, errkind.SystemSource, errkind.BuildInQueue:
		return http.StatusBadRequest
	case errkind.BuildFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

// identPattern is the character allowlist applied to every
// path-segment and query-string identifier (spec §6): letters,
// digits, and the punctuation blueprint names/branches/uuids
// legitimately contain.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_.,:+=@/*-]+$`)

func validateIdent(w http.ResponseWriter, label, value string) bool {
	if value == "" || !identPattern.MatchString(value) {
		writeError(w, http.StatusBadRequest, errkind.InvalidChars, "Invalid characters in "+label)
		return false
	}
	return true
}

// decodeJSONBody decodes a JSON request body, the shape of the compose
// start body; blueprint and source bodies are TOML or JSON by content
// type.
func decodeJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeRepo decodes a source body as TOML or JSON depending on
// contentType, matching blueprint bodies' same content-negotiation
// rule (spec §6: "body TOML or JSON by content-type").
func decodeRepo(body []byte, contentType string, repo *rpmmd.RepoConfig) error {
	if strings.Contains(contentType, "toml") {
		_, err := toml.Decode(string(body), repo)
		return err
	}
	return json.Unmarshal(body, repo)
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
