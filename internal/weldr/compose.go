package weldr

import (
	"archive/tar"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/osbuild/weldr-composer/internal/common"
	"github.com/osbuild/weldr-composer/internal/errkind"
)

func (s *Server) handleComposeTypes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	types, err := s.Templates.Types()
	if err != nil {
		writeError(w, http.StatusInternalServerError, errkind.BadComposeType, err.Error())
		return
	}
	var entries []map[string]interface{}
	for _, t := range types {
		entries = append(entries, map[string]interface{}{
			"name":    t,
			"enabled": common.TypeAllowed(s.Arch, t),
		})
	}
	writeJSON(w, map[string]interface{}{"types": entries})
}

// composeRequest is the POST /compose body.
type composeRequest struct {
	BlueprintName string `json:"blueprint_name"`
	ComposeType   string `json:"compose_type"`
	Branch        string `json:"branch"`
}

func (s *Server) handleComposeStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body composeRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, errkind.BadCompose, err.Error())
		return
	}
	if !validateIdent(w, "blueprint_name", body.BlueprintName) || !validateIdent(w, "compose_type", body.ComposeType) {
		return
	}
	branch := body.Branch
	if branch == "" {
		branch = branchOf(r)
	}

	testMode, _ := strconv.Atoi(r.URL.Query().Get("test"))

	buildID, err := s.Composer.StartBuild(branch, body.BlueprintName, body.ComposeType, testMode)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true, "build_id": buildID})
}

// buildSummary is the per-build listing entry shared by
// queue/finished/failed/status.
type buildSummary struct {
	ID          string `json:"id"`
	Blueprint   string `json:"blueprint"`
	ComposeType string `json:"compose_type"`
	Status      string `json:"queue_status"`
}

func (s *Server) summarize(buildID string) buildSummary {
	resultDir := s.Queue.ResultDir(buildID)
	summary := buildSummary{ID: buildID}
	if data, err := os.ReadFile(filepath.Join(resultDir, "TYPE")); err == nil {
		summary.ComposeType = string(data)
	}
	if name := blueprintNameFromArtifact(resultDir); name != "" {
		summary.Blueprint = name
	}
	if status, err := s.Queue.Status(buildID); err == nil {
		summary.Status = status.String()
	}
	return summary
}

func blueprintNameFromArtifact(resultDir string) string {
	data, err := os.ReadFile(filepath.Join(resultDir, "blueprint.toml"))
	if err != nil {
		return ""
	}
	// the name is always the document's first `name = "..."` line
	for _, line := range splitLines(string(data)) {
		const prefix = `name = "`
		if len(line) > len(prefix) && line[:len(prefix)] == prefix {
			return line[len(prefix) : len(line)-1]
		}
	}
	return ""
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func (s *Server) handleComposeQueue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	newIDs, err := s.Queue.List(common.BuildWaiting, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	runIDs, err := s.Queue.List(common.BuildRunning, false)
	if err != nil {
		writeErr(w, err)
		return
	}

	newEntries := make([]buildSummary, 0, len(newIDs))
	for _, id := range newIDs {
		newEntries = append(newEntries, s.summarize(id))
	}
	runEntries := make([]buildSummary, 0, len(runIDs))
	for _, id := range runIDs {
		runEntries = append(runEntries, s.summarize(id))
	}
	writeJSON(w, map[string]interface{}{"new": newEntries, "run": runEntries})
}

func (s *Server) listByStatus(w http.ResponseWriter, status common.BuildStatus) {
	ids, err := s.Queue.List(status, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries := make([]buildSummary, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.summarize(id))
	}
	writeJSON(w, map[string]interface{}{"builds": entries})
}

func (s *Server) handleComposeFinished(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.listByStatus(w, common.BuildFinished)
}

func (s *Server) handleComposeFailed(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.listByStatus(w, common.BuildFailed)
}

func (s *Server) handleComposeStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	uuidsParam := p.ByName("uuids")
	if !validateIdent(w, "uuids", uuidsParam) {
		return
	}

	var ids []string
	if uuidsParam == "*" {
		all, err := s.Queue.List(0, true)
		if err != nil {
			writeErr(w, err)
			return
		}
		ids = all
	} else {
		ids = splitCommaList(uuidsParam)
	}

	entries := make([]buildSummary, 0, len(ids))
	var errs []apiError
	for _, id := range ids {
		if _, err := s.Queue.Status(id); err != nil {
			errs = append(errs, apiError{ID: string(errkind.KindOf(err)), Msg: err.Error()})
			continue
		}
		entries = append(entries, s.summarize(id))
	}
	writeJSON(w, map[string]interface{}{"uuids": entries, "errors": errs})
}

func (s *Server) handleComposeCancel(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("uuid")
	if !validateIdent(w, "uuid", id) {
		return
	}
	if err := s.Queue.Cancel(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}

func (s *Server) handleComposeDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("uuid")
	if !validateIdent(w, "uuid", id) {
		return
	}
	if err := s.Queue.Delete(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true, "uuids": []string{id}})
}

func (s *Server) handleComposeInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("uuid")
	if !validateIdent(w, "uuid", id) {
		return
	}
	status, err := s.Queue.Status(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	resultDir := s.Queue.ResultDir(id)
	commit, _ := os.ReadFile(filepath.Join(resultDir, "COMMIT"))
	writeJSON(w, map[string]interface{}{
		"id":            id,
		"config":        s.summarize(id),
		"queue_status":  status.String(),
		"commit":        string(commit),
	})
}

func (s *Server) handleComposeMetadata(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.serveResultFiles(w, p.ByName("uuid"), []string{"blueprint.toml", "frozen.toml", "deps.toml", "COMMIT"})
}

func (s *Server) handleComposeResults(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.serveResultFiles(w, p.ByName("uuid"), []string{"blueprint.toml", "frozen.toml", "deps.toml", "COMMIT", "final-kickstart.ks", "config.toml"})
}

func (s *Server) handleComposeLogs(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.serveResultFiles(w, p.ByName("uuid"), []string{"logs/stdout.log", "logs/stderr.log"})
}

// serveResultFiles tars the requested subset of a build's result
// directory, the same shape the real weldr API's metadata/results/logs
// endpoints serve.
func (s *Server) serveResultFiles(w http.ResponseWriter, id string, names []string) {
	if !validateIdent(w, "uuid", id) {
		return
	}
	if _, err := s.Queue.Status(id); err != nil {
		writeErr(w, err)
		return
	}
	resultDir := s.Queue.ResultDir(id)

	w.Header().Set("Content-Type", "application/x-tar")
	tw := tar.NewWriter(w)
	defer tw.Close()

	for _, name := range names {
		path := filepath.Join(resultDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_ = tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0644})
		_, _ = tw.Write(data)
	}
}

func (s *Server) handleComposeLog(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("uuid")
	if !validateIdent(w, "uuid", id) {
		return
	}
	if _, err := s.Queue.Status(id); err != nil {
		writeErr(w, err)
		return
	}
	data, err := os.ReadFile(filepath.Join(s.Queue.ResultDir(id), "logs", "stdout.log"))
	if err != nil {
		writeError(w, http.StatusNotFound, errkind.UnknownUUID, "no log yet")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleComposeImage(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("uuid")
	if !validateIdent(w, "uuid", id) {
		return
	}
	resultDir := s.Queue.ResultDir(id)
	entries, err := os.ReadDir(resultDir)
	if err != nil {
		writeErr(w, err)
		return
	}
	skip := map[string]bool{
		"COMMIT": true, "blueprint.toml": true, "frozen.toml": true, "deps.toml": true,
		"template.ks": true, "final-kickstart.ks": true, "config.toml": true, "STATUS": true,
		"TEST": true, "TS_CREATED": true, "TS_STARTED": true, "TS_FINISHED": true, "TYPE": true,
		"logs": true, "CANCEL": true, "gitrpms": true,
	}
	for _, e := range entries {
		if e.IsDir() || skip[e.Name()] {
			continue
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+e.Name()+`"`)
		http.ServeFile(w, r, filepath.Join(resultDir, e.Name()))
		return
	}
	writeError(w, http.StatusNotFound, errkind.UnknownUUID, "image artifact not produced")
}
