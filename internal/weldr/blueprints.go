package weldr

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/compose"
	"github.com/osbuild/weldr-composer/internal/errkind"
	"github.com/osbuild/weldr-composer/internal/store"
)

func branchOf(r *http.Request) string {
	if b := r.URL.Query().Get("branch"); b != "" {
		return b
	}
	return store.DefaultBranch
}

func limitOffsetOf(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return
}

func (s *Server) handleBlueprintsList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	branch := branchOf(r)
	if !validateIdent(w, "branch", branch) {
		return
	}
	limit, offset := limitOffsetOf(r)
	names, total, err := s.Store.List(branch, limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"total":      total,
		"offset":     offset,
		"limit":      limit,
		"blueprints": names,
	})
}

func (s *Server) handleBlueprintsInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	namesParam := p.ByName("names")
	if !validateIdent(w, "names", namesParam) {
		return
	}
	branch := branchOf(r)

	names := splitCommaList(namesParam)
	results := s.Store.Info(branch, names)

	format := r.URL.Query().Get("format")

	var blueprints []interface{}
	var changes []map[string]interface{}
	var errs []apiError
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, apiError{ID: string(errkind.KindOf(res.Err)), Msg: res.Err.Error()})
			continue
		}
		if format == "toml" {
			data, err := blueprint.EncodeTOML(res.Blueprint)
			if err != nil {
				errs = append(errs, apiError{ID: string(errkind.BlueprintsError), Msg: err.Error()})
				continue
			}
			blueprints = append(blueprints, string(data))
		} else {
			blueprints = append(blueprints, res.Blueprint)
		}
		changes = append(changes, map[string]interface{}{"name": res.Name, "changed": res.Changed})
	}

	writeJSON(w, map[string]interface{}{
		"status":     true,
		"blueprints": blueprints,
		"changes":    changes,
		"errors":     errs,
	})
}

func (s *Server) handleBlueprintsNew(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errkind.BlueprintsError, err.Error())
		return
	}

	var bp blueprint.Blueprint
	if strings.Contains(r.Header.Get("Content-Type"), "toml") {
		bp, err = blueprint.DecodeTOML(body)
	} else {
		bp, err = blueprint.DecodeJSON(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, errkind.BlueprintsError, err.Error())
		return
	}

	branch := branchOf(r)
	if !validateIdent(w, "branch", branch) {
		return
	}

	if _, err := s.Store.New(branch, bp); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}

func (s *Server) handleWorkspaceWrite(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errkind.BlueprintsError, err.Error())
		return
	}

	var bp blueprint.Blueprint
	if strings.Contains(r.Header.Get("Content-Type"), "toml") {
		bp, err = blueprint.DecodeTOML(body)
	} else {
		bp, err = blueprint.DecodeJSON(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, errkind.BlueprintsError, err.Error())
		return
	}

	branch := branchOf(r)
	if !validateIdent(w, "branch", branch) {
		return
	}
	if err := s.Store.WorkspaceWrite(branch, bp); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}

func (s *Server) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("name")
	if !validateIdent(w, "name", name) {
		return
	}
	branch := branchOf(r)
	if err := s.Store.WorkspaceDelete(branch, name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}

func (s *Server) handleBlueprintsDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("name")
	if !validateIdent(w, "name", name) {
		return
	}
	branch := branchOf(r)
	if err := s.Store.Delete(branch, name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}

func (s *Server) handleBlueprintsChanges(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	namesParam := p.ByName("names")
	if !validateIdent(w, "names", namesParam) {
		return
	}
	branch := branchOf(r)
	limit, offset := limitOffsetOf(r)

	var entries []map[string]interface{}
	var errs []apiError
	for _, name := range splitCommaList(namesParam) {
		changes, total, err := s.Store.Changes(branch, name, limit, offset)
		if err != nil {
			errs = append(errs, apiError{ID: string(errkind.KindOf(err)), Msg: err.Error()})
			continue
		}
		entries = append(entries, map[string]interface{}{
			"name":    name,
			"total":   total,
			"changes": changes,
		})
	}
	writeJSON(w, map[string]interface{}{
		"status":     true,
		"blueprints": entries,
		"errors":     errs,
		"limit":      limit,
		"offset":     offset,
	})
}

func (s *Server) handleBlueprintsUndo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("name")
	commit := p.ByName("commit")
	if !validateIdent(w, "name", name) || !validateIdent(w, "commit", commit) {
		return
	}
	branch := branchOf(r)
	if err := s.Store.Undo(branch, name, commit); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}

func (s *Server) handleBlueprintsTag(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("name")
	if !validateIdent(w, "name", name) {
		return
	}
	branch := branchOf(r)
	if err := s.Store.Tag(branch, name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}

func (s *Server) handleBlueprintsDiff(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("name")
	from := p.ByName("from")
	to := p.ByName("to")
	if !validateIdent(w, "name", name) || !validateIdent(w, "from", from) || !validateIdent(w, "to", to) {
		return
	}
	branch := branchOf(r)
	diff, err := s.Store.Diff(branch, name, from, to)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"diff": diff})
}

func (s *Server) handleBlueprintsDepsolve(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	namesParam := p.ByName("names")
	if !validateIdent(w, "names", namesParam) {
		return
	}
	branch := branchOf(r)

	var entries []map[string]interface{}
	var errs []apiError
	for _, name := range splitCommaList(namesParam) {
		bp, _, err := s.Store.GetCommitted(branch, name)
		if err != nil {
			errs = append(errs, apiError{ID: string(errkind.KindOf(err)), Msg: err.Error()})
			continue
		}
		_, deps, err := s.Resolver.Depsolve(append(append([]blueprint.Package{}, bp.Modules...), bp.Packages...), bp.Groups, false, false)
		if err != nil {
			errs = append(errs, apiError{ID: string(errkind.KindOf(err)), Msg: err.Error()})
			continue
		}
		entries = append(entries, map[string]interface{}{
			"blueprint": bp,
			"dependencies": deps,
		})
	}
	writeJSON(w, map[string]interface{}{"blueprints": entries, "errors": errs})
}

func (s *Server) handleBlueprintsFreeze(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	namesParam := p.ByName("names")
	if !validateIdent(w, "names", namesParam) {
		return
	}
	branch := branchOf(r)
	format := r.URL.Query().Get("format")

	var entries []interface{}
	var errs []apiError
	for _, name := range splitCommaList(namesParam) {
		bp, _, err := s.Store.GetCommitted(branch, name)
		if err != nil {
			errs = append(errs, apiError{ID: string(errkind.KindOf(err)), Msg: err.Error()})
			continue
		}
		_, deps, err := s.Resolver.Depsolve(append(append([]blueprint.Package{}, bp.Modules...), bp.Packages...), bp.Groups, false, false)
		if err != nil {
			errs = append(errs, apiError{ID: string(errkind.KindOf(err)), Msg: err.Error()})
			continue
		}
		frozen := compose.Freeze(bp, deps)
		if format == "toml" {
			data, err := blueprint.EncodeTOML(frozen)
			if err != nil {
				errs = append(errs, apiError{ID: string(errkind.BlueprintsError), Msg: err.Error()})
				continue
			}
			entries = append(entries, string(data))
		} else {
			entries = append(entries, frozen)
		}
	}
	writeJSON(w, map[string]interface{}{"blueprints": entries, "errors": errs})
}
