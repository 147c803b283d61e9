package weldr

import (
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/osbuild/weldr-composer/internal/blueprint"
	"github.com/osbuild/weldr-composer/internal/errkind"
	"github.com/osbuild/weldr-composer/internal/rpmmd"
)

func (s *Server) handleProjectsList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit, offset := limitOffsetOf(r)
	names, total, err := s.Resolver.ListProjects("", limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"total":    total,
		"offset":   offset,
		"limit":    limit,
		"projects": names,
	})
}

func (s *Server) handleProjectsInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	namesParam := p.ByName("names")
	if !validateIdent(w, "names", namesParam) {
		return
	}
	infos, err := s.Resolver.Info(splitCommaList(namesParam))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"projects": infos})
}

func (s *Server) handleProjectsDepsolve(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	namesParam := p.ByName("names")
	if !validateIdent(w, "names", namesParam) {
		return
	}
	var packages []blueprint.Package
	for _, n := range splitCommaList(namesParam) {
		packages = append(packages, blueprint.Package{Name: n, Version: "*"})
	}
	_, deps, err := s.Resolver.Depsolve(packages, nil, false, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"projects": deps})
}

func (s *Server) handleSourcesList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]interface{}{"sources": s.Resolver.SourcesList()})
}

func (s *Server) handleSourcesInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	idsParam := p.ByName("ids")
	if !validateIdent(w, "ids", idsParam) {
		return
	}
	sources, err := s.Resolver.SourcesInfo(splitCommaList(idsParam))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"sources": sources})
}

func (s *Server) handleSourcesNew(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errkind.ProjectsError, err.Error())
		return
	}
	var repo rpmmd.RepoConfig
	if err := decodeRepo(body, r.Header.Get("Content-Type"), &repo); err != nil {
		writeError(w, http.StatusBadRequest, errkind.ProjectsError, err.Error())
		return
	}
	if err := s.Resolver.SourcesAdd(repo); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}

func (s *Server) handleSourcesDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	if !validateIdent(w, "id", id) {
		return
	}
	if err := s.Resolver.SourcesDelete(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": true})
}
