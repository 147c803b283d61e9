package weldr

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// apiVersion is this server's `/api/v0` surface version; it has no
// independent source of truth elsewhere in the tree.
const apiVersion = "1"

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]interface{}{
		"api":            apiVersion,
		"db_supported":   true,
		"db_version":     s.SchemaVersion,
		"schema_version": s.SchemaVersion,
		"backend":        s.Backend,
		"build":          s.BuildVersion,
		"messages":       []string{},
	})
}
