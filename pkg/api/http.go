// Package api exposes the engine over HTTP: grade reads and writes, rule
// registration, CSV transfer and the incremental stream endpoint.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"gradedb/pkg/api/handlers"
	"gradedb/pkg/auth"
	"gradedb/pkg/store"
	"gradedb/pkg/utils"
)

// NewRouter builds the authenticated API router.
func NewRouter(sec auth.SecConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(auth.Middleware(sec)))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !store.Ready() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterGrades(v1)
	handlers.RegisterRules(v1)
	handlers.RegisterCSV(v1)
	handlers.RegisterStream(v1)
	return r
}
