package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"gradedb/pkg/csvio"
	"gradedb/pkg/logger"
	"gradedb/pkg/utils"
)

// RegisterCSV registers the table export and import endpoints.
func RegisterCSV(r *mux.Router) {
	r.HandleFunc("/csv", exportCSV).Methods(http.MethodGet)
	r.HandleFunc("/csv", importCSV).Methods(http.MethodPost)
}

func exportCSV(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	var paths []string
	for _, p := range strings.Split(r.URL.Query().Get("keys"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		utils.JSONError(w, http.StatusBadRequest, "keys param required")
		return
	}
	hidden := r.URL.Query().Get("hidden") == "true"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="grades.csv"`)
	if err := csvio.Export(w, paths, hidden); err != nil {
		logger.Error("csv_export_failed", "error", err)
	}
}

func importCSV(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	agent := r.Header.Get("X-Agent-ID")
	if agent == "" {
		utils.JSONError(w, http.StatusForbidden, "agent identity required")
		return
	}
	ts := time.Now().UTC()
	if v := r.URL.Query().Get("ts"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "ts must be RFC3339")
			return
		}
		ts = parsed.UTC()
	}
	n, err := csvio.Import(r.Body, agent, ts)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	logger.Info("csv_imported", "agent", agent, "count", n)
	utils.JSONWrite(w, http.StatusCreated, map[string]interface{}{"status": "imported", "count": n})
}
