package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"gradedb/pkg/models"
	"gradedb/pkg/query"
	"gradedb/pkg/utils"
)

// RegisterStream registers the incremental delivery endpoint.
func RegisterStream(r *mux.Router) {
	r.HandleFunc("/stream", streamGrades).Methods(http.MethodGet)
}

// streamGrades answers with newline-delimited JSON: the first line holds
// every row already materialized, then one line per freshly resolved row
// as resolution completes. Chunks are flushed as they are written.
func streamGrades(w http.ResponseWriter, r *http.Request) {
	spec, err := specFromRequest(r)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ready, ch, err := query.Stream(spec)
	if err != nil {
		writeRows(w, nil, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	externalRows(ready)
	if ready == nil {
		ready = []models.Row{}
	}
	enc.Encode(map[string]interface{}{"rows": ready, "done": ch == nil})
	if flusher != nil {
		flusher.Flush()
	}
	if ch == nil {
		return
	}

	for batch := range ch {
		if batch.Err != nil {
			enc.Encode(map[string]interface{}{"error": batch.Err.Error(), "done": true})
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		externalRows(batch.Rows)
		enc.Encode(map[string]interface{}{"rows": batch.Rows, "done": false})
		if flusher != nil {
			flusher.Flush()
		}
	}
	enc.Encode(map[string]interface{}{"rows": []models.Row{}, "done": true})
	if flusher != nil {
		flusher.Flush()
	}
}
