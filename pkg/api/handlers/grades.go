package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"gradedb/pkg/auth"
	"gradedb/pkg/ingest"
	"gradedb/pkg/keys"
	"gradedb/pkg/logger"
	"gradedb/pkg/models"
	"gradedb/pkg/query"
	"gradedb/pkg/resolver"
	"gradedb/pkg/store"
	"gradedb/pkg/utils"
)

// RegisterGrades registers grade read and write endpoints.
func RegisterGrades(r *mux.Router) {
	r.HandleFunc("/grades", addGrade).Methods(http.MethodPost)
	r.HandleFunc("/grades/batch", addGradeBatch).Methods(http.MethodPost)
	r.HandleFunc("/grades", getGrades).Methods(http.MethodGet)
	r.HandleFunc("/multiget", multiget).Methods(http.MethodGet)
	r.HandleFunc("/history", history).Methods(http.MethodGet)
	r.HandleFunc("/children", listing(query.Children)).Methods(http.MethodGet)
	r.HandleFunc("/dirs", listing(query.Dirs)).Methods(http.MethodGet)
	r.HandleFunc("/leaves", listing(query.Leaves)).Methods(http.MethodGet)
	r.HandleFunc("/grandchildren", listing(query.Grandchildren)).Methods(http.MethodGet)
	r.HandleFunc("/inputs", listing(query.Inputs)).Methods(http.MethodGet)
	r.HandleFunc("/outputs", listing(query.Outputs)).Methods(http.MethodGet)
	r.HandleFunc("/keys", findKeys).Methods(http.MethodGet)
	r.HandleFunc("/users", listUsers).Methods(http.MethodGet)
}

// gradeEntry is the wire form of one fact: key in external slash form,
// zero ts means now.
type gradeEntry struct {
	User  string       `json:"user"`
	Key   string       `json:"key"`
	TS    time.Time    `json:"ts"`
	Value models.Value `json:"value"`
}

func (e gradeEntry) internal() (ingest.Entry, error) {
	k, err := keys.Normalize(e.Key)
	if err != nil {
		return ingest.Entry{}, err
	}
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ingest.Entry{User: e.User, Key: k, TS: ts, Value: e.Value}, nil
}

func addGrade(w http.ResponseWriter, r *http.Request) {
	agent := r.Header.Get("X-Agent-ID")
	if agent == "" || !auth.RoleFromRequest(r).Staff() {
		utils.JSONError(w, http.StatusForbidden, "agent identity required")
		return
	}
	var e gradeEntry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	in, err := e.internal()
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := ingest.Add(agent, in.User, in.Key, in.TS, in.Value); err != nil {
		writeIngestError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusCreated, map[string]string{"status": "added"})
}

// addGradeBatch accepts a signed payload: the raw JSON body is verified
// against the agent's registered key before anything is parsed out of it.
func addGradeBatch(w http.ResponseWriter, r *http.Request) {
	agent := r.Header.Get("X-Agent-ID")
	sig := r.Header.Get("X-Agent-Signature")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "read body")
		return
	}

	var wire []gradeEntry
	if sig != "" {
		signed, err := auth.Parse(agent, sig, string(body))
		if err != nil {
			status := http.StatusForbidden
			if errors.Is(err, auth.ErrUnknownAgent) {
				status = http.StatusNotFound
			}
			logger.Warn("signed_batch_rejected", "agent", agent, "error", err)
			utils.JSONError(w, status, err.Error())
			return
		}
		for _, s := range signed {
			wire = append(wire, gradeEntry{User: s.User, Key: s.Key, TS: s.TS, Value: s.Value})
		}
	} else {
		if agent == "" || !auth.RoleFromRequest(r).Staff() {
			utils.JSONError(w, http.StatusForbidden, "signature or staff key required")
			return
		}
		if err := json.Unmarshal(body, &wire); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	entries := make([]ingest.Entry, 0, len(wire))
	for _, e := range wire {
		in, err := e.internal()
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		entries = append(entries, in)
	}
	if err := ingest.Multiadd(agent, entries); err != nil {
		writeIngestError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusCreated, map[string]interface{}{"status": "added", "count": len(entries)})
}

func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrPermission):
		utils.JSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrConflict):
		utils.JSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, keys.ErrInvalidKey), errors.Is(err, keys.ErrInvalidQuery):
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// specFromRequest builds the selection from query params. The hidden
// param is honored for staff roles only.
func specFromRequest(r *http.Request) (query.Spec, error) {
	spec := query.Spec{User: r.URL.Query().Get("user")}
	if r.URL.Query().Get("hidden") == "true" && auth.RoleFromRequest(r).Staff() {
		spec.Hidden = true
	}
	if kp := r.URL.Query().Get("key"); kp != "" {
		k, err := keys.Normalize(kp)
		if err != nil {
			return spec, err
		}
		spec.Key = k
	}
	return spec, nil
}

func writeRows(w http.ResponseWriter, rows []models.Row, err error) {
	if err != nil {
		if errors.Is(err, resolver.ErrAmbiguousInput) || errors.Is(err, keys.ErrInvalidKey) || errors.Is(err, keys.ErrInvalidQuery) {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	externalRows(rows)
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

// externalRows rewrites internal dot keys back to slash form in place.
func externalRows(rows []models.Row) {
	for i := range rows {
		rows[i].Key = keys.Denormalize(rows[i].Key)
	}
}

func getGrades(w http.ResponseWriter, r *http.Request) {
	spec, err := specFromRequest(r)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := query.Get(spec)
	writeRows(w, rows, err)
}

func multiget(w http.ResponseWriter, r *http.Request) {
	spec, err := specFromRequest(r)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var keyList []string
	for _, p := range strings.Split(r.URL.Query().Get("keys"), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, err := keys.Normalize(p)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		keyList = append(keyList, k)
	}
	if len(keyList) == 0 {
		utils.JSONError(w, http.StatusBadRequest, "keys param required")
		return
	}
	pivoted, err := query.Multiget(keyList, spec)
	if err != nil {
		writeRows(w, nil, err)
		return
	}
	out := make([]map[string]models.Row, 0, len(pivoted))
	for _, byKey := range pivoted {
		m := make(map[string]models.Row, len(byKey))
		for _, row := range byKey {
			row.Key = keys.Denormalize(row.Key)
			m[row.Key] = row
		}
		out = append(out, m)
	}
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"users": out})
}

func history(w http.ResponseWriter, r *http.Request) {
	spec, err := specFromRequest(r)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := query.History(spec)
	writeRows(w, rows, err)
}

func listing(fn func(query.Spec) ([]models.Row, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec, err := specFromRequest(r)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		rows, err := fn(spec)
		writeRows(w, rows, err)
	}
}

func findKeys(w http.ResponseWriter, r *http.Request) {
	spec, err := specFromRequest(r)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	pattern, err := keys.NormalizeQuery(r.URL.Query().Get("q"))
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := query.FindKeys(pattern, spec)
	writeRows(w, rows, err)
}

func listUsers(w http.ResponseWriter, r *http.Request) {
	if !auth.RoleFromRequest(r).Staff() {
		utils.JSONError(w, http.StatusForbidden, "staff key required")
		return
	}
	users, err := store.ListUsers()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"users": users})
}
