package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"gradedb/pkg/auth"
	"gradedb/pkg/keys"
	"gradedb/pkg/models"
	"gradedb/pkg/rules"
	"gradedb/pkg/utils"
)

// RegisterRules registers rule and agent administration endpoints.
// Rule registration requires a staff key; agent registration admin.
func RegisterRules(r *mux.Router) {
	r.HandleFunc("/rules/compute", addComputeRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/compute", listComputeRules).Methods(http.MethodGet)
	r.HandleFunc("/rules/deadline", addDeadlineRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/active", addGateRule(rules.AddActive)).Methods(http.MethodPost)
	r.HandleFunc("/rules/visible", addGateRule(rules.AddVisible)).Methods(http.MethodPost)
	r.HandleFunc("/rules/gates", listGates).Methods(http.MethodGet)
	r.HandleFunc("/rules/penalty", addPenaltyRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/meta", addMetaRule).Methods(http.MethodPost)
	r.HandleFunc("/agents", addAgent).Methods(http.MethodPost)
}

func requireStaff(w http.ResponseWriter, r *http.Request) bool {
	if auth.RoleFromRequest(r).Staff() {
		return true
	}
	utils.JSONError(w, http.StatusForbidden, "staff key required")
	return false
}

// relQuery normalizes a relative pattern like "part/grade" or "*".
func relQuery(p string) (string, error) {
	return keys.NormalizeQuery("/" + strings.Trim(p, "/"))
}

func addComputeRule(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	var body struct {
		Base   string   `json:"base"`
		Output string   `json:"output"`
		Inputs []string `json:"inputs"`
		Fn     string   `json:"fn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	base, err := keys.NormalizeQuery(body.Base)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	output, err := relQuery(body.Output)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	inputs := make([]string, 0, len(body.Inputs))
	for _, in := range body.Inputs {
		q, err := relQuery(in)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		inputs = append(inputs, q)
	}
	if err := rules.AddComputation(base, output, inputs, body.Fn); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.JSONWrite(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func listComputeRules(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"rules": rules.Computations()})
}

func addDeadlineRule(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	var body struct {
		Pattern string    `json:"pattern"`
		Due     time.Time `json:"due"`
		Penalty string    `json:"penalty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	pattern, err := keys.NormalizeQuery(body.Pattern)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := rules.GetPenalty(body.Penalty); !ok {
		utils.JSONError(w, http.StatusBadRequest, "unknown penalty "+body.Penalty)
		return
	}
	if err := rules.AddDeadline(pattern, body.Due, body.Penalty); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.JSONWrite(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func addGateRule(add func(string, time.Time) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStaff(w, r) {
			return
		}
		var body struct {
			Pattern string    `json:"pattern"`
			After   time.Time `json:"after"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		pattern, err := keys.NormalizeQuery(body.Pattern)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := add(pattern, body.After); err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.JSONWrite(w, http.StatusCreated, map[string]string{"status": "registered"})
	}
}

func listGates(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	active, visible := rules.Gates()
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"active": active, "visible": visible})
}

func addPenaltyRule(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	var body struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Fn          string `json:"fn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.ID == "" || body.Fn == "" {
		utils.JSONError(w, http.StatusBadRequest, "id and fn required")
		return
	}
	if err := rules.AddPenalty(body.ID, body.Description, body.Fn); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.JSONWrite(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func addMetaRule(w http.ResponseWriter, r *http.Request) {
	if !requireStaff(w, r) {
		return
	}
	var body struct {
		Pattern       string `json:"pattern"`
		Promotion     int    `json:"promotion"`
		KeyOrder      int    `json:"key_order"`
		KeyComment    string `json:"key_comment"`
		ValuesComment string `json:"values_comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	pattern, err := keys.NormalizeQuery(body.Pattern)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	m := rules.Meta{
		Pattern:       pattern,
		Promotion:     body.Promotion,
		KeyOrder:      body.KeyOrder,
		KeyComment:    body.KeyComment,
		ValuesComment: body.ValuesComment,
	}
	if err := rules.AddMeta(m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.JSONWrite(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func addAgent(w http.ResponseWriter, r *http.Request) {
	if auth.RoleFromRequest(r) != auth.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "admin key required")
		return
	}
	var a models.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if a.ID == "" || a.PublicKeyPEM == "" {
		utils.JSONError(w, http.StatusBadRequest, "id and public_key required")
		return
	}
	caps := make([]string, 0, len(a.Add)+len(a.Write))
	caps = append(caps, a.Add...)
	caps = append(caps, a.Write...)
	normAdd := make([]string, 0, len(a.Add))
	normWrite := make([]string, 0, len(a.Write))
	for i, p := range caps {
		q, err := keys.NormalizeQuery(p)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if i < len(a.Add) {
			normAdd = append(normAdd, q)
		} else {
			normWrite = append(normWrite, q)
		}
	}
	a.Add, a.Write = normAdd, normWrite
	if err := rules.SetAgent(a); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.JSONWrite(w, http.StatusCreated, map[string]string{"status": "registered"})
}
