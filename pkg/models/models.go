// Package models defines the wire and storage types shared across the
// engine: raw grade facts, materialized rows, and agent identities.
package models

import (
	"fmt"
	"strconv"
	"time"
)

// Value is a grade value: bool, float64 or string. A nil Value means "no
// data". JSON decoding yields exactly these dynamic types.
type Value = interface{}

// ValidValue reports whether v is nil or one of the allowed value types.
func ValidValue(v Value) bool {
	switch v.(type) {
	case nil, bool, float64, string:
		return true
	case int:
		return true
	}
	return false
}

// NormalizeValue converts permitted aliases (ints from Go callers) into
// the canonical dynamic types.
func NormalizeValue(v Value) (Value, error) {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return v, nil
	case int:
		return float64(t), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// RawEntry is one immutable raw data point.
type RawEntry struct {
	User  string    `json:"user"`
	Key   string    `json:"key"`
	TS    time.Time `json:"ts"`
	Value Value     `json:"value"`
	Agent string    `json:"agent"`
	// Seq is the insertion sequence number, the tie-break for identical
	// timestamps (earliest insert wins).
	Seq uint64 `json:"seq,omitempty"`
}

// Current is a materialized current-value cache row.
type Current struct {
	User      string    `json:"user"`
	Key       string    `json:"key"`
	TS        time.Time `json:"ts"`
	Value     Value     `json:"value"`
	Computed  bool      `json:"computed"`
	Penalized bool      `json:"penalized,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Row is the projection returned by queries: a key for one user with its
// rule-derived flags. TS/Value are nil until a current value exists.
type Row struct {
	User      string     `json:"user"`
	Key       string     `json:"key"`
	TS        *time.Time `json:"ts"`
	Value     Value      `json:"value"`
	Raw       bool       `json:"raw,omitempty"`
	Computed  bool       `json:"computed,omitempty"`
	Compute   bool       `json:"compute,omitempty"`
	Active    bool       `json:"active"`
	Visible   bool       `json:"visible"`
	Penalized bool       `json:"penalized,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Promotion int        `json:"promotion,omitempty"`
	Order     int        `json:"order,omitempty"`
	Children  bool       `json:"children,omitempty"`
	Leaf      bool       `json:"leaf,omitempty"`
}

// Agent is a writer identity with signature key material and key-query
// capabilities.
type Agent struct {
	ID string `json:"id" yaml:"id"`
	// PublicKeyPEM holds a PEM-encoded RSA public key used to verify
	// signed payloads.
	PublicKeyPEM string `json:"public_key" yaml:"public_key"`
	// Add lists key queries under which the agent may create new keys.
	Add []string `json:"add" yaml:"add"`
	// Write lists key queries the agent may write raw values to.
	Write []string `json:"write" yaml:"write"`
}

// ToCSV renders a value as a CSV cell.
func ToCSV(v Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return t
	}
	return fmt.Sprint(v)
}

// FromCSV coerces a CSV cell using literal-token rules: "true"/"false"
// become bool, numeric literals become float64, empty becomes nil,
// anything else stays a string.
func FromCSV(cell string) Value {
	switch cell {
	case "":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}
