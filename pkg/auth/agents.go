package auth

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"gradedb/pkg/models"
	"gradedb/pkg/rules"
)

var (
	// ErrUnknownAgent reports a signature from an unregistered agent.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrInvalidSignature reports a payload failing RSA-SHA256
	// verification against the agent's public key.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SignedEntry is one entry of a signed grade payload, with the key still
// in external slash form.
type SignedEntry struct {
	User  string       `json:"user"`
	Key   string       `json:"key"`
	TS    time.Time    `json:"ts"`
	Value models.Value `json:"value"`
}

// Parse verifies signatureB64 (RSA-SHA256 over the raw JSON text,
// base64-encoded) against the agent's registered public key and decodes
// the payload.
func Parse(agentID, signatureB64, jsonText string) ([]SignedEntry, error) {
	agent, ok := rules.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	pub, err := parsePublicKey(agent.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("agent %q key material: %w", agentID, err)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrInvalidSignature, err)
	}
	digest := sha256.Sum256([]byte(jsonText))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return nil, fmt.Errorf("%w: agent %q", ErrInvalidSignature, agentID)
	}
	var entries []SignedEntry
	if err := json.Unmarshal([]byte(jsonText), &entries); err != nil {
		return nil, fmt.Errorf("signed payload: %w", err)
	}
	return entries, nil
}

func parsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return pub, nil
}
