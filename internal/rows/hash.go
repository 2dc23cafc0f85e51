package rows

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprint identity.
// Version suffix enables future algorithm migration.
const (
	DomainPlan   = "fedq/plan/v1"
	DomainResult = "fedq/result/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PlanFingerprint identifies a reusable plan: request text plus the options
// that influence planning. Parameters are deliberately excluded so that one
// prepared plan serves every parameter binding.
func PlanFingerprint(text string, options map[string]string) (string, error) {
	if options == nil {
		options = map[string]string{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"text":    text,
		"options": options,
	})
	if err != nil {
		return "", fmt.Errorf("PlanFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPlan, canonical), nil
}

// ResultFingerprint identifies a finalized result: request text, options and
// the bound parameter values.
func ResultFingerprint(text string, params []Value, options map[string]string) (string, error) {
	if options == nil {
		options = map[string]string{}
	}
	if params == nil {
		params = []Value{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"text":    text,
		"params":  params,
		"options": options,
	})
	if err != nil {
		return "", fmt.Errorf("ResultFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainResult, canonical), nil
}
