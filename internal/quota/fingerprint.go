package quota

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/cubexhq/usagegate/internal/model"
)

// fingerprintKey is deliberately a fixed, non-secret constant: fingerprints
// must be stable across deployments and key rotations, they only need to be
// collision-resistant, not unforgeable.
const fingerprintKey = "request_fingerprint_v1"

// canonicalRequest is marshaled with its fields in sorted key order; together
// with encoding/json's compact output this gives a canonical byte form.
type canonicalRequest struct {
	Endpoint      string             `json:"endpoint"`
	Method        string             `json:"method"`
	PayloadHash   string             `json:"payload_hash"`
	UsageEstimate *canonicalEstimate `json:"usage_estimate"`
}

type canonicalEstimate struct {
	InputChars      *int    `json:"input_chars"`
	MaxOutputTokens *int    `json:"max_output_tokens"`
	Model           *string `json:"model"`
}

// Fingerprint derives the 64-hex-char identity of a request's logical
// content. Two requests with the same endpoint, method, payload hash, and
// usage estimate always produce the same fingerprint; any difference in those
// fields produces a different one.
func Fingerprint(endpoint, method, payloadHash string, est *model.UsageEstimate) string {
	c := canonicalRequest{
		Endpoint:    strings.ToLower(strings.TrimSpace(endpoint)),
		Method:      strings.ToUpper(strings.TrimSpace(method)),
		PayloadHash: payloadHash,
	}
	if est != nil {
		c.UsageEstimate = &canonicalEstimate{
			InputChars:      est.InputChars,
			MaxOutputTokens: est.MaxOutputTokens,
			Model:           est.Model,
		}
	}
	payload, _ := json.Marshal(c)

	mac := hmac.New(sha256.New, []byte(fingerprintKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HashKey returns the hex HMAC-SHA256 of a raw API key under the configured
// secret. The hash, never the raw key, is what the store and cache index.
func HashKey(rawKey string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}
