package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// requestFingerprint computes a SHA-256 digest over the canonical JSON of a
// request body. The engine treats it as an opaque equality token: a reused
// idempotency key with a different fingerprint is a different request.
//
// Go's encoding/json emits struct fields in declaration order, so the same
// logical request always produces the same digest.
func requestFingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to compute request fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
