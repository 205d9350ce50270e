// Package cache computes content-addressed step keys and resolves them
// against previously recorded executions.
package cache

import (
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// CanonicalJSON renders v with a stable byte representation: the value
// is normalized through an any-typed round trip so every object
// marshals with sorted keys, regardless of the Go type that produced
// it.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical: %w", err)
	}
	return out, nil
}

// Fingerprint hashes the canonical JSON of v with BLAKE3 and returns
// the hex digest.
func Fingerprint(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return fmt.Sprintf("%x", sum[:]), nil
}
