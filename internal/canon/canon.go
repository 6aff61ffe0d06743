// Package canon provides deterministic JSON canonicalization and the digest
// helpers used to fingerprint requests and derive operation keys.
package canon

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalJSON renders v as JSON with object keys sorted at every level and
// numbers preserved verbatim, so two logically equal values always produce
// identical bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return CanonicalizeRawJSON(raw)
}

// CanonicalizeRawJSON re-encodes an already-serialized JSON document into
// canonical form. Numbers are decoded as json.Number so they round-trip
// without float drift.
func CanonicalizeRawJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	// encoding/json sorts map keys, which is exactly the canonical order we
	// want; re-marshaling the decoded value normalizes key order and spacing.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-encode json: %w", err)
	}
	return out, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalizes v and returns the hex SHA-256 of the canonical bytes.
func HashJSON(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// HashRawJSON canonicalizes an already-serialized document and hashes it.
func HashRawJSON(raw []byte) (string, error) {
	b, err := CanonicalizeRawJSON(raw)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// HMACKeyHex derives a stable key from secret and the given parts joined with
// "|". Used for operation keys and provider idempotency keys.
func HMACKeyHex(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}
