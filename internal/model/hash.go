package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content fingerprints. The version suffix allows the
// algorithm to change without colliding with stored values.
const (
	DomainDefinition = "conductor/definition/v1"
	DomainResource   = "conductor/resource/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DefinitionFingerprint hashes the parsed body of a definition. Formatting
// differences in the source document do not change the fingerprint.
func DefinitionFingerprint(key string, body map[string]any) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"key":  key,
		"body": body,
	})
	if err != nil {
		return "", fmt.Errorf("definition fingerprint %q: %w", key, err)
	}
	return hashWithDomain(DomainDefinition, canonical), nil
}

// ResourceFingerprint hashes raw resource bytes.
func ResourceFingerprint(name string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(DomainResource))
	h.Write([]byte{0x00})
	h.Write([]byte(name))
	h.Write([]byte{0x00})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
