package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with stored fingerprints.
const (
	DomainFieldSet = "bluelines/fieldset/v1"
	DomainPayload  = "bluelines/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes a content hash of a field set. Two field sets with the
// same values produce the same fingerprint regardless of map order.
func Fingerprint(fields FieldSet) (string, error) {
	canonical, err := MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainFieldSet, canonical), nil
}

// PayloadKey computes the idempotency key of a push payload: the same pair with
// the same external fields always yields the same key.
func PayloadKey(pair PairKey, fields FieldSet) (string, error) {
	canonical, err := MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("payload key: %w", err)
	}
	data := append([]byte(pair.String()+"\x00"), canonical...)
	return hashWithDomain(DomainPayload, data), nil
}
