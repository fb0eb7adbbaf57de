package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainBatch prefixes batch fingerprints. The version suffix allows the
// algorithm to change without colliding with recorded fingerprints.
const DomainBatch = "promptgenie/batch/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BatchFingerprint computes a content-addressed identity for a sync batch.
//
// The same records in the same order always hash to the same value, so a
// client resubmitting a batch after a lost response sends an identical
// fingerprint and the server can recognise the replay.
func BatchFingerprint(records []MutationRecord) (string, error) {
	if records == nil {
		records = []MutationRecord{}
	}
	canonical, err := MarshalCanonical(records)
	if err != nil {
		return "", fmt.Errorf("BatchFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainBatch, canonical), nil
}
