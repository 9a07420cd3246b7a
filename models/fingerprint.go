package models

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultFingerprintSize is how many leading record identifiers take part in
// a fingerprint.
const DefaultFingerprintSize = 20

// Fingerprint is a cheap equality token over a newest-first collection: the
// newest timestamp plus the first n identifiers. It is not a content hash;
// edits to a record that keep its id and timestamp go unnoticed.
func Fingerprint(records []HealthRecord, n int) string {
	if len(records) == 0 {
		return "empty"
	}
	if n <= 0 {
		n = DefaultFingerprintSize
	}
	if n > len(records) {
		n = len(records)
	}

	ids := make([]string, 0, n)
	for _, r := range records[:n] {
		ids = append(ids, recordKey(r))
	}
	return strconv.FormatInt(records[0].Timestamp, 10) + ":" + strings.Join(ids, "|")
}

func recordKey(r HealthRecord) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s-%s-%d", r.UserID, r.DeviceID, r.Timestamp)
}
