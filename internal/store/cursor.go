package store

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// Crawl cursors are opaque to callers: base64 over the account identifier
// the previous page ended on. The crawl orders by ACI, so the identifier
// alone pins a deterministic resume point.

// EncodeCrawlCursor creates a cursor string for resuming after aci.
// Returns empty string for the nil identifier.
func EncodeCrawlCursor(aci uuid.UUID) string {
	if aci == uuid.Nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(aci.String()))
}

// DecodeCrawlCursor parses a cursor string.
// Returns uuid.Nil and false if invalid or empty.
func DecodeCrawlCursor(s string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.Nil, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(string(b))
	if err != nil {
		return uuid.Nil, false
	}

	return id, true
}
