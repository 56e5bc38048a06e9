package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// continuationVersion guards against tokens issued by an incompatible
// server version (§4.8 "validate structural well-formedness on receipt and
// reject tampered tokens").
const continuationVersion = 1

// continuation is the minimum state needed to resume a paginated call
// (§4.8 "opaque base64url-encoded JSON of the minimum state needed to
// resume").
type continuation struct {
	Version int `json:"v"`
	Offset  int `json:"offset"`
}

func encodeToken(offset int) string {
	payload, _ := json.Marshal(continuation{Version: continuationVersion, Offset: offset})
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(payload)
}

// decodeToken returns offset 0 for an empty token (first page) and an
// error for anything structurally malformed or version-mismatched —
// callers must reject tampered tokens rather than silently resetting them.
func decodeToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("query: malformed continuation token: %w", err)
	}
	var c continuation
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, fmt.Errorf("query: malformed continuation token: %w", err)
	}
	if c.Version != continuationVersion {
		return 0, fmt.Errorf("query: unsupported continuation token version %d", c.Version)
	}
	if c.Offset < 0 {
		return 0, fmt.Errorf("query: invalid continuation token offset")
	}
	return c.Offset, nil
}
