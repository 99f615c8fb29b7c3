package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Request is the logical shape of a mutating request for hashing purposes.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// HashRequest computes a stable hash of the normalized request. JSON bodies
// are canonicalized (object keys sorted, whitespace stripped) so two
// payloads that differ only in formatting or key order hash the same.
func HashRequest(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{'\n'})
	h.Write([]byte(req.Path))
	h.Write([]byte{'\n'})
	h.Write(canonicalBody(req.Body))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		// Not JSON; hash the raw bytes.
		return body
	}

	// encoding/json writes map keys in sorted order.
	normalized, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return normalized
}
