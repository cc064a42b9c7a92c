package models

import "time"

// Idempotency key length bounds (caller-supplied opaque token).
const (
	MinIdempotencyKeyLen = 1
	MaxIdempotencyKeyLen = 255
)

// IdempotencyRecord captures the response of the first request observed under
// a key. Read-only after creation until it expires out of retention.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"` // sha256 over method + path + canonical body
	StatusCode  int       `json:"status_code"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record has aged out of the retention window.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
