// Package idempotency deduplicates manual trigger requests. The first request
// observed under a key has its response captured; identical retries replay
// that response instead of re-executing, and a reused key with a different
// payload is rejected outright.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
)

// KeyHeader carries the caller-supplied idempotency token.
const KeyHeader = "Idempotency-Key"

// ReplayedHeader marks responses served from a stored record.
const ReplayedHeader = "Idempotency-Replayed"

// Gate wraps handlers with idempotency-key semantics.
type Gate struct {
	store     interfaces.IdempotencyStore
	retention time.Duration
	logger    *common.Logger
	clock     func() time.Time
}

// New creates a gate. Records age out after retention.
func New(store interfaces.IdempotencyStore, retention time.Duration, logger *common.Logger) *Gate {
	return &Gate{
		store:     store,
		retention: retention,
		logger:    logger,
		clock:     time.Now,
	}
}

// bodyRecorder buffers the response so the record can be persisted before any
// byte reaches the client. flush sends the captured response downstream.
type bodyRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *bodyRecorder) WriteHeader(code int) {
	r.statusCode = code
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *bodyRecorder) flush() {
	r.ResponseWriter.WriteHeader(r.statusCode)
	r.ResponseWriter.Write(r.body.Bytes())
}

// Middleware enforces idempotency on the wrapped handler. Requests without a
// key pass through untouched.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(KeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > models.MaxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, "idempotency key exceeds 255 characters")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint := Fingerprint(r.Method, r.URL.Path, body)

		// Store failures degrade to pass-through: losing deduplication is
		// preferable to rejecting a legitimate trigger.
		record, err := g.store.Get(r.Context(), key)
		if err != nil {
			g.logger.Warn().Str("key", key).Err(err).Msg("Idempotency lookup failed, passing through")
			next.ServeHTTP(w, r)
			return
		}

		if record != nil {
			if record.Fingerprint != fingerprint {
				writeError(w, http.StatusConflict, "idempotency key reused with a different request")
				return
			}
			w.Header().Set(ReplayedHeader, "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.StatusCode)
			w.Write(record.Body)
			g.logger.Debug().Str("key", key).Msg("Replayed idempotent response")
			return
		}

		rec := &bodyRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Persist first, send after. A crash between send and persist would
		// let the caller's retry re-execute the trigger.
		now := g.clock()
		stored := &models.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			StatusCode:  rec.statusCode,
			Body:        rec.body.Bytes(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.retention),
		}
		if err := g.store.Put(r.Context(), stored); err != nil {
			g.logger.Warn().Str("key", key).Err(err).Msg("Failed to persist idempotency record")
		}
		rec.flush()
	})
}

// PurgeExpired drops aged-out records; wired to the hourly maintenance schedule.
func (g *Gate) PurgeExpired(ctx context.Context) {
	count, err := g.store.PurgeExpired(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to purge expired idempotency records")
		return
	}
	if count > 0 {
		g.logger.Debug().Int("purged", count).Msg("Purged expired idempotency records")
	}
}

// Fingerprint hashes the request identity: method, path, and raw body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
