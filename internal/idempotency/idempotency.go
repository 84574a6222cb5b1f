// Package idempotency lets callers retry mutating credit operations with a
// caller-supplied key without applying them twice.
//
// A key is claimed together with a fingerprint of the request. While the
// first request runs, the key is IN_FLIGHT; once it commits, the key is
// COMPLETED and remembers the resulting transaction id. A failed request
// abandons its claim so it can be retried.
package idempotency

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"creditcore/internal/apperr"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// State of a claimed key.
type State string

const (
	StateInFlight  State = "IN_FLIGHT"
	StateCompleted State = "COMPLETED"
)

// Record is what the store remembers about a key.
type Record struct {
	Key           string    `json:"key"`
	Fingerprint   string    `json:"fingerprint"`
	State         State     `json:"state"`
	TransactionID string    `json:"transaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists idempotency records.
type Store interface {
	// Claim registers key for a new request. claimed is true when the caller
	// owns the key and must Complete or Abandon it. Otherwise rec is the
	// completed record to replay. A key held by an in-flight request yields
	// a retryable Conflict; a key reused for a different request yields a
	// ValidationError.
	Claim(ctx context.Context, key, fingerprint string) (rec Record, claimed bool, err error)
	// Complete marks key as finished with the given transaction.
	Complete(ctx context.Context, key, transactionID string) error
	// Abandon forgets a claim whose request failed.
	Abandon(ctx context.Context, key string) error
}

// Fingerprint hashes the identifying fields of a request.
func Fingerprint(parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// resolve decides what an existing record means for a new claim.
func resolve(existing Record, fingerprint string) (Record, bool, error) {
	if existing.Fingerprint != fingerprint {
		return Record{}, false, apperr.Validation("idempotency_key", "idempotency key was already used for a different request")
	}
	if existing.State != StateCompleted {
		return Record{}, false, apperr.Conflict("request with this idempotency key is still in progress",
			map[string]string{"idempotency_key": existing.Key})
	}
	return existing, false, nil
}
