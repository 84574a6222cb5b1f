// Package idgen produces transaction identifiers and authorization codes.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync/atomic"
)

// DefaultPrefix is prepended to every transaction id.
const DefaultPrefix = "TX"

const idSpace = 1_000_000_000 // nine digits

var codeSpace = big.NewInt(1_000_000)

// Generator hands out transaction ids and authorization codes.
type Generator interface {
	// NextTransactionID returns prefix plus nine digits. Ids from Random are
	// collision-checked by the caller against the ledger.
	NextTransactionID() (string, error)
	// NextAuthorizationCode returns six digits.
	NextAuthorizationCode() (string, error)
}

// Random draws ids and codes from crypto/rand.
type Random struct {
	Prefix string
}

// NewRandom returns a Random generator using prefix, or DefaultPrefix when empty.
func NewRandom(prefix string) *Random {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Random{Prefix: prefix}
}

func (r *Random) NextTransactionID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(idSpace))
	if err != nil {
		return "", fmt.Errorf("failed to draw transaction id: %w", err)
	}
	return fmt.Sprintf("%s%09d", r.Prefix, n.Int64()), nil
}

func (r *Random) NextAuthorizationCode() (string, error) {
	return authorizationCode()
}

// Sequence issues monotonically increasing ids. It is unique for the life of
// the process and suits single-node stores and tests.
type Sequence struct {
	Prefix string
	next   atomic.Int64
}

// NewSequence returns a Sequence whose first id is start+1.
func NewSequence(prefix string, start int64) *Sequence {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Sequence{Prefix: prefix}
	s.next.Store(start)
	return s
}

func (s *Sequence) NextTransactionID() (string, error) {
	n := s.next.Add(1)
	if n >= idSpace {
		return "", fmt.Errorf("transaction id sequence exhausted at %d", n)
	}
	return fmt.Sprintf("%s%09d", s.Prefix, n), nil
}

func (s *Sequence) NextAuthorizationCode() (string, error) {
	return authorizationCode()
}

func authorizationCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to draw authorization code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
