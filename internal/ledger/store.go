// Package ledger holds member credit records and transaction records, and
// provides atomic read-modify-write of a member's balance.
//
// All balance mutations for one member are serialized; mutations on
// different members do not contend with each other.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateMember is returned by CreateMember when the member number is taken.
	ErrDuplicateMember = errors.New("ledger: duplicate member number")
	// ErrDuplicateTransaction is returned by PutTransaction when the id is taken.
	ErrDuplicateTransaction = errors.New("ledger: duplicate transaction id")
	// ErrNoChange may be returned by a Mutation to leave the transaction untouched.
	ErrNoChange = errors.New("ledger: no change")
	// ErrBalanceChanged is returned when a member update tries to alter the balance.
	ErrBalanceChanged = errors.New("ledger: balance can only change through reserve and release")
)

// Mutation edits a transaction in place and returns the balance delta to
// apply to its member in the same atomic step. A positive delta is reserved
// against the credit limit, a negative delta is released (floored at zero).
type Mutation func(tx *Transaction) (delta int64, err error)

// Store is the ledger contract used by the authorization engine.
type Store interface {
	GetMember(ctx context.Context, memberNumber string) (*Member, error)
	CreateMember(ctx context.Context, member *Member) error
	// UpdateMember applies fn to the member under its lock. fn must not
	// change the balance; the limit invariant is re-checked before commit.
	UpdateMember(ctx context.Context, memberNumber string, fn func(*Member) error) (*Member, error)

	// Reserve atomically checks that the member is ACTIVE and that
	// creditLimit - currentBalance >= amount, then increments the balance.
	Reserve(ctx context.Context, memberNumber string, amount int64) (*Member, error)
	// Release atomically decrements the balance, floored at zero.
	Release(ctx context.Context, memberNumber string, amount int64) (*Member, error)

	PutTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)
	ListTransactions(ctx context.Context, memberNumber string) ([]*Transaction, error)
	// UpdateTransaction runs fn and applies its balance delta and the edited
	// transaction as one atomic step, serialized with every other mutation
	// on the same member. The transaction version is incremented.
	UpdateTransaction(ctx context.Context, transactionID string, fn Mutation) (*Transaction, error)
}
