package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"creditcore/internal/apperr"
)

// memberEntry guards one member. sem is a one-slot semaphore so lock
// acquisition can honor context deadlines.
type memberEntry struct {
	sem    chan struct{}
	member atomic.Pointer[Member]
}

func newMemberEntry(m *Member) *memberEntry {
	e := &memberEntry{sem: make(chan struct{}, 1)}
	e.member.Store(m)
	return e
}

func (e *memberEntry) lock(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperr.StorageUnavailable("lock_member", ctx.Err())
	}
}

func (e *memberEntry) unlock() {
	<-e.sem
}

// ctxErr reports a finished context as a retryable storage failure.
func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return apperr.StorageUnavailable(op, err)
	}
	return nil
}

// MemoryStore is a single-process Store keyed by member number.
type MemoryStore struct {
	mu       sync.RWMutex
	members  map[string]*memberEntry
	txs      map[string]*Transaction
	byMember map[string][]string

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members:  make(map[string]*memberEntry),
		txs:      make(map[string]*Transaction),
		byMember: make(map[string][]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) entry(memberNumber string) (*memberEntry, error) {
	s.mu.RLock()
	e, ok := s.members[memberNumber]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.MemberNotFound(memberNumber)
	}
	return e, nil
}

// GetMember returns a copy of the member record.
func (s *MemoryStore) GetMember(ctx context.Context, memberNumber string) (*Member, error) {
	if err := ctxErr(ctx, "get_member"); err != nil {
		return nil, err
	}
	e, err := s.entry(memberNumber)
	if err != nil {
		return nil, err
	}
	return e.member.Load().clone(), nil
}

// CreateMember inserts a new member.
func (s *MemoryStore) CreateMember(ctx context.Context, member *Member) error {
	if err := ctxErr(ctx, "create_member"); err != nil {
		return err
	}
	if member.CurrentBalance < 0 || member.CurrentBalance > member.CreditLimit {
		return apperr.Validation("current_balance", "balance must be within [0, credit_limit]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[member.MemberNumber]; ok {
		return ErrDuplicateMember
	}

	m := member.clone()
	now := s.now()
	m.Version = 1
	m.CreatedAt, m.UpdatedAt = now, now
	s.members[m.MemberNumber] = newMemberEntry(m)
	return nil
}

// UpdateMember applies fn under the member lock.
func (s *MemoryStore) UpdateMember(ctx context.Context, memberNumber string, fn func(*Member) error) (*Member, error) {
	e, err := s.entry(memberNumber)
	if err != nil {
		return nil, err
	}
	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()

	cur := e.member.Load()
	next := cur.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.CurrentBalance != cur.CurrentBalance {
		return nil, ErrBalanceChanged
	}
	if next.CreditLimit < next.CurrentBalance {
		return nil, apperr.Validation("credit_limit", "credit limit cannot be below the current balance")
	}
	next.MemberNumber = cur.MemberNumber
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	e.member.Store(next)
	return next.clone(), nil
}

// Reserve checks status and available credit and increments the balance as
// one step.
func (s *MemoryStore) Reserve(ctx context.Context, memberNumber string, amount int64) (*Member, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount", "reserve amount must be positive")
	}
	e, err := s.entry(memberNumber)
	if err != nil {
		return nil, err
	}
	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()

	if cur := e.member.Load(); cur.Status != MemberActive {
		return nil, apperr.MemberNotEligible(cur.MemberNumber, string(cur.Status))
	}
	next, err := s.adjustLocked(e, amount)
	if err != nil {
		return nil, err
	}
	return next.clone(), nil
}

// Release decrements the balance, floored at zero.
func (s *MemoryStore) Release(ctx context.Context, memberNumber string, amount int64) (*Member, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount", "release amount must be positive")
	}
	e, err := s.entry(memberNumber)
	if err != nil {
		return nil, err
	}
	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()

	next, err := s.adjustLocked(e, -amount)
	if err != nil {
		return nil, err
	}
	return next.clone(), nil
}

// adjustLocked applies a balance delta. The caller holds e's lock.
func (s *MemoryStore) adjustLocked(e *memberEntry, delta int64) (*Member, error) {
	cur := e.member.Load()
	if delta == 0 {
		return cur, nil
	}
	next := cur.clone()
	if delta > 0 {
		if cur.AvailableCredit() < delta {
			return nil, apperr.CreditLimitExceeded(cur.MemberNumber, delta, cur.AvailableCredit())
		}
		next.CurrentBalance += delta
	} else {
		next.CurrentBalance = max(cur.CurrentBalance+delta, 0)
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	e.member.Store(next)
	return next, nil
}

// PutTransaction inserts a new transaction record.
func (s *MemoryStore) PutTransaction(ctx context.Context, tx *Transaction) error {
	if err := ctxErr(ctx, "put_transaction"); err != nil {
		return err
	}
	if _, err := s.entry(tx.MemberNumber); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.TransactionID]; ok {
		return ErrDuplicateTransaction
	}

	c := tx.clone()
	now := s.now()
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.txs[c.TransactionID] = c
	s.byMember[c.MemberNumber] = append(s.byMember[c.MemberNumber], c.TransactionID)
	return nil
}

// GetTransaction returns a copy of the transaction record.
func (s *MemoryStore) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	if err := ctxErr(ctx, "get_transaction"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	tx, ok := s.txs[transactionID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.TransactionNotFound(transactionID)
	}
	return tx.clone(), nil
}

// ListTransactions returns the member's transactions oldest first.
func (s *MemoryStore) ListTransactions(ctx context.Context, memberNumber string) ([]*Transaction, error) {
	if err := ctxErr(ctx, "list_transactions"); err != nil {
		return nil, err
	}
	if _, err := s.entry(memberNumber); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := s.byMember[memberNumber]
	out := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.txs[id].clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateTransaction applies fn and its balance delta under the member lock.
func (s *MemoryStore) UpdateTransaction(ctx context.Context, transactionID string, fn Mutation) (*Transaction, error) {
	s.mu.RLock()
	tx, ok := s.txs[transactionID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.TransactionNotFound(transactionID)
	}

	e, err := s.entry(tx.MemberNumber)
	if err != nil {
		return nil, err
	}
	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()

	// Re-read under the member lock: every write to this transaction holds it.
	s.mu.RLock()
	cur := s.txs[transactionID]
	s.mu.RUnlock()

	next := cur.clone()
	delta, err := fn(next)
	if errors.Is(err, ErrNoChange) {
		return cur.clone(), nil
	}
	if err != nil {
		return nil, err
	}
	if next.TransactionID != cur.TransactionID || next.MemberNumber != cur.MemberNumber {
		return nil, fmt.Errorf("ledger: mutation changed transaction identity of %s", transactionID)
	}

	if _, err := s.adjustLocked(e, delta); err != nil {
		return nil, err
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	s.mu.Lock()
	s.txs[transactionID] = next
	s.mu.Unlock()
	return next.clone(), nil
}
