package chaos

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"creditcore/internal/ledger"
)

// ErrInjectedFault is returned by a FaultyStore while failures are enabled.
var ErrInjectedFault = errors.New("chaos: injected store failure")

// FaultyStore wraps a ledger.Store and can delay or fail every call on
// demand. Delays honor the caller's context.
type FaultyStore struct {
	next    ledger.Store
	latency atomic.Int64

	mu      sync.RWMutex
	failAll bool
	failOps map[string]bool
}

var _ ledger.Store = (*FaultyStore)(nil)

func NewFaultyStore(next ledger.Store) *FaultyStore {
	return &FaultyStore{next: next}
}

// SetLatency delays every subsequent call by d. Zero removes the delay.
func (s *FaultyStore) SetLatency(d time.Duration) { s.latency.Store(int64(d)) }

// Fail makes the named operations ("Reserve", "PutTransaction", ...) fail
// with ErrInjectedFault. With no names every operation fails.
func (s *FaultyStore) Fail(ops ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = len(ops) == 0
	s.failOps = make(map[string]bool, len(ops))
	for _, op := range ops {
		s.failOps[op] = true
	}
}

// Reset removes every injected fault.
func (s *FaultyStore) Reset() {
	s.SetLatency(0)
	s.mu.Lock()
	s.failAll, s.failOps = false, nil
	s.mu.Unlock()
}

func (s *FaultyStore) failing(op string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failAll || s.failOps[op]
}

func (s *FaultyStore) inject(ctx context.Context, op string) error {
	if d := time.Duration(s.latency.Load()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if s.failing(op) {
		return ErrInjectedFault
	}
	return nil
}

func (s *FaultyStore) GetMember(ctx context.Context, memberNumber string) (*ledger.Member, error) {
	if err := s.inject(ctx, "GetMember"); err != nil {
		return nil, err
	}
	return s.next.GetMember(ctx, memberNumber)
}

func (s *FaultyStore) CreateMember(ctx context.Context, member *ledger.Member) error {
	if err := s.inject(ctx, "CreateMember"); err != nil {
		return err
	}
	return s.next.CreateMember(ctx, member)
}

func (s *FaultyStore) UpdateMember(ctx context.Context, memberNumber string, fn func(*ledger.Member) error) (*ledger.Member, error) {
	if err := s.inject(ctx, "UpdateMember"); err != nil {
		return nil, err
	}
	return s.next.UpdateMember(ctx, memberNumber, fn)
}

func (s *FaultyStore) Reserve(ctx context.Context, memberNumber string, amount int64) (*ledger.Member, error) {
	if err := s.inject(ctx, "Reserve"); err != nil {
		return nil, err
	}
	return s.next.Reserve(ctx, memberNumber, amount)
}

func (s *FaultyStore) Release(ctx context.Context, memberNumber string, amount int64) (*ledger.Member, error) {
	if err := s.inject(ctx, "Release"); err != nil {
		return nil, err
	}
	return s.next.Release(ctx, memberNumber, amount)
}

func (s *FaultyStore) PutTransaction(ctx context.Context, tx *ledger.Transaction) error {
	if err := s.inject(ctx, "PutTransaction"); err != nil {
		return err
	}
	return s.next.PutTransaction(ctx, tx)
}

func (s *FaultyStore) GetTransaction(ctx context.Context, transactionID string) (*ledger.Transaction, error) {
	if err := s.inject(ctx, "GetTransaction"); err != nil {
		return nil, err
	}
	return s.next.GetTransaction(ctx, transactionID)
}

func (s *FaultyStore) ListTransactions(ctx context.Context, memberNumber string) ([]*ledger.Transaction, error) {
	if err := s.inject(ctx, "ListTransactions"); err != nil {
		return nil, err
	}
	return s.next.ListTransactions(ctx, memberNumber)
}

func (s *FaultyStore) UpdateTransaction(ctx context.Context, transactionID string, fn ledger.Mutation) (*ledger.Transaction, error) {
	if err := s.inject(ctx, "UpdateTransaction"); err != nil {
		return nil, err
	}
	return s.next.UpdateTransaction(ctx, transactionID, fn)
}
