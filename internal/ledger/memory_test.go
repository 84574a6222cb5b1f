package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"creditcore/internal/apperr"
)

func seedMember(t testing.TB, s *MemoryStore, number string, limit, balance int64) {
	t.Helper()
	err := s.CreateMember(context.Background(), &Member{
		MemberNumber:   number,
		Status:         MemberActive,
		CreditLimit:    limit,
		CurrentBalance: balance,
	})
	require.NoError(t, err)
}

func TestMemoryStore_CreateAndGetMember(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 500000, 100000)

	m, err := s.GetMember(ctx, "M123456789")
	require.NoError(t, err)
	assert.Equal(t, int64(400000), m.AvailableCredit())
	assert.Equal(t, 1, m.Version)

	// Returned records are copies.
	m.CurrentBalance = 0
	again, err := s.GetMember(ctx, "M123456789")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), again.CurrentBalance)

	err = s.CreateMember(ctx, &Member{MemberNumber: "M123456789", CreditLimit: 1})
	assert.ErrorIs(t, err, ErrDuplicateMember)

	_, err = s.GetMember(ctx, "M000000000")
	assert.ErrorIs(t, err, apperr.ErrMemberNotFound)
}

func TestMemoryStore_CreateMemberRejectsBalanceAboveLimit(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateMember(context.Background(), &Member{
		MemberNumber:   "M123456789",
		CreditLimit:    100,
		CurrentBalance: 101,
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMemoryStore_ReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 1000, 0)

	m, err := s.Reserve(ctx, "M123456789", 600)
	require.NoError(t, err)
	assert.Equal(t, int64(600), m.CurrentBalance)

	_, err = s.Reserve(ctx, "M123456789", 401)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrCreditLimitExceeded)
	assert.Equal(t, "400", apperr.Field(err, "available"))

	m, err = s.Reserve(ctx, "M123456789", 400)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), m.CurrentBalance)

	m, err = s.Release(ctx, "M123456789", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.CurrentBalance, "release floors at zero")

	_, err = s.Reserve(ctx, "M123456789", 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMemoryStore_UpdateMemberCannotTouchBalance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 1000, 500)

	_, err := s.UpdateMember(ctx, "M123456789", func(m *Member) error {
		m.CurrentBalance = 0
		return nil
	})
	assert.ErrorIs(t, err, ErrBalanceChanged)

	_, err = s.UpdateMember(ctx, "M123456789", func(m *Member) error {
		m.CreditLimit = 499
		return nil
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	m, err := s.UpdateMember(ctx, "M123456789", func(m *Member) error {
		m.Status = MemberSuspended
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, MemberSuspended, m.Status)
	assert.Equal(t, 2, m.Version)
}

func TestMemoryStore_ReserveRequiresActiveMember(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 1000, 0)

	for _, status := range []MemberStatus{MemberSuspended, MemberClosed} {
		_, err := s.UpdateMember(ctx, "M123456789", func(m *Member) error {
			m.Status = status
			return nil
		})
		require.NoError(t, err)

		_, err = s.Reserve(ctx, "M123456789", 10)
		require.ErrorIs(t, err, apperr.ErrMemberNotEligible)
		assert.Equal(t, string(status), apperr.Field(err, "status"))
	}

	m, err := s.GetMember(ctx, "M123456789")
	require.NoError(t, err)
	assert.Zero(t, m.CurrentBalance)

	// Release still works for a member that can no longer reserve.
	_, err = s.Release(ctx, "M123456789", 10)
	assert.NoError(t, err)
}

func TestMemoryStore_CancelledContextIsRetryable(t *testing.T) {
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 1000, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetMember(ctx, "M123456789")
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, apperr.IsRetryable(err))
}

func TestMemoryStore_ConcurrentReservesNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 10000, 0)

	const workers = 64
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
		declined int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(ctx, "M123456789", 300)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				approved++
			case errors.Is(err, apperr.ErrCreditLimitExceeded):
				declined++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	m, err := s.GetMember(ctx, "M123456789")
	require.NoError(t, err)
	assert.Equal(t, 33, approved)
	assert.Equal(t, workers-33, declined)
	assert.Equal(t, int64(9900), m.CurrentBalance)
}

func TestMemoryStore_LockHonorsContext(t *testing.T) {
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 1000, 0)

	e, err := s.entry("M123456789")
	require.NoError(t, err)
	require.NoError(t, e.lock(context.Background()))
	defer e.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Reserve(ctx, "M123456789", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.True(t, apperr.IsRetryable(err))
}

func TestMemoryStore_UpdateTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 1000, 0)

	_, err := s.Reserve(ctx, "M123456789", 400)
	require.NoError(t, err)
	require.NoError(t, s.PutTransaction(ctx, &Transaction{
		TransactionID: "TX000000001",
		MemberNumber:  "M123456789",
		Type:          TypeAuth,
		Amount:        400,
		Status:        StatusApproved,
	}))
	assert.ErrorIs(t, s.PutTransaction(ctx, &Transaction{
		TransactionID: "TX000000001",
		MemberNumber:  "M123456789",
	}), ErrDuplicateTransaction)

	void := func(tx *Transaction) (int64, error) {
		if tx.Status == StatusCancelled {
			return 0, ErrNoChange
		}
		tx.Status = StatusCancelled
		return -tx.Amount, nil
	}

	tx, err := s.UpdateTransaction(ctx, "TX000000001", void)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, tx.Status)
	assert.Equal(t, 2, tx.Version)

	tx, err = s.UpdateTransaction(ctx, "TX000000001", void)
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Version, "no-op mutation leaves the record untouched")

	m, err := s.GetMember(ctx, "M123456789")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.CurrentBalance)

	_, err = s.UpdateTransaction(ctx, "TX404", void)
	assert.ErrorIs(t, err, apperr.ErrTransactionNotFound)
}

func TestMemoryStore_UpdateTransactionRollsBackOnLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 1000, 900)
	require.NoError(t, s.PutTransaction(ctx, &Transaction{
		TransactionID: "TX000000001",
		MemberNumber:  "M123456789",
		Amount:        500,
		Status:        StatusSettled,
	}))

	_, err := s.UpdateTransaction(ctx, "TX000000001", func(tx *Transaction) (int64, error) {
		tx.Status = StatusDisputed
		return 500, nil
	})
	assert.ErrorIs(t, err, apperr.ErrCreditLimitExceeded)

	tx, err := s.GetTransaction(ctx, "TX000000001")
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, tx.Status)
}

func TestMemoryStore_ListTransactionsOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMember(t, s, "M123456789", 1000, 0)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"TX3", "TX1", "TX2"} {
		offset := map[string]int{"TX1": 1, "TX2": 2, "TX3": 3}[id]
		require.NoError(t, s.PutTransaction(ctx, &Transaction{
			TransactionID: id,
			MemberNumber:  "M123456789",
			Amount:        int64(i + 1),
			Status:        StatusApproved,
			CreatedAt:     base.Add(time.Duration(offset) * time.Minute),
		}))
	}

	txs, err := s.ListTransactions(ctx, "M123456789")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "TX1", txs[0].TransactionID)
	assert.Equal(t, "TX2", txs[1].TransactionID)
	assert.Equal(t, "TX3", txs[2].TransactionID)
}

func TestMemoryStore_BalanceStaysWithinLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		s := NewMemoryStore()
		limit := rapid.Int64Range(0, 1_000_000).Draw(t, "limit")
		require.NoError(t, s.CreateMember(ctx, &Member{
			MemberNumber: "M123456789",
			Status:       MemberActive,
			CreditLimit:  limit,
		}))

		ops := rapid.SliceOfN(rapid.Int64Range(-500_000, 500_000), 1, 50).Draw(t, "ops")
		for _, op := range ops {
			var err error
			switch {
			case op > 0:
				_, err = s.Reserve(ctx, "M123456789", op)
			case op < 0:
				_, err = s.Release(ctx, "M123456789", -op)
			}
			if err != nil && !errors.Is(err, apperr.ErrCreditLimitExceeded) {
				t.Fatalf("unexpected error: %v", err)
			}

			m, err := s.GetMember(ctx, "M123456789")
			require.NoError(t, err)
			if m.CurrentBalance < 0 || m.CurrentBalance > m.CreditLimit {
				t.Fatalf("balance %d outside [0, %d]", m.CurrentBalance, m.CreditLimit)
			}
		}
	})
}
