package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creditcore/internal/apperr"
)

// flakyStore fails the first failures calls of GetMember and Reserve with err.
type flakyStore struct {
	*MemoryStore
	failures int32
	err      error
	calls    atomic.Int32
	delay    time.Duration
}

func (f *flakyStore) fail() error {
	n := f.calls.Add(1)
	if n <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyStore) GetMember(ctx context.Context, memberNumber string) (*Member, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.GetMember(ctx, memberNumber)
}

func (f *flakyStore) Reserve(ctx context.Context, memberNumber string, amount int64) (*Member, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.Reserve(ctx, memberNumber, amount)
}

func testResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Timeout:              time.Second,
		ReadAttempts:         3,
		RetryInitialInterval: time.Millisecond,
		BreakerFailures:      3,
		BreakerOpenTimeout:   time.Minute,
	}
}

func newFlaky(t *testing.T, failures int32, err error) *flakyStore {
	t.Helper()
	mem := NewMemoryStore()
	seedMember(t, mem, "M123456789", 1000, 0)
	return &flakyStore{MemoryStore: mem, failures: failures, err: err}
}

func TestResilientStore_RetriesReads(t *testing.T) {
	flaky := newFlaky(t, 2, errors.New("connection reset by peer"))
	s := NewResilientStore(flaky, testResilienceConfig(), zap.NewNop())

	m, err := s.GetMember(context.Background(), "M123456789")
	require.NoError(t, err)
	assert.Equal(t, "M123456789", m.MemberNumber)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestResilientStore_DoesNotRetryDomainErrors(t *testing.T) {
	flaky := newFlaky(t, 0, nil)
	s := NewResilientStore(flaky, testResilienceConfig(), zap.NewNop())

	_, err := s.GetMember(context.Background(), "M000000000")
	assert.ErrorIs(t, err, apperr.ErrMemberNotFound)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

func TestResilientStore_DoesNotRetryMutations(t *testing.T) {
	flaky := newFlaky(t, 1, errors.New("connection refused"))
	s := NewResilientStore(flaky, testResilienceConfig(), zap.NewNop())

	_, err := s.Reserve(context.Background(), "M123456789", 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, int32(1), flaky.calls.Load())

	m, err := flaky.MemoryStore.GetMember(context.Background(), "M123456789")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.CurrentBalance)
}

func TestResilientStore_BreakerOpensAfterFailures(t *testing.T) {
	flaky := newFlaky(t, 100, errors.New("connection refused"))
	cfg := testResilienceConfig()
	cfg.ReadAttempts = 1
	s := NewResilientStore(flaky, cfg, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Reserve(ctx, "M123456789", 1)
		require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	}
	before := flaky.calls.Load()

	_, err := s.Reserve(ctx, "M123456789", 1)
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.Equal(t, before, flaky.calls.Load(), "open breaker rejects without calling the store")
}

func TestResilientStore_DomainErrorsKeepBreakerClosed(t *testing.T) {
	flaky := newFlaky(t, 0, nil)
	s := NewResilientStore(flaky, testResilienceConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Reserve(ctx, "M123456789", 5000)
		require.ErrorIs(t, err, apperr.ErrCreditLimitExceeded)
	}
	_, err := s.Reserve(ctx, "M123456789", 10)
	assert.NoError(t, err)
}

func TestResilientStore_TimeoutIsRetryable(t *testing.T) {
	flaky := newFlaky(t, 0, nil)
	flaky.delay = 200 * time.Millisecond
	cfg := testResilienceConfig()
	cfg.Timeout = 10 * time.Millisecond
	s := NewResilientStore(flaky, cfg, zap.NewNop())

	_, err := s.Reserve(context.Background(), "M123456789", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResilientStore_ReleaseBypassesOpenBreaker(t *testing.T) {
	flaky := newFlaky(t, 0, nil)
	s := NewResilientStore(flaky, testResilienceConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := s.Reserve(ctx, "M123456789", 400)
	require.NoError(t, err)

	flaky.err = errors.New("connection refused")
	flaky.failures = 100
	for i := 0; i < 3; i++ {
		_, err := s.Reserve(ctx, "M123456789", 1)
		require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	}
	_, err = s.GetMember(ctx, "M123456789")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	m, err := s.Release(ctx, "M123456789", 400)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.CurrentBalance)
}

func TestResilientStore_CancelledContextIsTyped(t *testing.T) {
	flaky := newFlaky(t, 0, nil)
	s := NewResilientStore(flaky, testResilienceConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetMember(ctx, "M123456789")
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, apperr.IsRetryable(err))

	_, err = s.Reserve(ctx, "M123456789", 10)
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	// A bare cancellation from the wrapped store is typed too.
	flaky.err = context.Canceled
	flaky.failures = 100
	for i := 0; i < 5; i++ {
		_, err = s.Reserve(context.Background(), "M123456789", 10)
		require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	}

	// Caller cancellations do not trip the breaker.
	flaky.failures = 0
	_, err = s.Reserve(context.Background(), "M123456789", 10)
	assert.NoError(t, err)
}
