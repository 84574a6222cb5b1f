package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"creditcore/internal/apperr"
)

// ResilienceConfig bounds how long and how often the store is tried.
type ResilienceConfig struct {
	// Timeout caps every individual store call.
	Timeout time.Duration
	// ReadAttempts is the total number of tries for idempotent reads.
	ReadAttempts uint
	// RetryInitialInterval is the first backoff delay between read attempts.
	RetryInitialInterval time.Duration
	// BreakerFailures opens the breaker after this many consecutive
	// infrastructure failures.
	BreakerFailures uint32
	// BreakerOpenTimeout is how long the breaker stays open before probing.
	BreakerOpenTimeout time.Duration
}

// DefaultResilienceConfig returns the defaults used by the service.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Timeout:              2 * time.Second,
		ReadAttempts:         3,
		RetryInitialInterval: 50 * time.Millisecond,
		BreakerFailures:      5,
		BreakerOpenTimeout:   10 * time.Second,
	}
}

// ResilientStore decorates a Store with per-call timeouts, a circuit breaker
// and bounded retries for reads. Infrastructure failures surface as
// apperr.StorageUnavailable. Mutating calls are never retried.
type ResilientStore struct {
	next    Store
	cfg     ResilienceConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ Store = (*ResilientStore)(nil)

// NewResilientStore wraps next.
func NewResilientStore(next Store, cfg ResilienceConfig, logger *zap.Logger) *ResilientStore {
	if cfg.ReadAttempts == 0 {
		cfg.ReadAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ResilientStore{next: next, cfg: cfg, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger-store",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.BreakerFailures > 0 && counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return !isInfrastructureError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ledger circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

// isInfrastructureError separates transient failures from domain outcomes
// such as not-found or limit exceeded.
func isInfrastructureError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateMember) || errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrNoChange) || errors.Is(err, ErrBalanceChanged) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Kind == apperr.KindStorageUnavailable
	}
	return true
}

func (s *ResilientStore) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return s.translate(op, err)
}

func (s *ResilientStore) translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperr.StorageUnavailable(op, err)
	case errors.Is(err, context.Canceled):
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperr.StorageUnavailable(op, err)
	case isInfrastructureError(err):
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return err
		}
		s.logger.Error("ledger store call failed", zap.String("op", op), zap.Error(err))
		return apperr.StorageUnavailable(op, err)
	default:
		return err
	}
}

// read retries op with exponential backoff while it fails with
// StorageUnavailable.
func read[T any](ctx context.Context, s *ResilientStore, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if s.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = s.cfg.RetryInitialInterval
	}

	out, err := backoff.Retry(ctx, func() (T, error) {
		var out T
		err := s.call(ctx, op, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		if err != nil && !errors.Is(err, apperr.ErrStorageUnavailable) {
			return out, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.ReadAttempts),
	)
	if err == nil {
		return out, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	// Retry reports a cancelled caller with the bare context error.
	return out, s.translate(op, err)
}

func (s *ResilientStore) GetMember(ctx context.Context, memberNumber string) (*Member, error) {
	return read(ctx, s, "get_member", func(ctx context.Context) (*Member, error) {
		return s.next.GetMember(ctx, memberNumber)
	})
}

func (s *ResilientStore) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	return read(ctx, s, "get_transaction", func(ctx context.Context) (*Transaction, error) {
		return s.next.GetTransaction(ctx, transactionID)
	})
}

func (s *ResilientStore) ListTransactions(ctx context.Context, memberNumber string) ([]*Transaction, error) {
	return read(ctx, s, "list_transactions", func(ctx context.Context) ([]*Transaction, error) {
		return s.next.ListTransactions(ctx, memberNumber)
	})
}

func (s *ResilientStore) CreateMember(ctx context.Context, member *Member) error {
	return s.call(ctx, "create_member", func(ctx context.Context) error {
		return s.next.CreateMember(ctx, member)
	})
}

func (s *ResilientStore) UpdateMember(ctx context.Context, memberNumber string, fn func(*Member) error) (*Member, error) {
	var out *Member
	err := s.call(ctx, "update_member", func(ctx context.Context) error {
		var err error
		out, err = s.next.UpdateMember(ctx, memberNumber, fn)
		return err
	})
	return out, err
}

func (s *ResilientStore) Reserve(ctx context.Context, memberNumber string, amount int64) (*Member, error) {
	var out *Member
	err := s.call(ctx, "reserve", func(ctx context.Context) error {
		var err error
		out, err = s.next.Reserve(ctx, memberNumber, amount)
		return err
	})
	return out, err
}

// Release bypasses the breaker: it compensates reservations made before the
// breaker opened and must still reach the store.
func (s *ResilientStore) Release(ctx context.Context, memberNumber string, amount int64) (*Member, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	out, err := s.next.Release(ctx, memberNumber, amount)
	if err != nil {
		return nil, s.translate("release", err)
	}
	return out, nil
}

func (s *ResilientStore) PutTransaction(ctx context.Context, tx *Transaction) error {
	return s.call(ctx, "put_transaction", func(ctx context.Context) error {
		return s.next.PutTransaction(ctx, tx)
	})
}

func (s *ResilientStore) UpdateTransaction(ctx context.Context, transactionID string, fn Mutation) (*Transaction, error) {
	var out *Transaction
	err := s.call(ctx, "update_transaction", func(ctx context.Context) error {
		var err error
		out, err = s.next.UpdateTransaction(ctx, transactionID, fn)
		return err
	})
	return out, err
}
