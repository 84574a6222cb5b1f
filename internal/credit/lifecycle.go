// internal/credit/lifecycle.go
package credit

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"creditcore/internal/apperr"
	"creditcore/internal/idempotency"
	"creditcore/internal/ledger"
	"creditcore/internal/logging"
)

// transition is one lifecycle step applied under the member's lock.
type transition struct {
	action    ledger.Action
	eventType string
	// apply edits tx, already known to be in a source state of action, and
	// returns the balance delta.
	apply func(tx *ledger.Transaction) (int64, error)
	// settled reports whether tx is already in the target state, making the
	// call a no-op.
	settled func(tx *ledger.Transaction) bool
}

func (s *service) Void(ctx context.Context, transactionID string) (*ledger.Transaction, error) {
	return s.advance(ctx, transactionID, transition{
		action:    ledger.ActionVoid,
		eventType: "TransactionVoided",
		apply: func(tx *ledger.Transaction) (int64, error) {
			return -tx.OpenReservation(), nil
		},
		settled: func(tx *ledger.Transaction) bool {
			return tx.Status == ledger.StatusCancelled
		},
	})
}

func (s *service) Capture(ctx context.Context, in CaptureInput) (*ledger.Transaction, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	fp := idempotency.Fingerprint("capture", in.TransactionID, strconv.FormatInt(in.Amount, 10))
	return s.withIdempotency(ctx, "capture", in.IdempotencyKey, fp, func(ctx context.Context) (*ledger.Transaction, error) {
		return s.advance(ctx, in.TransactionID, transition{
			action:    ledger.ActionCapture,
			eventType: "TransactionCaptured",
			apply: func(tx *ledger.Transaction) (int64, error) {
				if in.Amount > tx.Amount {
					return 0, apperr.Validation("amount", "capture amount exceeds the authorized amount")
				}
				// The reservation becomes the booked charge; any unused part is released.
				unused := tx.OpenReservation() - in.Amount
				tx.CapturedAmount = in.Amount
				return -unused, nil
			},
		})
	})
}

func (s *service) Chargeback(ctx context.Context, in ChargebackInput) (*ledger.Transaction, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	fp := idempotency.Fingerprint("chargeback", in.TransactionID)
	return s.withIdempotency(ctx, "chargeback", in.IdempotencyKey, fp, func(ctx context.Context) (*ledger.Transaction, error) {
		return s.advance(ctx, in.TransactionID, transition{
			action:    ledger.ActionDispute,
			eventType: "TransactionDisputed",
			apply: func(tx *ledger.Transaction) (int64, error) {
				disputed := tx.CapturedAmount
				if disputed == 0 {
					disputed = tx.Amount
				}
				return disputed, nil
			},
		})
	})
}

// advance validates the current state against the transition table and
// commits the new status and balance delta atomically.
func (s *service) advance(ctx context.Context, transactionID string, t transition) (result *ledger.Transaction, err error) {
	ctx, span := s.tracer.Start(ctx, "credit."+string(t.action),
		trace.WithAttributes(attribute.String("transaction.id", transactionID)),
	)
	defer func() {
		s.metrics.recordTransition(ctx, string(t.action), err)
		endSpan(span, err)
	}()

	if err := validateTransactionID(transactionID); err != nil {
		return nil, err
	}

	var (
		from    ledger.TransactionStatus
		delta   int64
		changed bool
	)
	result, err = s.store.UpdateTransaction(ctx, transactionID, func(tx *ledger.Transaction) (int64, error) {
		if t.settled != nil && t.settled(tx) {
			return 0, ledger.ErrNoChange
		}
		next, ok := ledger.Next(tx.Status, t.action)
		if !ok {
			return 0, apperr.InvalidStateTransition(tx.TransactionID, string(tx.Status), string(t.action))
		}
		d, err := t.apply(tx)
		if err != nil {
			return 0, err
		}
		from, delta, changed = tx.Status, d, true
		tx.Status = next
		return d, nil
	})
	if err != nil {
		return nil, err
	}

	log := logging.WithContext(ctx, s.logger).With(
		zap.String("transaction_id", transactionID),
		zap.String("action", string(t.action)),
	)
	if !changed {
		log.Info("transition already applied", zap.String("status", string(result.Status)))
		return result, nil
	}

	s.appendEvent(ctx, result, t.eventType, from, delta)
	log.Info("transaction transitioned",
		zap.String("from", string(from)),
		zap.String("to", string(result.Status)),
		zap.Int64("balance_delta", delta),
	)
	return result, nil
}
