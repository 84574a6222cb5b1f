// internal/credit/implementation.go
package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"creditcore/internal/apperr"
	"creditcore/internal/eventstore"
	"creditcore/internal/fraud"
	"creditcore/internal/idempotency"
	"creditcore/internal/idgen"
	"creditcore/internal/ledger"
	"creditcore/internal/logging"
)

const (
	aggregateType = "transaction"

	// maxIDAttempts bounds retries when a random transaction id collides.
	maxIDAttempts = 5

	maxJournalAttempts = 3

	completeAttempts      = 3
	completeRetryInterval = 20 * time.Millisecond
)

// Dependencies wires the engine. Store is required; the rest default to
// in-memory or built-in implementations.
type Dependencies struct {
	Store       ledger.Store
	Screen      *fraud.Screen
	IDs         idgen.Generator
	Journal     eventstore.Journal
	Idempotency idempotency.Store
	Logger      *zap.Logger
}

// service implements the Service interface.
type service struct {
	store   ledger.Store
	screen  *fraud.Screen
	ids     idgen.Generator
	journal eventstore.Journal
	idem    idempotency.Store
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics
	now     func() time.Time
}

// NewService creates a new credit service instance.
func NewService(deps Dependencies) (Service, error) {
	if deps.Store == nil {
		return nil, errors.New("credit: a ledger store is required")
	}
	if deps.Screen == nil {
		deps.Screen = fraud.DefaultScreen()
	}
	if deps.IDs == nil {
		deps.IDs = idgen.NewRandom(idgen.DefaultPrefix)
	}
	if deps.Journal == nil {
		deps.Journal = eventstore.NewMemoryJournal()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	m, err := newMetrics(otel.Meter("creditcore/credit"))
	if err != nil {
		return nil, fmt.Errorf("failed to create credit metrics: %w", err)
	}

	return &service{
		store:   deps.Store,
		screen:  deps.Screen,
		ids:     deps.IDs,
		journal: deps.Journal,
		idem:    deps.Idempotency,
		logger:  deps.Logger,
		tracer:  otel.Tracer("creditcore/credit"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Authorize runs the authorization flow:
//  1. load the member and check eligibility and available credit (read-only)
//  2. screen for fraud (read-only)
//  3. reserve credit atomically
//  4. assign an id and authorization code
//  5. persist the APPROVED transaction, releasing the reservation if that fails
func (s *service) Authorize(ctx context.Context, in AuthorizeInput) (tx *ledger.Transaction, err error) {
	ctx, span := s.tracer.Start(ctx, "credit.authorize",
		trace.WithAttributes(
			attribute.String("member.number", in.MemberNumber),
			attribute.Int64("amount", in.Amount),
			attribute.String("merchant.category", in.MerchantCategory),
		),
	)
	start := time.Now()
	defer func() {
		s.metrics.recordAuthorization(ctx, err, time.Since(start))
		endSpan(span, err)
	}()

	if err := in.Validate(); err != nil {
		return nil, err
	}

	fp := idempotency.Fingerprint("authorize", in.MemberNumber, strconv.FormatInt(in.Amount, 10), in.MerchantName, in.MerchantCategory)
	return s.withIdempotency(ctx, "authorize", in.IdempotencyKey, fp, func(ctx context.Context) (*ledger.Transaction, error) {
		return s.authorize(ctx, in)
	})
}

func (s *service) authorize(ctx context.Context, in AuthorizeInput) (*ledger.Transaction, error) {
	log := logging.WithContext(ctx, s.logger).With(
		zap.String("member_number", in.MemberNumber),
		zap.Int64("amount", in.Amount),
	)

	// Step 1: Load and check the member
	member, err := s.store.GetMember(ctx, in.MemberNumber)
	if err != nil {
		return nil, err
	}
	if member.Status != ledger.MemberActive {
		return nil, apperr.MemberNotEligible(member.MemberNumber, string(member.Status))
	}
	if available := member.AvailableCredit(); in.Amount > available {
		log.Info("authorization declined", zap.String("reason", "credit limit"), zap.Int64("available", available))
		return nil, apperr.CreditLimitExceeded(member.MemberNumber, in.Amount, available)
	}

	// Step 2: Fraud screening
	alerts := s.screen.Evaluate(fraud.Candidate{
		MemberNumber:     in.MemberNumber,
		Amount:           in.Amount,
		MerchantName:     in.MerchantName,
		MerchantCategory: in.MerchantCategory,
	})
	if len(alerts) > 0 {
		log.Warn("authorization declined", zap.String("reason", "fraud"), zap.Strings("alerts", alerts))
		return nil, apperr.FraudDetected(in.MemberNumber, alerts)
	}

	// Step 3: Reserve credit (with compensation)
	if _, err := s.store.Reserve(ctx, in.MemberNumber, in.Amount); err != nil {
		if errors.Is(err, apperr.ErrCreditLimitExceeded) {
			log.Info("authorization declined", zap.String("reason", "credit limit"))
		}
		return nil, err
	}

	compensation := func(cause error) {
		// The caller's context may already be cancelled.
		bg := context.WithoutCancel(ctx)
		log.Warn("releasing reservation of failed authorization", zap.Error(cause))
		if _, err := s.store.Release(bg, in.MemberNumber, in.Amount); err != nil {
			log.Error("failed to release reservation", zap.Error(err))
		}
	}

	// Steps 4 and 5: Assign ids and persist
	tx, err := s.record(ctx, in)
	if err != nil {
		compensation(err)
		return nil, err
	}

	s.appendEvent(ctx, tx, "TransactionAuthorized", ledger.StatusPending, in.Amount)
	log.Info("authorization approved", zap.String("transaction_id", tx.TransactionID))
	return tx, nil
}

// record persists a new APPROVED transaction, drawing a fresh id on collision.
func (s *service) record(ctx context.Context, in AuthorizeInput) (*ledger.Transaction, error) {
	status, _ := ledger.Next(ledger.StatusPending, ledger.ActionApprove)

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperr.StorageUnavailable("authorize", err)
		}

		id, err := s.ids.NextTransactionID()
		if err != nil {
			return nil, apperr.Internal("failed to generate transaction id", err)
		}
		code, err := s.ids.NextAuthorizationCode()
		if err != nil {
			return nil, apperr.Internal("failed to generate authorization code", err)
		}

		now := s.now()
		tx := &ledger.Transaction{
			TransactionID:     id,
			MemberNumber:      in.MemberNumber,
			Type:              ledger.TypeAuth,
			Amount:            in.Amount,
			Status:            status,
			AuthorizationCode: code,
			MerchantName:      in.MerchantName,
			MerchantCategory:  in.MerchantCategory,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		err = s.store.PutTransaction(ctx, tx)
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.logger.Warn("transaction id collision", zap.String("transaction_id", id), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
	return nil, apperr.Internal("could not allocate a unique transaction id", nil)
}

// withIdempotency runs op once per key. Completed keys replay the stored
// transaction; failed runs release the key so the caller can retry.
func (s *service) withIdempotency(ctx context.Context, op, key, fingerprint string, run func(context.Context) (*ledger.Transaction, error)) (*ledger.Transaction, error) {
	if key == "" || s.idem == nil {
		return run(ctx)
	}
	scoped := op + ":" + key

	rec, claimed, err := s.idem.Claim(ctx, scoped, fingerprint)
	if err != nil {
		return nil, err
	}
	if !claimed {
		s.logger.Info("replaying idempotent request",
			zap.String("op", op),
			zap.String("transaction_id", rec.TransactionID),
		)
		return s.store.GetTransaction(ctx, rec.TransactionID)
	}

	bg := context.WithoutCancel(ctx)
	tx, err := run(ctx)
	if err != nil {
		if aerr := s.idem.Abandon(bg, scoped); aerr != nil {
			s.logger.Error("failed to abandon idempotency key", zap.String("key", scoped), zap.Error(aerr))
		}
		return nil, err
	}
	if cerr := s.complete(bg, scoped, tx.TransactionID); cerr != nil {
		// The operation has committed, so the key is not abandoned: it stays
		// IN_FLIGHT until its TTL expires and retries get a Conflict.
		s.logger.Error("failed to complete idempotency key",
			zap.String("key", scoped),
			zap.String("transaction_id", tx.TransactionID),
			zap.Error(cerr),
		)
	}
	return tx, nil
}

// complete marks a key finished, retrying transient store failures.
func (s *service) complete(ctx context.Context, key, transactionID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = completeRetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.idem.Complete(ctx, key, transactionID)
		if err != nil && !apperr.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(completeAttempts),
	)
	return err
}

// transactionEvent is the payload journaled for every committed transition.
type transactionEvent struct {
	TransactionID     string                   `json:"transaction_id"`
	MemberNumber      string                   `json:"member_number"`
	From              ledger.TransactionStatus `json:"from"`
	To                ledger.TransactionStatus `json:"to"`
	Amount            int64                    `json:"amount"`
	CapturedAmount    int64                    `json:"captured_amount,omitempty"`
	BalanceDelta      int64                    `json:"balance_delta"`
	AuthorizationCode string                   `json:"authorization_code,omitempty"`
}

// appendEvent journals a committed change. The ledger is authoritative, so
// a journal failure is logged and does not fail the operation.
func (s *service) appendEvent(ctx context.Context, tx *ledger.Transaction, eventType string, from ledger.TransactionStatus, delta int64) {
	data, err := json.Marshal(transactionEvent{
		TransactionID:     tx.TransactionID,
		MemberNumber:      tx.MemberNumber,
		From:              from,
		To:                tx.Status,
		Amount:            tx.Amount,
		CapturedAmount:    tx.CapturedAmount,
		BalanceDelta:      delta,
		AuthorizationCode: tx.AuthorizationCode,
	})
	if err != nil {
		s.logger.Error("failed to marshal event data", zap.Error(err))
		return
	}

	event := eventstore.Event{
		EventType: eventType,
		EventData: data,
		Metadata:  map[string]string{"member_number": tx.MemberNumber},
	}
	bg := context.WithoutCancel(ctx)
	events := []eventstore.Event{event}
	expected := tx.Version - 1
	for attempt := 1; ; attempt++ {
		err = s.journal.AppendEvents(bg, tx.TransactionID, aggregateType, expected, events)
		if !errors.Is(err, eventstore.ErrConcurrencyConflict) || attempt == maxJournalAttempts {
			break
		}
		// A concurrent transition journaled first; append after it.
		if expected, err = s.journal.CurrentVersion(bg, tx.TransactionID); err != nil {
			break
		}
	}
	if err != nil {
		logging.WithContext(ctx, s.logger).Error("failed to append event",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (s *service) GetTransaction(ctx context.Context, transactionID string) (*ledger.Transaction, error) {
	if err := validateTransactionID(transactionID); err != nil {
		return nil, err
	}
	return s.store.GetTransaction(ctx, transactionID)
}

func (s *service) ListTransactions(ctx context.Context, memberNumber string) ([]*ledger.Transaction, error) {
	if !ledger.ValidMemberNumber(memberNumber) {
		return nil, apperr.Validation("member_number", "member_number must match ^M[0-9]{9}$")
	}
	return s.store.ListTransactions(ctx, memberNumber)
}

func (s *service) TransactionEvents(ctx context.Context, transactionID string) ([]eventstore.Event, error) {
	if _, err := s.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	events, err := s.journal.LoadEvents(ctx, transactionID, 0)
	if err != nil {
		return nil, apperr.StorageUnavailable("load_events", err)
	}
	return events, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	span.End()
}
