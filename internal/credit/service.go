// internal/credit/service.go
package credit

import (
	"context"
	"strings"

	"creditcore/internal/apperr"
	"creditcore/internal/eventstore"
	"creditcore/internal/ledger"
)

// Service authorizes credit and drives transactions through their lifecycle.
type Service interface {
	// Authorize screens and reserves credit, returning an APPROVED AUTH
	// transaction or a typed error.
	Authorize(ctx context.Context, in AuthorizeInput) (*ledger.Transaction, error)
	// Void cancels an APPROVED transaction and releases its reservation.
	// Voiding a CANCELLED transaction succeeds without further effect.
	Void(ctx context.Context, transactionID string) (*ledger.Transaction, error)
	// Capture settles an APPROVED transaction for up to the authorized amount.
	Capture(ctx context.Context, in CaptureInput) (*ledger.Transaction, error)
	// Chargeback disputes a SETTLED transaction and re-reserves the captured amount.
	Chargeback(ctx context.Context, in ChargebackInput) (*ledger.Transaction, error)

	GetTransaction(ctx context.Context, transactionID string) (*ledger.Transaction, error)
	ListTransactions(ctx context.Context, memberNumber string) ([]*ledger.Transaction, error)
	TransactionEvents(ctx context.Context, transactionID string) ([]eventstore.Event, error)
}

// AuthorizeInput is a validated authorization request. Amounts are minor units.
type AuthorizeInput struct {
	MemberNumber     string
	Amount           int64
	MerchantName     string
	MerchantCategory string
	// IdempotencyKey makes retries of the same request safe. Optional.
	IdempotencyKey string
}

func (in AuthorizeInput) Validate() error {
	if !ledger.ValidMemberNumber(in.MemberNumber) {
		return apperr.Validation("member_number", "member_number must match ^M[0-9]{9}$")
	}
	if in.Amount < MinAmount || in.Amount > MaxAmount {
		return apperr.Validation("amount", "amount must be between 1 and 10000000")
	}
	if len(in.MerchantName) > maxMerchantField {
		return apperr.Validation("merchant_name", "merchant_name is too long")
	}
	if len(in.MerchantCategory) > maxMerchantField {
		return apperr.Validation("merchant_category", "merchant_category is too long")
	}
	return nil
}

type CaptureInput struct {
	TransactionID  string
	Amount         int64
	IdempotencyKey string
}

func (in CaptureInput) Validate() error {
	if err := validateTransactionID(in.TransactionID); err != nil {
		return err
	}
	if in.Amount < MinAmount || in.Amount > MaxAmount {
		return apperr.Validation("amount", "amount must be between 1 and 10000000")
	}
	return nil
}

type ChargebackInput struct {
	TransactionID  string
	IdempotencyKey string
}

func (in ChargebackInput) Validate() error {
	return validateTransactionID(in.TransactionID)
}

func validateTransactionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("transaction_id", "transaction_id is required")
	}
	return nil
}
