// internal/credit/messages.go
package credit

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"creditcore/internal/apperr"
	"creditcore/internal/ledger"
)

// Amount bounds accepted on inbound messages, in minor units.
const (
	MinAmount int64 = 1
	MaxAmount int64 = 10_000_000

	maxMerchantField = 100
)

// ResponseCode is the two-digit authorization outcome carried on responses.
type ResponseCode string

const (
	ResponseApproved          ResponseCode = "00"
	ResponseReferToIssuer     ResponseCode = "01"
	ResponseReferSpecial      ResponseCode = "02"
	ResponseDoNotHonor        ResponseCode = "05"
	ResponseInvalidTxn        ResponseCode = "12"
	ResponseFormatError       ResponseCode = "30"
	ResponseLostCard          ResponseCode = "41"
	ResponseStolenCard        ResponseCode = "43"
	ResponseInsufficientFunds ResponseCode = "51"
	ResponseExpiredCard       ResponseCode = "54"
)

// ResponseCodeFor maps an engine outcome to a response code.
func ResponseCodeFor(err error) ResponseCode {
	if err == nil {
		return ResponseApproved
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return ResponseFormatError
	case apperr.KindCreditLimitExceeded:
		return ResponseInsufficientFunds
	case apperr.KindMemberNotEligible, apperr.KindFraudDetected:
		return ResponseDoNotHonor
	case apperr.KindMemberNotFound, apperr.KindTransactionNotFound, apperr.KindInvalidStateTransition:
		return ResponseInvalidTxn
	default:
		return ResponseReferToIssuer
	}
}

// Currencies accepted on authorization requests.
var currencies = map[string]bool{"JPY": true, "USD": true, "EUR": true}

// AuthorizationRequest is the inbound authorization message.
type AuthorizationRequest struct {
	MemberNumber     string          `json:"member_number"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency,omitempty"`
	MerchantID       string          `json:"merchant_id,omitempty"`
	MerchantName     string          `json:"merchant_name"`
	MerchantCategory string          `json:"merchant_category"`
	TerminalID       string          `json:"terminal_id,omitempty"`
}

// Input validates the message and converts it to engine input.
func (r AuthorizationRequest) Input(idempotencyKey string) (AuthorizeInput, error) {
	amount, err := minorUnits("amount", r.Amount)
	if err != nil {
		return AuthorizeInput{}, err
	}
	if r.Currency != "" && !currencies[strings.ToUpper(r.Currency)] {
		return AuthorizeInput{}, apperr.Validation("currency", "currency must be one of JPY, USD, EUR")
	}
	if strings.TrimSpace(r.MerchantName) == "" {
		return AuthorizeInput{}, apperr.Validation("merchant_name", "merchant_name is required")
	}
	if strings.TrimSpace(r.MerchantCategory) == "" {
		return AuthorizeInput{}, apperr.Validation("merchant_category", "merchant_category is required")
	}
	in := AuthorizeInput{
		MemberNumber:     r.MemberNumber,
		Amount:           amount,
		MerchantName:     r.MerchantName,
		MerchantCategory: r.MerchantCategory,
		IdempotencyKey:   idempotencyKey,
	}
	return in, in.Validate()
}

// CaptureRequest is the inbound capture message.
type CaptureRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

func (r CaptureRequest) Input(idempotencyKey string) (CaptureInput, error) {
	amount, err := minorUnits("amount", r.Amount)
	if err != nil {
		return CaptureInput{}, err
	}
	in := CaptureInput{TransactionID: r.TransactionID, Amount: amount, IdempotencyKey: idempotencyKey}
	return in, in.Validate()
}

// TransactionRequest names a transaction for void and chargeback.
type TransactionRequest struct {
	TransactionID string `json:"transaction_id"`
}

// Response is returned by every credit endpoint.
type Response struct {
	Success           bool         `json:"success"`
	TransactionID     string       `json:"transaction_id,omitempty"`
	AuthorizationCode string       `json:"authorization_code,omitempty"`
	Status            string       `json:"status,omitempty"`
	Amount            int64        `json:"amount,omitempty"`
	CapturedAmount    int64        `json:"captured_amount,omitempty"`
	ResponseCode      ResponseCode `json:"response_code"`
	ErrorKind         apperr.Kind  `json:"error_kind,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	Alerts            []string     `json:"alerts,omitempty"`
	// Details carries the identifiers of a failure (member_number, from,
	// attempted, ...).
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// NewResponse builds the response for a transaction or an error.
func NewResponse(tx *ledger.Transaction, err error) Response {
	resp := Response{ResponseCode: ResponseCodeFor(err)}
	if err != nil {
		resp.ErrorKind = apperr.KindOf(err)
		resp.ErrorMessage = err.Error()
		resp.Alerts = apperr.AlertsOf(err)
		resp.Retryable = apperr.IsRetryable(err)
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			resp.TransactionID = appErr.Field("transaction_id")
			resp.ErrorMessage = appErr.Message
			resp.Details = appErr.Fields
		}
		return resp
	}
	resp.Success = true
	resp.TransactionID = tx.TransactionID
	resp.AuthorizationCode = tx.AuthorizationCode
	resp.Status = string(tx.Status)
	resp.Amount = tx.Amount
	resp.CapturedAmount = tx.CapturedAmount
	return resp
}

// minorUnits converts a decimal amount to an integral number of minor units
// within [MinAmount, MaxAmount].
func minorUnits(field string, d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(0)) {
		return 0, apperr.Validation(field, field+" must be a whole number of minor units")
	}
	if d.LessThan(decimal.NewFromInt(MinAmount)) || d.GreaterThan(decimal.NewFromInt(MaxAmount)) {
		return 0, apperr.Validation(field, field+" must be between 1 and 10000000")
	}
	return d.IntPart(), nil
}
