// Package apperr defines the typed failures returned by the credit engine.
//
// Every failure carries a Kind plus the identifiers needed to log it and to
// decide whether the caller may retry. Callers match kinds with errors.Is
// against the exported sentinels:
//
//	if errors.Is(err, apperr.ErrCreditLimitExceeded) { ... }
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind is the machine-readable failure category.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindMemberNotFound         Kind = "MEMBER_NOT_FOUND"
	KindMemberNotEligible      Kind = "MEMBER_NOT_ELIGIBLE"
	KindCreditLimitExceeded    Kind = "CREDIT_LIMIT_EXCEEDED"
	KindFraudDetected          Kind = "FRAUD_DETECTED"
	KindTransactionNotFound    Kind = "TRANSACTION_NOT_FOUND"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindStorageUnavailable     Kind = "STORAGE_UNAVAILABLE"
	KindConflict               Kind = "CONFLICT"
	KindRateLimited            Kind = "RATE_LIMITED"
	KindInternal               Kind = "INTERNAL"
)

// Error is the structured failure value.
type Error struct {
	Kind    Kind
	Message string
	// Fields holds the identifiers relevant to the failure (member_number,
	// transaction_id, from, attempted, ...).
	Fields map[string]string
	// Alerts is only populated for KindFraudDetected.
	Alerts []string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Fields[k])
		}
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable reports whether the same request may succeed if sent again
// without changes.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindStorageUnavailable, KindConflict, KindRateLimited:
		return true
	default:
		return false
	}
}

// Field returns the named identifier, or "" when absent.
func (e *Error) Field(key string) string {
	return e.Fields[key]
}

// Sentinels for errors.Is.
var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrMemberNotFound         = &Error{Kind: KindMemberNotFound}
	ErrMemberNotEligible      = &Error{Kind: KindMemberNotEligible}
	ErrCreditLimitExceeded    = &Error{Kind: KindCreditLimitExceeded}
	ErrFraudDetected          = &Error{Kind: KindFraudDetected}
	ErrTransactionNotFound    = &Error{Kind: KindTransactionNotFound}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrStorageUnavailable     = &Error{Kind: KindStorageUnavailable}
	ErrConflict               = &Error{Kind: KindConflict}
	ErrRateLimited            = &Error{Kind: KindRateLimited}
	ErrInternal               = &Error{Kind: KindInternal}
)

// Validation reports malformed input on the named field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: map[string]string{"field": field}}
}

// MemberNotFound reports an unknown member number.
func MemberNotFound(memberNumber string) *Error {
	return &Error{
		Kind:    KindMemberNotFound,
		Message: "member not found",
		Fields:  map[string]string{"member_number": memberNumber},
	}
}

// MemberNotEligible reports a member whose status does not allow the operation.
func MemberNotEligible(memberNumber, status string) *Error {
	return &Error{
		Kind:    KindMemberNotEligible,
		Message: "member is not eligible",
		Fields:  map[string]string{"member_number": memberNumber, "status": status},
	}
}

// CreditLimitExceeded reports insufficient available credit.
func CreditLimitExceeded(memberNumber string, requested, available int64) *Error {
	return &Error{
		Kind:    KindCreditLimitExceeded,
		Message: "credit limit exceeded",
		Fields: map[string]string{
			"member_number": memberNumber,
			"requested":     fmt.Sprint(requested),
			"available":     fmt.Sprint(available),
		},
	}
}

// FraudDetected carries the alerts raised by the fraud screen.
func FraudDetected(memberNumber string, alerts []string) *Error {
	return &Error{
		Kind:    KindFraudDetected,
		Message: "fraud detected: " + strings.Join(alerts, ", "),
		Fields:  map[string]string{"member_number": memberNumber},
		Alerts:  append([]string(nil), alerts...),
	}
}

// TransactionNotFound reports an unknown transaction id.
func TransactionNotFound(transactionID string) *Error {
	return &Error{
		Kind:    KindTransactionNotFound,
		Message: "transaction not found",
		Fields:  map[string]string{"transaction_id": transactionID},
	}
}

// InvalidStateTransition reports a lifecycle operation attempted from a state
// that is not its source.
func InvalidStateTransition(transactionID, from, attempted string) *Error {
	return &Error{
		Kind:    KindInvalidStateTransition,
		Message: fmt.Sprintf("cannot %s a %s transaction", strings.ToLower(attempted), from),
		Fields: map[string]string{
			"transaction_id": transactionID,
			"from":           from,
			"attempted":      attempted,
		},
	}
}

// StorageUnavailable wraps a transient infrastructure failure.
func StorageUnavailable(op string, cause error) *Error {
	return &Error{
		Kind:    KindStorageUnavailable,
		Message: "storage unavailable",
		Fields:  map[string]string{"op": op},
		Cause:   cause,
	}
}

// Conflict reports a competing in-flight or duplicate write.
func Conflict(message string, fields map[string]string) *Error {
	return &Error{Kind: KindConflict, Message: message, Fields: fields}
}

// RateLimited reports a request refused because the caller is over its rate.
func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is an *Error that may be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Field returns the named identifier of the first *Error in err's chain.
func Field(err error, key string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field(key)
	}
	return ""
}

// AlertsOf returns the fraud alerts carried by err, if any.
func AlertsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Alerts
	}
	return nil
}

// HTTPStatus maps err to the status code the API answers with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindMemberNotFound, KindTransactionNotFound:
		return http.StatusNotFound
	case KindMemberNotEligible, KindCreditLimitExceeded, KindFraudDetected:
		return http.StatusUnprocessableEntity
	case KindInvalidStateTransition, KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
