// internal/membership/domain.go
package membership

import (
	"creditcore/internal/ledger"
)

// statusTransitions lists the statuses reachable from each status. CLOSED
// is final.
var statusTransitions = map[ledger.MemberStatus][]ledger.MemberStatus{
	ledger.MemberPending:   {ledger.MemberActive, ledger.MemberClosed},
	ledger.MemberActive:    {ledger.MemberSuspended, ledger.MemberClosed},
	ledger.MemberSuspended: {ledger.MemberActive, ledger.MemberClosed},
}

func canTransition(from, to ledger.MemberStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EnrollInput describes a new card holder.
type EnrollInput struct {
	MemberNumber string `json:"member_number"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	CreditLimit  int64  `json:"credit_limit"`
}

// MemberEnrolledEvent is journaled when a member enrolls.
type MemberEnrolledEvent struct {
	MemberNumber string `json:"member_number"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	CreditLimit  int64  `json:"credit_limit"`
}

// MemberStatusChangedEvent is journaled when a member changes status.
type MemberStatusChangedEvent struct {
	MemberNumber string              `json:"member_number"`
	From         ledger.MemberStatus `json:"from"`
	To           ledger.MemberStatus `json:"to"`
}

// CreditLimitChangedEvent is journaled when a member's limit changes.
type CreditLimitChangedEvent struct {
	MemberNumber string `json:"member_number"`
	From         int64  `json:"from"`
	To           int64  `json:"to"`
}
