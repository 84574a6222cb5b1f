package ledger

import (
	"regexp"
	"time"
)

var memberNumberPattern = regexp.MustCompile(`^M[0-9]{9}$`)

// ValidMemberNumber reports whether s matches the member number format.
func ValidMemberNumber(s string) bool {
	return memberNumberPattern.MatchString(s)
}

// MemberStatus is the enrollment state of a member.
type MemberStatus string

const (
	MemberPending   MemberStatus = "PENDING"
	MemberActive    MemberStatus = "ACTIVE"
	MemberSuspended MemberStatus = "SUSPENDED"
	MemberClosed    MemberStatus = "CLOSED"
)

// Valid reports whether s is a known member status.
func (s MemberStatus) Valid() bool {
	switch s {
	case MemberPending, MemberActive, MemberSuspended, MemberClosed:
		return true
	}
	return false
}

// Member is the authoritative credit record of a card holder. Amounts are
// minor currency units.
type Member struct {
	MemberNumber   string       `json:"member_number"`
	Name           string       `json:"name,omitempty"`
	Email          string       `json:"email,omitempty"`
	Status         MemberStatus `json:"status"`
	CreditLimit    int64        `json:"credit_limit"`
	CurrentBalance int64        `json:"current_balance"`
	Version        int          `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// AvailableCredit is the amount that can still be reserved.
func (m *Member) AvailableCredit() int64 {
	return m.CreditLimit - m.CurrentBalance
}

func (m *Member) clone() *Member {
	c := *m
	return &c
}

// TransactionType classifies a transaction record.
type TransactionType string

const (
	TypeAuth        TransactionType = "AUTH"
	TypeCapture     TransactionType = "CAPTURE"
	TypeRefund      TransactionType = "REFUND"
	TypePayment     TransactionType = "PAYMENT"
	TypeChargeback  TransactionType = "CHARGEBACK"
	TypeInstallment TransactionType = "INSTALLMENT"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusApproved  TransactionStatus = "APPROVED"
	StatusDeclined  TransactionStatus = "DECLINED"
	StatusSettled   TransactionStatus = "SETTLED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusDisputed  TransactionStatus = "DISPUTED"
)

// Terminal reports whether s is a final state. A SETTLED transaction can
// still be disputed through a chargeback.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusDeclined, StatusCancelled, StatusDisputed, StatusSettled:
		return true
	}
	return false
}

// Action is a lifecycle operation applied to a transaction.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionDecline Action = "DECLINE"
	ActionVoid    Action = "VOID"
	ActionCapture Action = "CAPTURE"
	ActionDispute Action = "CHARGEBACK"
)

var transitions = map[TransactionStatus]map[Action]TransactionStatus{
	StatusPending: {
		ActionApprove: StatusApproved,
		ActionDecline: StatusDeclined,
	},
	StatusApproved: {
		ActionVoid:    StatusCancelled,
		ActionCapture: StatusSettled,
	},
	StatusSettled: {
		ActionDispute: StatusDisputed,
	},
}

// Next returns the status reached by applying action to from.
func Next(from TransactionStatus, action Action) (TransactionStatus, bool) {
	to, ok := transitions[from][action]
	return to, ok
}

// Transaction is a single authorization and its lifecycle.
type Transaction struct {
	TransactionID     string            `json:"transaction_id"`
	MemberNumber      string            `json:"member_number"`
	Type              TransactionType   `json:"type"`
	Amount            int64             `json:"amount"`
	CapturedAmount    int64             `json:"captured_amount,omitempty"`
	Status            TransactionStatus `json:"status"`
	AuthorizationCode string            `json:"authorization_code,omitempty"`
	MerchantName      string            `json:"merchant_name,omitempty"`
	MerchantCategory  string            `json:"merchant_category,omitempty"`
	Version           int               `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// OpenReservation is the part of the member balance still held by this
// transaction as an uncaptured authorization.
func (t *Transaction) OpenReservation() int64 {
	if t.Status == StatusApproved {
		return t.Amount
	}
	return 0
}

func (t *Transaction) clone() *Transaction {
	c := *t
	return &c
}
