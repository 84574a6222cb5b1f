// internal/membership/implementation.go
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"creditcore/internal/apperr"
	"creditcore/internal/eventstore"
	"creditcore/internal/ledger"
)

const aggregateType = "member"

// service implements the Service interface.
type service struct {
	store   ledger.Store
	journal eventstore.Journal
	logger  *zap.Logger
}

// NewService creates a new membership service instance.
func NewService(store ledger.Store, journal eventstore.Journal, logger *zap.Logger) Service {
	if journal == nil {
		journal = eventstore.NewMemoryJournal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{store: store, journal: journal, logger: logger}
}

// Enroll creates a PENDING member with a zero balance.
func (s *service) Enroll(ctx context.Context, in EnrollInput) (*ledger.Member, error) {
	if !ledger.ValidMemberNumber(in.MemberNumber) {
		return nil, apperr.Validation("member_number", "member_number must match ^M[0-9]{9}$")
	}
	if in.CreditLimit < 0 {
		return nil, apperr.Validation("credit_limit", "credit_limit must not be negative")
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return nil, apperr.Validation("email", "email is not a valid address")
		}
	}

	member := &ledger.Member{
		MemberNumber: in.MemberNumber,
		Name:         strings.TrimSpace(in.Name),
		Email:        in.Email,
		Status:       ledger.MemberPending,
		CreditLimit:  in.CreditLimit,
	}
	if err := s.store.CreateMember(ctx, member); err != nil {
		if errors.Is(err, ledger.ErrDuplicateMember) {
			return nil, apperr.Conflict("member number already enrolled",
				map[string]string{"member_number": in.MemberNumber})
		}
		return nil, err
	}

	s.appendEvent(ctx, in.MemberNumber, "MemberEnrolled", MemberEnrolledEvent{
		MemberNumber: in.MemberNumber,
		Email:        in.Email,
		Name:         member.Name,
		CreditLimit:  in.CreditLimit,
	})
	s.logger.Info("member enrolled", zap.String("member_number", in.MemberNumber), zap.Int64("credit_limit", in.CreditLimit))

	return s.store.GetMember(ctx, in.MemberNumber)
}

// GetMember retrieves a member by number.
func (s *service) GetMember(ctx context.Context, memberNumber string) (*ledger.Member, error) {
	if !ledger.ValidMemberNumber(memberNumber) {
		return nil, apperr.Validation("member_number", "member_number must match ^M[0-9]{9}$")
	}
	return s.store.GetMember(ctx, memberNumber)
}

// UpdateStatus moves a member along the enrollment lifecycle. A member can
// only be closed once nothing is owed or reserved.
func (s *service) UpdateStatus(ctx context.Context, memberNumber string, status ledger.MemberStatus) (*ledger.Member, error) {
	if !status.Valid() {
		return nil, apperr.Validation("status", fmt.Sprintf("unknown member status %q", status))
	}

	var from ledger.MemberStatus
	member, err := s.store.UpdateMember(ctx, memberNumber, func(m *ledger.Member) error {
		from = m.Status
		if !canTransition(m.Status, status) {
			return apperr.Validation("status", fmt.Sprintf("cannot change member status from %s to %s", m.Status, status))
		}
		if status == ledger.MemberClosed && m.CurrentBalance != 0 {
			return apperr.Validation("status", "cannot close a member with an outstanding balance")
		}
		m.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendEvent(ctx, memberNumber, "MemberStatusChanged", MemberStatusChangedEvent{
		MemberNumber: memberNumber,
		From:         from,
		To:           status,
	})
	s.logger.Info("member status changed",
		zap.String("member_number", memberNumber),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	return member, nil
}

// UpdateCreditLimit changes the limit. It may not drop below the balance.
func (s *service) UpdateCreditLimit(ctx context.Context, memberNumber string, limit int64) (*ledger.Member, error) {
	if limit < 0 {
		return nil, apperr.Validation("credit_limit", "credit_limit must not be negative")
	}

	var from int64
	member, err := s.store.UpdateMember(ctx, memberNumber, func(m *ledger.Member) error {
		if m.Status == ledger.MemberClosed {
			return apperr.MemberNotEligible(m.MemberNumber, string(m.Status))
		}
		from = m.CreditLimit
		m.CreditLimit = limit
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendEvent(ctx, memberNumber, "CreditLimitChanged", CreditLimitChangedEvent{
		MemberNumber: memberNumber,
		From:         from,
		To:           limit,
	})
	return member, nil
}

// appendEvent journals a committed member change, logging failures.
func (s *service) appendEvent(ctx context.Context, memberNumber, eventType string, payload any) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal event data", zap.Error(err))
		return
	}

	bg := context.WithoutCancel(ctx)
	event := []eventstore.Event{{EventType: eventType, EventData: jsonData}}
	for attempt := 0; attempt < 3; attempt++ {
		var version int
		version, err = s.journal.CurrentVersion(bg, memberNumber)
		if err == nil {
			err = s.journal.AppendEvents(bg, memberNumber, aggregateType, version, event)
		}
		// Another change to the same member journaled first; reread the version.
		if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
			break
		}
	}
	if err != nil {
		s.logger.Error("failed to append event",
			zap.String("member_number", memberNumber),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
