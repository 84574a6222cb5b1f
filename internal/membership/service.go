// internal/membership/service.go
package membership

import (
	"context"

	"creditcore/internal/ledger"
)

// Service defines the interface for the membership service.
type Service interface {
	Enroll(ctx context.Context, in EnrollInput) (*ledger.Member, error)
	GetMember(ctx context.Context, memberNumber string) (*ledger.Member, error)
	UpdateStatus(ctx context.Context, memberNumber string, status ledger.MemberStatus) (*ledger.Member, error)
	UpdateCreditLimit(ctx context.Context, memberNumber string, limit int64) (*ledger.Member, error)
}
