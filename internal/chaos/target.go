package chaos

import (
	"context"

	"github.com/shopspring/decimal"

	"creditcore/internal/clients"
	"creditcore/internal/credit"
	"creditcore/internal/ledger"
)

// Target is the credit surface an experiment drives.
type Target interface {
	Authorize(ctx context.Context, memberNumber string, amount int64) (transactionID string, err error)
	Void(ctx context.Context, transactionID string) error
	Member(ctx context.Context, memberNumber string) (*ledger.Member, error)
}

const (
	probeMerchant = "chaos-probe"
	probeCategory = "retail"
)

// LocalTarget drives an in-process engine. Store should be the undecorated
// ledger so probes read the authoritative state even when faults are
// injected below the engine.
type LocalTarget struct {
	Service credit.Service
	Store   ledger.Store
}

func (t LocalTarget) Authorize(ctx context.Context, memberNumber string, amount int64) (string, error) {
	tx, err := t.Service.Authorize(ctx, credit.AuthorizeInput{
		MemberNumber:     memberNumber,
		Amount:           amount,
		MerchantName:     probeMerchant,
		MerchantCategory: probeCategory,
	})
	if err != nil {
		return "", err
	}
	return tx.TransactionID, nil
}

func (t LocalTarget) Void(ctx context.Context, transactionID string) error {
	_, err := t.Service.Void(ctx, transactionID)
	return err
}

func (t LocalTarget) Member(ctx context.Context, memberNumber string) (*ledger.Member, error) {
	return t.Store.GetMember(ctx, memberNumber)
}

// RemoteTarget drives a running service over HTTP.
type RemoteTarget struct {
	Client *clients.CreditClient
}

func (t RemoteTarget) Authorize(ctx context.Context, memberNumber string, amount int64) (string, error) {
	resp, err := t.Client.Authorize(ctx, credit.AuthorizationRequest{
		MemberNumber:     memberNumber,
		Amount:           decimal.NewFromInt(amount),
		MerchantName:     probeMerchant,
		MerchantCategory: probeCategory,
	}, "")
	if err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

func (t RemoteTarget) Void(ctx context.Context, transactionID string) error {
	_, err := t.Client.Void(ctx, transactionID)
	return err
}

func (t RemoteTarget) Member(ctx context.Context, memberNumber string) (*ledger.Member, error) {
	return t.Client.GetMember(ctx, memberNumber)
}
