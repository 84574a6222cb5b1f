package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creditcore/internal/apperr"
	"creditcore/internal/chaos"
	"creditcore/internal/config"
	"creditcore/internal/credit"
	"creditcore/internal/ledger"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBuildApp_InMemory(t *testing.T) {
	ctx := context.Background()
	a, err := buildApp(ctx, testConfig(t), zap.NewNop(), nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Len(t, a.closers, 1, "in-memory idempotency sweeper is stopped on close")

	require.NoError(t, seedMember(ctx, a.members, "M900000001", 50000))
	require.NoError(t, seedMember(ctx, a.members, "M900000001", 50000), "seeding twice is a no-op")
	require.NoError(t, migrateSchema(ctx, a))

	tx, err := a.credit.Authorize(ctx, credit.AuthorizeInput{
		MemberNumber:     "M900000001",
		Amount:           1200,
		MerchantName:     "Kiosk",
		MerchantCategory: "retail",
	})
	require.NoError(t, err)
	assert.Regexp(t, `^TX[0-9]{9}$`, tx.TransactionID)

	m, err := a.base.GetMember(ctx, "M900000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.MemberActive, m.Status)
	assert.Equal(t, int64(1200), m.CurrentBalance)
}

func TestBuildApp_RedisIdempotency(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	ctx := context.Background()

	a, err := buildApp(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, seedMember(ctx, a.members, "M900000001", 50000))

	in := credit.AuthorizeInput{
		MemberNumber:     "M900000001",
		Amount:           500,
		MerchantName:     "Kiosk",
		MerchantCategory: "retail",
		IdempotencyKey:   "k-1",
	}
	first, err := a.credit.Authorize(ctx, in)
	require.NoError(t, err)
	second, err := a.credit.Authorize(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.NotEmpty(t, mr.Keys())
}

func TestBuildApp_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisAddr = "127.0.0.1:1"
	_, err := buildApp(context.Background(), cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestBuildApp_WrapsBaseStore(t *testing.T) {
	ctx := context.Background()
	var faulty *chaos.FaultyStore
	a, err := buildApp(ctx, testConfig(t), zap.NewNop(), func(s ledger.Store) ledger.Store {
		faulty = chaos.NewFaultyStore(s)
		return faulty
	})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, seedMember(ctx, a.members, "M900000001", 50000))

	faulty.Fail("GetMember")
	_, err = a.credit.Authorize(ctx, credit.AuthorizeInput{
		MemberNumber:     "M900000001",
		Amount:           500,
		MerchantName:     "Kiosk",
		MerchantCategory: "retail",
	})
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
}
