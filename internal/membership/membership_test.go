package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcore/internal/apperr"
	"creditcore/internal/eventstore"
	"creditcore/internal/ledger"
)

const number = "M000000042"

func newTestService(t *testing.T) (Service, *ledger.MemoryStore, *eventstore.MemoryJournal) {
	t.Helper()
	store := ledger.NewMemoryStore()
	journal := eventstore.NewMemoryJournal()
	return NewService(store, journal, nil), store, journal
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	svc, _, journal := newTestService(t)

	m, err := svc.Enroll(ctx, EnrollInput{MemberNumber: number, Name: " Hanako ", Email: "hanako@example.com", CreditLimit: 300000})
	require.NoError(t, err)
	assert.Equal(t, ledger.MemberPending, m.Status)
	assert.Equal(t, "Hanako", m.Name)
	assert.Zero(t, m.CurrentBalance)
	assert.Equal(t, int64(300000), m.AvailableCredit())

	_, err = svc.Enroll(ctx, EnrollInput{MemberNumber: number, CreditLimit: 1})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	events, err := journal.LoadEvents(ctx, number, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "MemberEnrolled", events[0].EventType)
	assert.Equal(t, "member", events[0].AggregateType)
}

func TestEnroll_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name  string
		in    EnrollInput
		field string
	}{
		{"bad number", EnrollInput{MemberNumber: "42", CreditLimit: 1}, "member_number"},
		{"negative limit", EnrollInput{MemberNumber: number, CreditLimit: -1}, "credit_limit"},
		{"bad email", EnrollInput{MemberNumber: number, Email: "not-an-address"}, "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enroll(context.Background(), tt.in)
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, tt.field, apperr.Field(err, "field"))
		})
	}
}

func TestUpdateStatus_Transitions(t *testing.T) {
	ctx := context.Background()
	svc, _, journal := newTestService(t)
	_, err := svc.Enroll(ctx, EnrollInput{MemberNumber: number, CreditLimit: 1000})
	require.NoError(t, err)

	steps := []struct {
		to      ledger.MemberStatus
		allowed bool
	}{
		{ledger.MemberSuspended, false},
		{ledger.MemberActive, true},
		{ledger.MemberPending, false},
		{ledger.MemberSuspended, true},
		{ledger.MemberActive, true},
		{ledger.MemberClosed, true},
		{ledger.MemberActive, false},
	}
	for _, step := range steps {
		m, err := svc.UpdateStatus(ctx, number, step.to)
		if step.allowed {
			require.NoError(t, err, "to %s", step.to)
			assert.Equal(t, step.to, m.Status)
		} else {
			assert.ErrorIs(t, err, apperr.ErrValidation, "to %s", step.to)
		}
	}

	events, err := journal.LoadEvents(ctx, number, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	_, err = svc.UpdateStatus(ctx, number, "FROZEN")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.UpdateStatus(ctx, "M999999999", ledger.MemberActive)
	assert.ErrorIs(t, err, apperr.ErrMemberNotFound)
}

func TestUpdateStatus_CloseRequiresZeroBalance(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	_, err := svc.Enroll(ctx, EnrollInput{MemberNumber: number, CreditLimit: 1000})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, number, ledger.MemberActive)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, number, 300)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, number, ledger.MemberClosed)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = store.Release(ctx, number, 300)
	require.NoError(t, err)
	m, err := svc.UpdateStatus(ctx, number, ledger.MemberClosed)
	require.NoError(t, err)
	assert.Equal(t, ledger.MemberClosed, m.Status)
}

func TestUpdateCreditLimit(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	_, err := svc.Enroll(ctx, EnrollInput{MemberNumber: number, CreditLimit: 1000})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, number, ledger.MemberActive)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, number, 800)
	require.NoError(t, err)

	_, err = svc.UpdateCreditLimit(ctx, number, 500)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	m, err := svc.UpdateCreditLimit(ctx, number, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(4200), m.AvailableCredit())
}

func TestHandler(t *testing.T) {
	svc, _, _ := newTestService(t)
	srv := httptest.NewServer(NewHandler(svc).Routes())
	defer srv.Close()

	do := func(method, path, body string) (*http.Response, map[string]any) {
		req, err := http.NewRequest(method, srv.URL+path, bytes.NewBufferString(body))
		require.NoError(t, err)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		return res, out
	}

	res, out := do(http.MethodPost, "/", `{"member_number":"M000000042","name":"Taro","credit_limit":50000}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "PENDING", out["status"])

	res, _ = do(http.MethodPost, "/", `{"member_number":"M000000042","credit_limit":50000}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, out = do(http.MethodPut, "/M000000042/status", `{"status":"ACTIVE"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ACTIVE", out["status"])

	res, out = do(http.MethodGet, "/M000000042", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(50000), out["credit_limit"])

	res, out = do(http.MethodGet, "/M000000043", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, string(apperr.KindMemberNotFound), out["error_kind"])

	res, out = do(http.MethodPut, "/M000000042/limit", `{"credit_limit":-5}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, map[string]any{"field": "credit_limit"}, out["details"])

	res, out = do(http.MethodPost, "/", `{"member_number":"M000000044","name":"`+strings.Repeat("x", maxBodyBytes)+`"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, string(apperr.KindValidation), out["error_kind"])
}
