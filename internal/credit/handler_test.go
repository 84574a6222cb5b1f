package credit

import (
	"bytes"
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

func newTestServer(t *testing.T, limit, balance int64) (*httptest.Server, *fixture) {
	t.Helper()
	f := newFixture(t, limit, balance)
	srv := httptest.NewServer(NewHandler(f.svc, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, f
}

func post(t *testing.T, url, body string, headers map[string]string) (int, Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHandler_AuthorizeCaptureFlow(t *testing.T) {
	srv, f := newTestServer(t, 500000, 100000)

	status, resp := post(t, srv.URL+"/authorize",
		`{"member_number":"M123456789","amount":"10000","merchant_name":"ACME","merchant_category":"retail","currency":"JPY"}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, ResponseApproved, resp.ResponseCode)
	assert.Equal(t, "APPROVED", resp.Status)
	assert.Len(t, resp.AuthorizationCode, 6)
	assert.Equal(t, int64(110000), f.balance(t))

	status, resp = post(t, srv.URL+"/capture",
		`{"transaction_id":"`+resp.TransactionID+`","amount":9000}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "SETTLED", resp.Status)
	assert.Equal(t, int64(9000), resp.CapturedAmount)
	assert.Equal(t, int64(109000), f.balance(t))

	status, resp = post(t, srv.URL+"/void", `{"transaction_id":"`+resp.TransactionID+`"}`, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, resp.Success)
	assert.Equal(t, apperr.KindInvalidStateTransition, resp.ErrorKind)

	res, err := http.Get(srv.URL + "/transactions/" + resp.TransactionID + "/events")
	require.NoError(t, err)
	defer res.Body.Close()
	var events []eventstore.Event
	require.NoError(t, json.NewDecoder(res.Body).Decode(&events))
	assert.Len(t, events, 2)
}

func TestHandler_RejectsOversizedBody(t *testing.T) {
	srv, f := newTestServer(t, 500000, 0)

	name := strings.Repeat("x", maxBodyBytes)
	status, resp := post(t, srv.URL+"/authorize",
		`{"member_number":"M123456789","amount":100,"merchant_name":"`+name+`","merchant_category":"retail"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.KindValidation, resp.ErrorKind)
	assert.Equal(t, "body", resp.Details["field"])
	assert.Equal(t, int64(0), f.balance(t))
}

func TestHandler_DeclineCarriesDetails(t *testing.T) {
	srv, _ := newTestServer(t, 500000, 100000)

	status, resp := post(t, srv.URL+"/authorize",
		`{"member_number":"M123456789","amount":450000,"merchant_name":"ACME","merchant_category":"retail"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "M123456789", resp.Details["member_number"])
	assert.Equal(t, "400000", resp.Details["available"])
	assert.False(t, resp.Retryable)
}

func TestHandler_Declines(t *testing.T) {
	srv, f := newTestServer(t, 500000, 100000)

	tests := []struct {
		name   string
		body   string
		status int
		code   ResponseCode
		kind   apperr.Kind
		alerts []string
	}{
		{
			name:   "limit exceeded",
			body:   `{"member_number":"M123456789","amount":1000000,"merchant_name":"ACME","merchant_category":"retail"}`,
			status: http.StatusUnprocessableEntity,
			code:   ResponseInsufficientFunds,
			kind:   apperr.KindCreditLimitExceeded,
		},
		{
			name:   "fraud",
			body:   `{"member_number":"M123456789","amount":50000,"merchant_name":"Lucky","merchant_category":"Gambling"}`,
			status: http.StatusUnprocessableEntity,
			code:   ResponseDoNotHonor,
			kind:   apperr.KindFraudDetected,
			alerts: []string{"high-risk merchant category"},
		},
		{
			name:   "fractional amount",
			body:   `{"member_number":"M123456789","amount":"10.5","merchant_name":"ACME","merchant_category":"retail"}`,
			status: http.StatusBadRequest,
			code:   ResponseFormatError,
			kind:   apperr.KindValidation,
		},
		{
			name:   "missing merchant",
			body:   `{"member_number":"M123456789","amount":10,"merchant_category":"retail"}`,
			status: http.StatusBadRequest,
			code:   ResponseFormatError,
			kind:   apperr.KindValidation,
		},
		{
			name:   "unknown currency",
			body:   `{"member_number":"M123456789","amount":10,"merchant_name":"ACME","merchant_category":"retail","currency":"GBP"}`,
			status: http.StatusBadRequest,
			code:   ResponseFormatError,
			kind:   apperr.KindValidation,
		},
		{
			name:   "malformed json",
			body:   `{"member_number":`,
			status: http.StatusBadRequest,
			code:   ResponseFormatError,
			kind:   apperr.KindValidation,
		},
		{
			name:   "unknown member",
			body:   `{"member_number":"M000000001","amount":10,"merchant_name":"ACME","merchant_category":"retail"}`,
			status: http.StatusNotFound,
			code:   ResponseInvalidTxn,
			kind:   apperr.KindMemberNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := post(t, srv.URL+"/authorize", tt.body, nil)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.ResponseCode)
			assert.Equal(t, tt.kind, resp.ErrorKind)
			assert.Equal(t, tt.alerts, resp.Alerts)
		})
	}
	assert.Equal(t, int64(100000), f.balance(t))
}

func TestHandler_IdempotencyHeader(t *testing.T) {
	srv, f := newTestServer(t, 500000, 0)
	body := `{"member_number":"M123456789","amount":100,"merchant_name":"ACME","merchant_category":"retail"}`
	headers := map[string]string{IdempotencyKeyHeader: "abc-123"}

	_, first := post(t, srv.URL+"/authorize", body, headers)
	_, second := post(t, srv.URL+"/authorize", body, headers)
	require.True(t, first.Success)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(100), f.balance(t))
}

func TestHandler_Reads(t *testing.T) {
	srv, _ := newTestServer(t, 500000, 0)
	_, resp := post(t, srv.URL+"/authorize",
		`{"member_number":"M123456789","amount":100,"merchant_name":"ACME","merchant_category":"retail"}`, nil)
	require.True(t, resp.Success)

	res, err := http.Get(srv.URL + "/transactions/" + resp.TransactionID)
	require.NoError(t, err)
	var tx ledger.Transaction
	require.NoError(t, json.NewDecoder(res.Body).Decode(&tx))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(100), tx.Amount)

	res, err = http.Get(srv.URL + "/members/M123456789/transactions")
	require.NoError(t, err)
	var txs []ledger.Transaction
	require.NoError(t, json.NewDecoder(res.Body).Decode(&txs))
	res.Body.Close()
	assert.Len(t, txs, 1)

	res, err = http.Get(srv.URL + "/transactions/TX404")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
