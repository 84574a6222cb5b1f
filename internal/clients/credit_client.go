// internal/clients/credit_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"creditcore/internal/apperr"
	"creditcore/internal/credit"
	"creditcore/internal/ledger"
)

// CreditClient talks to a running credit service over its HTTP API.
// Declines come back as *apperr.Error so callers can match kinds exactly as
// they would against the in-process engine.
type CreditClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewCreditClient(baseURL string, httpClient *http.Client) *CreditClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &CreditClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *CreditClient) Authorize(ctx context.Context, req credit.AuthorizationRequest, idempotencyKey string) (*credit.Response, error) {
	return c.post(ctx, "/api/v1/credit/authorize", req, idempotencyKey)
}

func (c *CreditClient) Capture(ctx context.Context, transactionID string, amount int64, idempotencyKey string) (*credit.Response, error) {
	return c.post(ctx, "/api/v1/credit/capture", credit.CaptureRequest{
		TransactionID: transactionID,
		Amount:        decimal.NewFromInt(amount),
	}, idempotencyKey)
}

func (c *CreditClient) Void(ctx context.Context, transactionID string) (*credit.Response, error) {
	return c.post(ctx, "/api/v1/credit/void", credit.TransactionRequest{TransactionID: transactionID}, "")
}

func (c *CreditClient) Chargeback(ctx context.Context, transactionID, idempotencyKey string) (*credit.Response, error) {
	return c.post(ctx, "/api/v1/credit/chargeback", credit.TransactionRequest{TransactionID: transactionID}, idempotencyKey)
}

func (c *CreditClient) GetTransaction(ctx context.Context, transactionID string) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	if err := c.get(ctx, "/api/v1/credit/transactions/"+url.PathEscape(transactionID), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *CreditClient) GetMember(ctx context.Context, memberNumber string) (*ledger.Member, error) {
	var member ledger.Member
	if err := c.get(ctx, "/api/v1/members/"+url.PathEscape(memberNumber), &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *CreditClient) post(ctx context.Context, path string, body any, idempotencyKey string) (*credit.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(credit.IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.StorageUnavailable("POST "+path, err)
	}
	defer resp.Body.Close()

	var out credit.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, statusError(resp.StatusCode, err)
	}
	if !out.Success {
		if out.ErrorKind == "" {
			return &out, statusError(resp.StatusCode, nil)
		}
		return &out, &apperr.Error{
			Kind:    out.ErrorKind,
			Message: out.ErrorMessage,
			Fields:  out.Details,
			Alerts:  out.Alerts,
		}
	}
	return &out, nil
}

// statusError types a failure whose body carried no error kind.
func statusError(status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited()
	case status >= http.StatusInternalServerError:
		return apperr.StorageUnavailable(fmt.Sprintf("http %d", status), cause)
	default:
		return apperr.Internal(fmt.Sprintf("unexpected status code: %d", status), cause)
	}
}

func (c *CreditClient) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.StorageUnavailable("GET "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Kind    apperr.Kind       `json:"error_kind"`
			Message string            `json:"error_message"`
			Details map[string]string `json:"details"`
		}
		if err := json.Unmarshal(body, &failure); err != nil || failure.Kind == "" {
			return statusError(resp.StatusCode, err)
		}
		return &apperr.Error{Kind: failure.Kind, Message: failure.Message, Fields: failure.Details}
	}
	return json.Unmarshal(body, into)
}
