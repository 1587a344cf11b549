// Package feedapi implements the cursor pagination client for the external
// transaction feed. It fetches one page per call, follows continuation
// tokens, retries transient failures with exponential backoff, and fails
// fast on credential rejection.
package feedapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/source"
)

// Client talks to the paginated feed over HTTPS. It is safe for concurrent
// use; per-call state lives in the request.
type Client struct {
	baseURL    string
	httpClient *http.Client

	maxRetries int
	baseDelay  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets the transient-failure retry budget and base backoff delay.
func WithRetries(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

// NewClient creates a feed client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pageRequestBody struct {
	AccountID string `json:"account_id,omitempty"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Count     int    `json:"count"`
	Cursor    string `json:"cursor,omitempty"`
}

type pageResponseBody struct {
	Transactions []source.RawRecord `json:"transactions"`
	NextCursor   string             `json:"next_cursor"`
	HasMore      bool               `json:"has_more"`
}

type accountsResponseBody struct {
	Accounts []source.RawAccount `json:"accounts"`
}

type errorResponseBody struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// FetchPage retrieves one page of records for the request's window. The
// same page is retried on timeouts and 5xx responses, up to the configured
// budget; 401/403 return a *source.AuthError with no retry.
func (c *Client) FetchPage(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > source.MaxPageSize {
		pageSize = source.MaxPageSize
	}

	body := pageRequestBody{
		AccountID: req.AccountExternalID,
		StartDate: req.Start.Format("2006-01-02"),
		EndDate:   req.End.Format("2006-01-02"),
		Count:     pageSize,
		Cursor:    req.Token,
	}

	var page pageResponseBody
	if err := c.post(ctx, "/transactions/get", req.Credential, body, &page); err != nil {
		return nil, fmt.Errorf("FetchPage: %w", err)
	}

	return &source.Page{
		Records:   page.Transactions,
		NextToken: page.NextCursor,
		HasMore:   page.HasMore,
	}, nil
}

// ListAccounts retrieves the accounts reachable with the credential.
func (c *Client) ListAccounts(ctx context.Context, credential string) ([]source.RawAccount, error) {
	var resp accountsResponseBody
	if err := c.post(ctx, "/accounts/get", credential, struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}
	return resp.Accounts, nil
}

// post sends one JSON request, retrying transient failures. The request
// body is re-marshalled per attempt so retries resend identical pages.
func (c *Client) post(ctx context.Context, path, credential string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			log.Debug().
				Str("path", path).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying feed request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doOnce(ctx, path, credential, payload, out)
		if lastErr == nil {
			return nil
		}

		var transient *source.TransientError
		if !errors.As(lastErr, &transient) {
			return lastErr
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, path, credential string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &source.TransientError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &source.TransientError{Message: "reading response body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &source.AuthError{Status: resp.StatusCode, Message: errorMessage(raw)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &source.TransientError{Status: resp.StatusCode, Message: errorMessage(raw)}
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorMessage(raw))
	}
}

func errorMessage(raw []byte) string {
	var e errorResponseBody
	if err := json.Unmarshal(raw, &e); err == nil && e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	s := string(raw)
	const maxLen = 200
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
