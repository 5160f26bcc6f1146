// Package pointsclient is the Go client for the pointsync HTTP API and
// push channel. Client satisfies syncengine.Transport.
package pointsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/pointsync/internal/ledger"
	"github.com/mbd888/pointsync/internal/reconciliation"
)

const (
	// DefaultTimeout bounds every call.
	DefaultTimeout = 10 * time.Second

	passwordHeader = "X-Access-Password"
	apiPrefix      = "/v1"
)

var (
	// ErrUnavailable matches transport failures, timeouts, 429 and 5xx.
	ErrUnavailable = errors.New("points service unavailable")

	// ErrUnauthorized matches 401 and 403 responses.
	ErrUnauthorized = errors.New("not authorized")
)

// APIError is a non-2xx response. It matches ledger.ErrValidation for
// 400, ErrUnauthorized for 401/403 and ErrUnavailable for 429/5xx.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%d %s: %s %s", e.StatusCode, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ledger.ErrValidation:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrUnavailable:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
	return false
}

// Client calls the pointsync API.
type Client struct {
	httpClient *http.Client

	BaseURL   string
	Password  string
	SessionID string // sent as X-Session-ID so the caller's own push is suppressed
}

// NewClient creates a client for baseURL (scheme and host, no path).
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetTimeout changes the per-call ceiling.
func (c *Client) SetTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// Mutate applies one credit or debit.
func (c *Client) Mutate(ctx context.Context, m ledger.Mutation) (*ledger.Result, error) {
	body := ledger.MutateRequest{
		ChildKey:   m.ChildKey,
		Delta:      m.Delta,
		Reason:     m.Reason,
		Direction:  m.Direction,
		ClientOpID: m.ClientOpID,
	}
	var resp ledger.MutateResponse
	if err := c.do(ctx, http.MethodPost, "/mutate-points", nil, body, &resp); err != nil {
		return nil, err
	}
	return &ledger.Result{
		NewTotal:  resp.NewTotal,
		Clamped:   resp.Clamped,
		Duplicate: resp.Duplicate,
		Record:    resp.Record,
	}, nil
}

// Balances fetches the authoritative snapshot.
func (c *Client) Balances(ctx context.Context) (*ledger.Snapshot, error) {
	var snap ledger.Snapshot
	if err := c.do(ctx, http.MethodGet, "/balances", nil, nil, &snap); err != nil {
		return nil, err
	}
	if snap.Balances == nil {
		snap.Balances = map[string]int64{}
	}
	if snap.Sequences == nil {
		snap.Sequences = map[string]int64{}
	}
	return &snap, nil
}

// History fetches one page of records, newest first. Empty childKey means
// every child; limit 0 uses the server default.
func (c *Client) History(ctx context.Context, childKey string, limit int, cursor string) (*ledger.HistoryPage, error) {
	q := url.Values{}
	if childKey != "" {
		q.Set("childKey", childKey)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page ledger.HistoryPage
	if err := c.do(ctx, http.MethodGet, "/history", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ReconcileResult is the body of GET /v1/admin/reconcile.
type ReconcileResult struct {
	Healthy bool                  `json:"healthy"`
	Report  reconciliation.Report `json:"report"`
}

// Reconcile runs the server's invariant check. Requires admin access.
func (c *Client) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	var out ReconcileResult
	if err := c.do(ctx, http.MethodGet, "/admin/reconcile", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.BaseURL + apiPrefix + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Password != "" {
		req.Header.Set(passwordHeader, c.Password)
	}
	if c.SessionID != "" {
		req.Header.Set(ledger.SessionHeader, c.SessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %w", method, path, ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
