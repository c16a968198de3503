package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phytovigil/phytosync/internal/model"
)

// ErrNotFound is returned when the backend answers 404 for a record.
var ErrNotFound = errors.New("resource not found")

// TokenSource provides the bearer token attached to each request.
// Implemented by [secure.Store].
type TokenSource interface {
	Token() (string, error)
}

// Doer is the subset of [*http.Client] used by the client. Defining it as
// an interface allows mock injection in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServerRecord is one element of a sync-endpoint response: the remote
// identifier and modification times, plus the full raw object for payload
// extraction.
type ServerRecord struct {
	ID        int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Raw       json.RawMessage
}

// Client talks to the PhytoVigil backend's REST API. Create one with
// [NewClient] or [NewClientWithDoer].
type Client struct {
	baseURL string
	tokens  TokenSource
	hc      Doer
	log     *slog.Logger
}

// NewClient creates a Client backed by a real HTTP client with the given
// per-request timeout.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		hc:      &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// NewClientWithDoer creates a Client with a caller-supplied HTTP doer.
// Intended for testing with a mock [Doer].
func NewClientWithDoer(baseURL string, tokens TokenSource, hc Doer, logger *slog.Logger) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), tokens: tokens, hc: hc, log: logger}
}

// probeTimeout bounds a single connectivity probe so an unreachable backend
// is detected quickly.
const probeTimeout = 3 * time.Second

// ProbeHealth issues a single short-deadline health check with no retry.
// Use it for connectivity probing, where a fast verdict matters more than
// riding out a transient failure.
func (c *Client) ProbeHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := c.do(ctx, http.MethodHead, "/health", nil, nil)
	return err
}

// Ping validates connectivity and auth against the health endpoint, with retry.
func (c *Client) Ping(ctx context.Context) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		_, callErr := c.do(ctx, http.MethodGet, "/health", nil, nil)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("ping backend: %w", err)
	}
	return nil
}

// Pull fetches all records of the given type modified since the given time:
// GET /sync/{collection}?since=<ISO8601>.
func (c *Client) Pull(ctx context.Context, t model.RecordType, since time.Time) ([]ServerRecord, error) {
	query := url.Values{"since": {since.UTC().Format(time.RFC3339)}}
	path := "/sync/" + t.Collection()

	var body []byte
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		body, callErr = c.do(ctx, http.MethodGet, path, query, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("pull %s since %s: %w", t.Collection(), since.UTC().Format(time.RFC3339), err)
	}

	return parsePullResponse(body, t)
}

// Create uploads a new record via POST /{collection} and returns the
// server-assigned id parsed from the response body.
func (c *Client) Create(ctx context.Context, t model.RecordType, payload json.RawMessage) (int64, error) {
	var body []byte
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var callErr error
		body, callErr = c.do(ctx, http.MethodPost, "/"+t.Collection(), nil, payload)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", t, err)
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parse create %s response: %w", t, err)
	}
	if resp.ID == 0 {
		return 0, fmt.Errorf("create %s response carried no id", t)
	}
	return resp.ID, nil
}

// Update uploads an existing record via PUT /{collection}/{serverID}.
func (c *Client) Update(ctx context.Context, t model.RecordType, serverID int64, payload json.RawMessage) error {
	path := fmt.Sprintf("/%s/%d", t.Collection(), serverID)
	err := Retry(ctx, defaultMaxAttempts, func() error {
		_, callErr := c.do(ctx, http.MethodPut, path, nil, payload)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("update %s %d: %w", t, serverID, err)
	}
	return nil
}

// Delete removes a record via DELETE /{collection}/{serverID}.
func (c *Client) Delete(ctx context.Context, t model.RecordType, serverID int64) error {
	path := fmt.Sprintf("/%s/%d", t.Collection(), serverID)
	err := Retry(ctx, defaultMaxAttempts, func() error {
		_, callErr := c.do(ctx, http.MethodDelete, path, nil, nil)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("delete %s %d: %w", t, serverID, err)
	}
	return nil
}

// do issues one bearer-authenticated request and maps error statuses.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload json.RawMessage) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("reading auth token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		var br struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&br)
		if br.Message == "" {
			br.Message = "backend rejected the request"
		}
		return nil, permanent(errors.New(br.Message))
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, permanent(fmt.Errorf("backend returned 401 Unauthorized — re-run setup to refresh the token"))
	case resp.StatusCode == http.StatusNotFound:
		return nil, permanent(ErrNotFound)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("backend returned unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

// parsePullResponse decodes a sync-endpoint array, keeping each element's
// raw JSON alongside its identity fields.
func parsePullResponse(body []byte, t model.RecordType) ([]ServerRecord, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, fmt.Errorf("parse %s pull response: %w", t.Collection(), err)
	}

	records := make([]ServerRecord, 0, len(elems))
	for _, raw := range elems {
		var head struct {
			ID        int64  `json:"id"`
			CreatedAt string `json:"created_at"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("parse %s record: %w", t, err)
		}
		if head.ID == 0 {
			return nil, fmt.Errorf("%s record missing id: %s", t, raw)
		}
		rec := ServerRecord{ID: head.ID, Raw: raw}
		rec.CreatedAt, _ = parseServerTime(head.CreatedAt)
		rec.UpdatedAt, _ = parseServerTime(head.UpdatedAt)
		records = append(records, rec)
	}
	return records, nil
}

// parseServerTime accepts the RFC3339 variants the backend emits.
func parseServerTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, s)
}
