package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phytovigil/phytosync/internal/model"
)

// staticTokens is a TokenSource returning a fixed token.
type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token() (string, error) { return s.token, s.err }

// mockDoer records requests and plays back canned responses.
type mockDoer struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    []string
	responses []*http.Response
	errs      []error
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)

	i := len(m.requests) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return okResponse(`{}`), nil
}

func (m *mockDoer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockDoer) request(i int) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func statusResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(doer Doer) *Client {
	return NewClientWithDoer("https://api.phytovigil.example/", staticTokens{token: "tok-123"}, doer, testLogger())
}

func TestDo_SetsBearerHeader(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(`{}`)}}
	c := newTestClient(doer)

	_, err := c.do(context.Background(), http.MethodGet, "/health", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := doer.request(0).Header.Get("Authorization")
	if got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok-123")
	}
}

func TestDo_TrimsTrailingSlashFromBaseURL(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(`{}`)}}
	c := newTestClient(doer)

	_, err := c.do(context.Background(), http.MethodGet, "/health", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := doer.request(0).URL.String()
	want := "https://api.phytovigil.example/health"
	if got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
}

func TestDo_BadRequestUsesServerMessage(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		statusResponse(http.StatusBadRequest, `{"message": "species must not be empty"}`),
	}}
	c := newTestClient(doer)

	_, err := c.do(context.Background(), http.MethodPost, "/plants", nil, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != "species must not be empty" {
		t.Errorf("error = %q, want server message", err.Error())
	}
}

func TestDo_UnauthorizedHintsAtSetup(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		statusResponse(http.StatusUnauthorized, ``),
	}}
	c := newTestClient(doer)

	_, err := c.do(context.Background(), http.MethodGet, "/health", nil, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "setup") {
		t.Errorf("error = %q, want 401 hint mentioning setup", err.Error())
	}
}

func TestDo_NotFoundReturnsSentinel(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		statusResponse(http.StatusNotFound, ``),
	}}
	c := newTestClient(doer)

	_, err := c.do(context.Background(), http.MethodGet, "/plants/42", nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDo_TokenSourceFailure(t *testing.T) {
	doer := &mockDoer{}
	c := NewClientWithDoer("https://api.phytovigil.example", staticTokens{err: errors.New("keystore sealed")}, doer, testLogger())

	_, err := c.do(context.Background(), http.MethodGet, "/health", nil, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if doer.callCount() != 0 {
		t.Errorf("doer called %d times, want 0", doer.callCount())
	}
}

func TestPull_BuildsSinceQuery(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(`[]`)}}
	c := newTestClient(doer)

	since := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	records, err := c.Pull(context.Background(), model.RecordPlant, since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}

	req := doer.request(0)
	if req.URL.Path != "/sync/plants" {
		t.Errorf("path = %q, want /sync/plants", req.URL.Path)
	}
	if got := req.URL.Query().Get("since"); got != "2025-06-01T12:30:00Z" {
		t.Errorf("since = %q, want 2025-06-01T12:30:00Z", got)
	}
}

func TestPull_ParsesRecords(t *testing.T) {
	body := `[
		{"id": 7, "name": "Basil", "created_at": "2025-06-01T10:00:00Z", "updated_at": "2025-06-02T11:00:00Z"},
		{"id": 9, "name": "Tomato", "created_at": "2025-06-03T08:00:00.123456789Z", "updated_at": ""}
	]`
	doer := &mockDoer{responses: []*http.Response{okResponse(body)}}
	c := newTestClient(doer)

	records, err := c.Pull(context.Background(), model.RecordPlant, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != 7 {
		t.Errorf("records[0].ID = %d, want 7", records[0].ID)
	}
	want := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)
	if !records[0].UpdatedAt.Equal(want) {
		t.Errorf("records[0].UpdatedAt = %v, want %v", records[0].UpdatedAt, want)
	}
	if !records[1].UpdatedAt.IsZero() {
		t.Errorf("records[1].UpdatedAt = %v, want zero", records[1].UpdatedAt)
	}
	if !bytes.Contains(records[1].Raw, []byte(`"Tomato"`)) {
		t.Errorf("records[1].Raw does not carry the full object: %s", records[1].Raw)
	}
}

func TestPull_RecordWithoutID(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(`[{"name": "Basil"}]`)}}
	c := newTestClient(doer)

	_, err := c.Pull(context.Background(), model.RecordPlant, time.Time{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "missing id") {
		t.Errorf("error = %q, want missing id", err.Error())
	}
}

func TestCreate_ReturnsServerID(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(`{"id": 314}`)}}
	c := newTestClient(doer)

	id, err := c.Create(context.Background(), model.RecordScan, json.RawMessage(`{"disease_name": "early blight"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 314 {
		t.Errorf("id = %d, want 314", id)
	}

	req := doer.request(0)
	if req.Method != http.MethodPost || req.URL.Path != "/scans" {
		t.Errorf("request = %s %s, want POST /scans", req.Method, req.URL.Path)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}

func TestCreate_MissingIDInResponse(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(`{"ok": true}`)}}
	c := newTestClient(doer)

	_, err := c.Create(context.Background(), model.RecordPlant, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestUpdate_TargetsServerID(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(`{}`)}}
	c := newTestClient(doer)

	err := c.Update(context.Background(), model.RecordPlant, 42, json.RawMessage(`{"name": "Basil"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := doer.request(0)
	if req.Method != http.MethodPut || req.URL.Path != "/plants/42" {
		t.Errorf("request = %s %s, want PUT /plants/42", req.Method, req.URL.Path)
	}
}

func TestDelete_TargetsServerID(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(``)}}
	c := newTestClient(doer)

	err := c.Delete(context.Background(), model.RecordActivity, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := doer.request(0)
	if req.Method != http.MethodDelete || req.URL.Path != "/activities/8" {
		t.Errorf("request = %s %s, want DELETE /activities/8", req.Method, req.URL.Path)
	}
}

func TestCreate_ClientErrorNotRetried(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{
		statusResponse(http.StatusBadRequest, `{"message": "name is required"}`),
		okResponse(`{"id": 1}`),
	}}
	c := newTestClient(doer)

	_, err := c.Create(context.Background(), model.RecordPlant, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "name is required") {
		t.Errorf("error = %q, want server message", err.Error())
	}
	if doer.callCount() != 1 {
		t.Errorf("doer called %d times, want 1 (client errors are not retried)", doer.callCount())
	}
}

func TestProbeHealth_SingleRequest(t *testing.T) {
	doer := &mockDoer{responses: []*http.Response{okResponse(``)}}
	c := newTestClient(doer)

	if err := c.ProbeHealth(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := doer.request(0)
	if req.Method != http.MethodHead || req.URL.Path != "/health" {
		t.Errorf("request = %s %s, want HEAD /health", req.Method, req.URL.Path)
	}
}

func TestProbeHealth_DoesNotRetry(t *testing.T) {
	doer := &mockDoer{
		errs:      []error{errors.New("connection refused"), nil},
		responses: []*http.Response{nil, okResponse(``)},
	}
	c := newTestClient(doer)

	if err := c.ProbeHealth(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if doer.callCount() != 1 {
		t.Errorf("doer called %d times, want 1", doer.callCount())
	}
}

func TestPing_RetriesTransportErrors(t *testing.T) {
	doer := &mockDoer{
		errs:      []error{errors.New("connection refused"), nil},
		responses: []*http.Response{nil, okResponse(`{"status": "ok"}`)},
	}
	c := newTestClient(doer)

	err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doer.callCount() != 2 {
		t.Errorf("doer called %d times, want 2", doer.callCount())
	}
}
