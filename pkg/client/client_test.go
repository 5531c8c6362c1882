package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/pagination"
	"github.com/Sternrassler/workforce-harvester/pkg/record"
)

var testRetry = &RetryConfig{
	MaxAttempts:       3,
	InitialBackoff:    5 * time.Millisecond,
	MaxBackoff:        20 * time.Millisecond,
	BackoffMultiplier: 2.0,
}

// newTestClient points a client at server with fast retries.
func newTestClient(t *testing.T, server *httptest.Server, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(server.URL+"/auth/oauth/v2/token", server.URL+"/hr/v2/workers")
	cfg.ClientID = "id"
	cfg.ClientSecret = "secret"
	cfg.Retry = testRetry
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := NewWithHTTPClient(cfg, server.Client())
	if err != nil {
		t.Fatalf("NewWithHTTPClient() failed: %v", err)
	}
	return c
}

type stubLimiter struct {
	allow   bool
	updates atomic.Int32
}

func (s *stubLimiter) ShouldAllowRequest(context.Context) (bool, error) { return s.allow, nil }

func (s *stubLimiter) UpdateFromHeaders(context.Context, http.Header) error {
	s.updates.Add(1)
	return nil
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			config:      DefaultConfig("https://auth.example.com/token", "https://api.example.com/hr/v2/workers"),
			expectError: false,
		},
		{
			name: "missing auth url",
			config: Config{
				SelectURL: "https://api.example.com/hr/v2/workers",
				UserAgent: "TestApp/1.0.0",
			},
			expectError: true,
			errorMsg:    "auth url is required",
		},
		{
			name: "missing select url",
			config: Config{
				AuthURL:   "https://auth.example.com/token",
				UserAgent: "TestApp/1.0.0",
			},
			expectError: true,
			errorMsg:    "select url is required",
		},
		{
			name: "empty user agent",
			config: Config{
				AuthURL:   "https://auth.example.com/token",
				SelectURL: "https://api.example.com/hr/v2/workers",
			},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("New() expected error containing %q, got nil", tt.errorMsg)
				} else if err.Error() != tt.errorMsg {
					t.Errorf("New() error = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("New() unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("New() returned nil client")
			}
			if client.selectPath != "/hr/v2/workers" {
				t.Errorf("selectPath = %q, want /hr/v2/workers", client.selectPath)
			}
			client.Close()
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://auth", "https://api/workers")

	if cfg.IDField != "associateOID" {
		t.Errorf("IDField = %q, want associateOID", cfg.IDField)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.UserAgent == "" {
		t.Error("UserAgent must have a default")
	}
}

func TestClassifyError(t *testing.T) {
	c := &Client{}

	tests := []struct {
		name     string
		resp     *http.Response
		err      error
		expected ErrorClass
	}{
		{"network error", nil, errors.New("connection refused"), ErrorClassNetwork},
		{"tls error", nil, errors.New("remote error: tls: handshake failure"), ErrorClassSecureChannel},
		{"429", &http.Response{StatusCode: 429}, nil, ErrorClassRateLimit},
		{"404", &http.Response{StatusCode: 404}, nil, ErrorClassClient},
		{"401", &http.Response{StatusCode: 401}, nil, ErrorClassClient},
		{"500", &http.Response{StatusCode: 500}, nil, ErrorClassServer},
		{"503", &http.Response{StatusCode: 503}, nil, ErrorClassServer},
		{"200", &http.Response{StatusCode: 200}, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.classifyError(tt.resp, tt.err); got != tt.expected {
				t.Errorf("classifyError() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDo_UserAgentSet(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server, func(cfg *Config) { cfg.UserAgent = "TestApp/1.0.0" })

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/hr/v2/workers", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	resp.Body.Close()

	if gotUA != "TestApp/1.0.0" {
		t.Errorf("User-Agent = %q, want TestApp/1.0.0", gotUA)
	}
}

func TestDo_RateLimitBlock(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	limiter := &stubLimiter{allow: false}
	c := newTestClient(t, server, func(cfg *Config) { cfg.RateLimiter = limiter })

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/hr/v2/workers", nil)
	_, err := c.Do(req)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("Blocked requests must not reach the server, got %d hits", hits.Load())
	}
}

func TestDo_UpdatesRateLimiter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "50")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	limiter := &stubLimiter{allow: true}
	c := newTestClient(t, server, func(cfg *Config) { cfg.RateLimiter = limiter })

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/hr/v2/workers", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	resp.Body.Close()

	if limiter.updates.Load() != 1 {
		t.Errorf("Expected 1 header update, got %d", limiter.updates.Load())
	}
}

func TestDo_RetryOnServerError(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attemptCount.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/hr/v2/workers", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 after retry, got %d", resp.StatusCode)
	}
	if attemptCount.Load() != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attemptCount.Load())
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/hr/v2/workers/x", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if attemptCount.Load() != 1 {
		t.Errorf("Expected 1 attempt (no retry for 4xx), got %d", attemptCount.Load())
	}
}

func TestDo_RetryOnRateLimit(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attemptCount.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/hr/v2/workers", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	resp.Body.Close()

	if attemptCount.Load() != 2 {
		t.Errorf("Expected 2 attempts (1 retry), got %d", attemptCount.Load())
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	var attemptCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/hr/v2/workers", nil)
	_, err := c.Do(req)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, ErrTransportFailure) {
		t.Errorf("Expected ErrTransportFailure, got %v", err)
	}
	if attemptCount.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount.Load())
	}
}

func TestFetchPage(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantEnd     bool
		wantRecords int
		wantErr     error
	}{
		{
			name:        "page of workers",
			status:      http.StatusOK,
			body:        `{"workers":[{"associateOID":"A1","person":{"legalName":{"givenName":"Ada"}}},{"associateOID":"A2"}]}`,
			wantRecords: 2,
		},
		{
			name:    "no content ends the data",
			status:  http.StatusNoContent,
			wantEnd: true,
		},
		{
			name:   "malformed body is an empty page",
			status: http.StatusOK,
			body:   `{"workers":[`,
		},
		{
			name:   "missing workers array is an empty page",
			status: http.StatusOK,
			body:   `{"meta":{}}`,
		},
		{
			name:        "workers without id are dropped",
			status:      http.StatusOK,
			body:        `{"workers":[{"person":{}},{"associateOID":"A3"}]}`,
			wantRecords: 1,
		},
		{
			name:    "unauthorized is a transport failure",
			status:  http.StatusUnauthorized,
			wantErr: ErrTransportFailure,
		},
		{
			name:    "server error is a transport failure",
			status:  http.StatusBadGateway,
			wantErr: ErrTransportFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != "" {
					w.Write([]byte(tt.body))
				}
			}))
			defer server.Close()

			c := newTestClient(t, server, nil)
			page, err := c.FetchPage(context.Background(), "tok", pagination.Cursor{Skip: 0, Top: 200})

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FetchPage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchPage() unexpected error: %v", err)
			}
			if page.End != tt.wantEnd {
				t.Errorf("End = %v, want %v", page.End, tt.wantEnd)
			}
			if len(page.Records) != tt.wantRecords {
				t.Errorf("len(Records) = %d, want %d", len(page.Records), tt.wantRecords)
			}
		})
	}
}

func TestFetchPage_RetriesTransientStatus(t *testing.T) {
	for _, status := range []int{
		http.StatusRequestTimeout,
		http.StatusUnauthorized,
		http.StatusAccepted,
		http.StatusServiceUnavailable,
	} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(status)
					return
				}
				w.Write([]byte(`{"workers":[{"associateOID":"A1"},{"associateOID":"A2"}]}`))
			}))
			defer server.Close()

			c := newTestClient(t, server, nil)
			page, err := c.FetchPage(context.Background(), "tok", pagination.Cursor{Skip: 0, Top: 200})
			if err != nil {
				t.Fatalf("FetchPage() unexpected error: %v", err)
			}
			if got := calls.Load(); got != 2 {
				t.Errorf("calls = %d, want 2", got)
			}
			if page.End || len(page.Records) != 2 {
				t.Errorf("page = %+v, want 2 records", page)
			}
		})
	}
}

func TestFetchPage_UnexpectedStatusExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusRequestTimeout)
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)
	_, err := c.FetchPage(context.Background(), "tok", pagination.Cursor{Skip: 200, Top: 200})
	if !errors.Is(err, ErrTransportFailure) || !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("FetchPage() error = %v, want exhausted transport failure", err)
	}
	if got := calls.Load(); got != int32(testRetry.MaxAttempts) {
		t.Errorf("calls = %d, want %d", got, testRetry.MaxAttempts)
	}
}

func TestFetchPage_RequestShape(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Write([]byte(`{"workers":[{"associateOID":"A1","person":{"legalName":{"givenName":"Ada"}},"links":[{"href":"/x"}]}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, func(cfg *Config) {
		cfg.BaseSelect = "workers/person"
		cfg.BaseColumns = map[string]string{
			"associateOID":               "associate_oid",
			"person_legalName_givenName": "first_name",
			"links_0_href":               record.RemoveColumn,
		}
	})

	page, err := c.FetchPage(context.Background(), "bearer-1", pagination.Cursor{Skip: 400, Top: 200})
	if err != nil {
		t.Fatalf("FetchPage() failed: %v", err)
	}

	q := got.URL.Query()
	if q.Get("$skip") != "400" || q.Get("$top") != "200" || q.Get("$select") != "workers/person" {
		t.Errorf("unexpected query %v", q)
	}
	if got.URL.Path != "/hr/v2/workers" {
		t.Errorf("path = %q", got.URL.Path)
	}
	if h := got.Header.Get("Authorization"); h != "Bearer bearer-1" {
		t.Errorf("Authorization = %q", h)
	}
	if h := got.Header.Get("Accept"); h != "application/json;masked=false" {
		t.Errorf("Accept = %q", h)
	}

	if len(page.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1", len(page.Records))
	}
	r := page.Records[0]
	if r.ID != "A1" {
		t.Errorf("ID = %q, want A1", r.ID)
	}
	want := record.Fields{
		"associate_oid": record.StringValue("A1"),
		"first_name":    record.StringValue("Ada"),
	}
	if len(r.Fields) != len(want) {
		t.Errorf("Fields = %v, want %v", r.Fields, want)
	}
	for k, v := range want {
		if r.Fields[k] != v {
			t.Errorf("Fields[%q] = %v, want %v", k, r.Fields[k], v)
		}
	}
}

func TestGetAttributes(t *testing.T) {
	var gotPath, gotSelect string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSelect = r.URL.Query().Get("$select")
		if r.URL.Path == "/hr/v2/workers/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"workers":[{"customFieldGroup":{"codeFields":[]}}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	body, err := c.GetAttributes(context.Background(), "tok", "G3 AB")
	if err != nil {
		t.Fatalf("GetAttributes() failed: %v", err)
	}
	if gotPath != "/hr/v2/workers/G3 AB" {
		t.Errorf("path = %q", gotPath)
	}
	if gotSelect != "workers/customFieldGroup" {
		t.Errorf("$select = %q", gotSelect)
	}
	if len(body) == 0 {
		t.Error("expected body")
	}

	_, err = c.GetAttributes(context.Background(), "tok", "missing")
	if !errors.Is(err, ErrTransportFailure) {
		t.Errorf("expected transport failure for 404, got %v", err)
	}
}

func TestIssueToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "client_credentials" ||
			r.Form.Get("client_id") != "id" ||
			r.Form.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc123","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	t.Run("success", func(t *testing.T) {
		c := newTestClient(t, server, nil)

		tok, err := c.IssueToken(context.Background())
		if err != nil {
			t.Fatalf("IssueToken() failed: %v", err)
		}
		if tok != "abc123" {
			t.Errorf("token = %q, want abc123", tok)
		}
	})

	t.Run("rejected credentials", func(t *testing.T) {
		c := newTestClient(t, server, func(cfg *Config) { cfg.ClientSecret = "wrong" })

		_, err := c.IssueToken(context.Background())
		if !errors.Is(err, ErrAuthFailure) {
			t.Errorf("expected ErrAuthFailure, got %v", err)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		c := newTestClient(t, server, func(cfg *Config) { cfg.ClientID = "" })

		_, err := c.IssueToken(context.Background())
		if !errors.Is(err, ErrAuthFailure) {
			t.Errorf("expected ErrAuthFailure, got %v", err)
		}
	})
}

func TestEndpointLabel(t *testing.T) {
	c := &Client{selectPath: "/hr/v2/workers"}

	tests := map[string]string{
		"/hr/v2/workers":          "workers",
		"/hr/v2/workers/G3AB":     "workers/{id}",
		"/auth/oauth/v2/token":    "token",
		"/somewhere/else":         "/somewhere/else",
		"/hr/v2/workers-archived": "/hr/v2/workers-archived",
	}
	for path, want := range tests {
		if got := c.endpointLabel(path); got != want {
			t.Errorf("endpointLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("3"); d != 3*time.Second {
		t.Errorf("parseRetryAfter(3) = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("parseRetryAfter(\"\") = %v", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Errorf("parseRetryAfter(soon) = %v", d)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d <= 0 || d > time.Minute {
		t.Errorf("parseRetryAfter(date) = %v", d)
	}
}
