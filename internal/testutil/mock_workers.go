// Package testutil provides a mock workers API for tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Endpoint paths served by MockWorkersAPI.
const (
	TokenPath   = "/auth/oauth/v2/token"
	WorkersPath = "/hr/v2/workers"
)

// Mock credentials accepted by the token endpoint.
const (
	MockClientID     = "harvest-client"
	MockClientSecret = "harvest-secret"
)

// MockWorkersResponse defines a canned response.
type MockWorkersResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockWorkersAPI is a configurable TLS mock of the workers API: the token
// endpoint, the paged collection (204 past the end) and the per-worker
// attribute endpoint.
type MockWorkersAPI struct {
	server *httptest.Server

	mu        sync.RWMutex
	ids       []string
	failures  map[string]int
	overrides map[string]MockWorkersResponse
	tokens    map[string]struct{}

	// Tracking
	RequestCount   int
	TokensIssued   int
	Skips          []int
	AttributeCalls map[string]int
	LastUserAgent  string
}

// MockOption configures a MockWorkersAPI.
type MockOption func(*mockOptions)

type mockOptions struct {
	clientAuth bool
}

// WithClientAuth requires a client certificate on every connection.
func WithClientAuth() MockOption {
	return func(o *mockOptions) { o.clientAuth = true }
}

// NewMockWorkersAPI starts a mock serving total workers with ids W0001….
func NewMockWorkersAPI(total int, opts ...MockOption) *MockWorkersAPI {
	var o mockOptions
	for _, opt := range opts {
		opt(&o)
	}

	m := &MockWorkersAPI{
		failures:       make(map[string]int),
		overrides:      make(map[string]MockWorkersResponse),
		tokens:         make(map[string]struct{}),
		AttributeCalls: make(map[string]int),
	}
	for i := 1; i <= total; i++ {
		m.ids = append(m.ids, WorkerID(i))
	}

	m.server = httptest.NewUnstartedServer(http.HandlerFunc(m.handle))
	if o.clientAuth {
		m.server.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	}
	m.server.StartTLS()
	return m
}

// WorkerID returns the id of the n-th mock worker.
func WorkerID(n int) string {
	return fmt.Sprintf("W%04d", n)
}

// URL returns the server base URL.
func (m *MockWorkersAPI) URL() string {
	return m.server.URL
}

// TokenURL returns the token endpoint URL.
func (m *MockWorkersAPI) TokenURL() string {
	return m.server.URL + TokenPath
}

// SelectURL returns the workers collection URL.
func (m *MockWorkersAPI) SelectURL() string {
	return m.server.URL + WorkersPath
}

// Client returns an HTTP client trusting the server certificate.
func (m *MockWorkersAPI) Client() *http.Client {
	return m.server.Client()
}

// CACertPEM returns the server certificate PEM-encoded, for use as a
// root CA file.
func (m *MockWorkersAPI) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.server.Certificate().Raw})
}

// ClientCertificatePEM generates a self-signed client certificate and its
// PKCS#8 key.
func ClientCertificatePEM() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "harvest-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), nil
}

// Close shuts down the server.
func (m *MockWorkersAPI) Close() {
	m.server.Close()
}

// FailAttributes makes the next n attribute requests for id return a
// malformed body.
func (m *MockWorkersAPI) FailAttributes(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = n
}

// SetResponse overrides the response for an exact path.
func (m *MockWorkersAPI) SetResponse(path string, resp MockWorkersResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[path] = resp
}

// GetRequestCount returns the number of requests served.
func (m *MockWorkersAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetTokensIssued returns the number of tokens issued.
func (m *MockWorkersAPI) GetTokensIssued() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TokensIssued
}

// GetSkips returns the $skip values of all page requests in order.
func (m *MockWorkersAPI) GetSkips() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.Skips...)
}

// GetAttributeCalls returns the number of attribute requests for id.
func (m *MockWorkersAPI) GetAttributeCalls(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.AttributeCalls[id]
}

func (m *MockWorkersAPI) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastUserAgent = r.UserAgent()
	override, ok := m.overrides[r.URL.Path]
	m.mu.Unlock()

	if ok {
		writeResponse(w, override)
		return
	}

	switch {
	case r.URL.Path == TokenPath:
		m.handleToken(w, r)
	case r.URL.Path == WorkersPath:
		if !m.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		m.handlePage(w, r)
	case strings.HasPrefix(r.URL.Path, WorkersPath+"/"):
		if !m.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		m.handleAttributes(w, strings.TrimPrefix(r.URL.Path, WorkersPath+"/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockWorkersAPI) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != MockClientID ||
		r.PostForm.Get("client_secret") != MockClientSecret {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}

	m.mu.Lock()
	m.TokensIssued++
	tok := fmt.Sprintf("token-%d", m.TokensIssued)
	m.tokens[tok] = struct{}{}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": tok,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (m *MockWorkersAPI) authorized(r *http.Request) bool {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok = m.tokens[tok]
	return ok
}

func (m *MockWorkersAPI) handlePage(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))
	top, err := strconv.Atoi(r.URL.Query().Get("$top"))
	if err != nil || top <= 0 {
		top = 100
	}

	m.mu.Lock()
	m.Skips = append(m.Skips, skip)
	ids := m.ids
	m.mu.Unlock()

	if skip >= len(ids) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	end := skip + top
	if end > len(ids) {
		end = len(ids)
	}

	workers := make([]map[string]interface{}, 0, end-skip)
	for i, id := range ids[skip:end] {
		workers = append(workers, map[string]interface{}{
			"associateOID": id,
			"workerID":     map[string]interface{}{"idValue": fmt.Sprintf("E%05d", skip+i+1)},
			"person": map[string]interface{}{
				"legalName": map[string]interface{}{
					"givenName":  "Given" + id,
					"familyName": "Family" + id,
				},
			},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"workers": workers})
}

func (m *MockWorkersAPI) handleAttributes(w http.ResponseWriter, id string) {
	m.mu.Lock()
	m.AttributeCalls[id]++
	fail := m.failures[id] > 0
	if fail {
		m.failures[id]--
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.Write([]byte(`{"workers": [`))
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"workers": []map[string]interface{}{
			{
				"customFieldGroup": map[string]interface{}{
					"stringFields": []map[string]interface{}{
						{"nameCode": "costCenter", "stringValue": "CC-" + id},
					},
				},
			},
		},
	})
}

func writeResponse(w http.ResponseWriter, resp MockWorkersResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}
