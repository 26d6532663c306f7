// Package testutil provides vendor API mocks shared by adapter tests: a
// path-keyed HTTP server for the REST surfaces and a scriptable websocket
// server for the socket transports.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockVendorServer creates a test server that mocks a platform's REST API
type MockVendorServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockVendorServer creates a new mock vendor API server
func NewMockVendorServer(t *testing.T) *MockVendorServer {
	t.Helper()
	m := &MockVendorServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockJSON adds a handler for path that replies with the given payload
func (m *MockVendorServer) MockJSON(path string, payload any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // test mock response
	}
}

// MockStatus adds a handler for path that replies with a bare status code
func (m *MockVendorServer) MockStatus(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockSequence adds a handler that walks through payloads one per request,
// repeating the last one once exhausted
func (m *MockVendorServer) MockSequence(path string, payloads ...any) {
	i := 0
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		p := payloads[i]
		if i < len(payloads)-1 {
			i++
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p) //nolint:errcheck // test mock response
	}
}
