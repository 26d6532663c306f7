package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockSocketServer hosts a scriptable websocket endpoint. OnConnect runs in
// the handler goroutine for each accepted connection; tests drive the
// conversation from there.
type MockSocketServer struct {
	*httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn

	// OnConnect is invoked per connection before the server starts relaying.
	OnConnect func(conn *websocket.Conn)
}

// NewMockSocketServer starts the websocket server and registers cleanup.
func NewMockSocketServer(t *testing.T) *MockSocketServer {
	t.Helper()
	m := &MockSocketServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		onConnect := m.OnConnect
		m.mu.Unlock()
		if onConnect != nil {
			onConnect(conn)
		}
	}))
	t.Cleanup(func() {
		m.CloseConns()
		m.Close()
	})
	return m
}

// WSURL rewrites the test server's http URL to a ws scheme.
func (m *MockSocketServer) WSURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http")
}

// SendJSON writes v as a JSON text frame on the most recent connection.
func (m *MockSocketServer) SendJSON(t *testing.T, v any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		var conn *websocket.Conn
		if len(m.conns) > 0 {
			conn = m.conns[len(m.conns)-1]
		}
		m.mu.Unlock()
		if conn != nil {
			if err := conn.WriteJSON(v); err != nil {
				t.Fatalf("SendJSON: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("SendJSON: no connection accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ConnCount reports how many connections the server has accepted.
func (m *MockSocketServer) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseConns force-closes every accepted connection.
func (m *MockSocketServer) CloseConns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
}
