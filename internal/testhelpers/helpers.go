// Package testhelpers provides common utilities for testing the chat relay:
// HTTP request helpers and a small WebSocket client that speaks the envelope
// protocol.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Envelope is an outbound envelope as seen by a client.
type Envelope struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// WebSocketURL converts an httptest server URL into its ws:// endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// MakeRequest executes an HTTP request with a 5-second timeout and fails the
// test if it cannot be made.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "create request")

	resp, err := client.Do(req)
	require.NoError(t, err, "make request")
	return resp
}

// ConnectWebSocket dials url with the given Origin header (none if empty).
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and registers the connection for cleanup.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url, "")
	require.NoError(t, err, "dial %s", url)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendJoin announces name on conn.
func SendJoin(conn *websocket.Conn, name string) error {
	return conn.WriteJSON(map[string]string{"type": "join", "name": name})
}

// SendChat sends a chat message on conn.
func SendChat(conn *websocket.Conn, text string) error {
	return conn.WriteJSON(map[string]string{"type": "message", "text": text})
}

// SendRaw sends data as a single text frame.
func SendRaw(conn *websocket.Conn, data []byte) error {
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ReceiveEnvelope reads one envelope, waiting at most timeout.
func ReceiveEnvelope(conn *websocket.Conn, timeout time.Duration) (Envelope, error) {
	var env Envelope
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return env, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(data, &env)
	return env, err
}

// MustReceive reads one envelope or fails the test.
func MustReceive(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	env, err := ReceiveEnvelope(conn, 2*time.Second)
	require.NoError(t, err, "receive envelope")
	return env
}

// ExpectNoEnvelope fails the test if conn receives anything within wait.
// The read deadline error leaves conn unusable for further reads, so call it
// last on a connection.
func ExpectNoEnvelope(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	env, err := ReceiveEnvelope(conn, wait)
	require.Error(t, err, "expected no envelope, got %+v", env)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}
