// Package server defines shared payload types and utility helpers that are
// reused across client and hub logic.
package server

import "strings"

// inboundFrame is a raw frame read from a client, queued for dispatch. A
// closed frame marks the end of the client's stream and is queued behind
// every frame read before it.
type inboundFrame struct {
	client *Client
	raw    []byte
	closed bool
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
