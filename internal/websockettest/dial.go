// Package websockettest provides session-client helpers for tests.
package websockettest

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"timerelay/internal/protocol"
)

// Client is a minimal protocol-speaking websocket client for tests.
type Client struct {
	Conn *websocket.Conn
}

// DialWithToken connects to a session endpoint with a bearer token.
func DialWithToken(urlStr, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, err
	}
	return &Client{Conn: conn}, nil
}

// DialIgnoringPongs establishes a connection with the automatic pong
// responses disabled so tests can simulate an unresponsive peer.
func DialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// Send writes one kind-tagged message.
func (c *Client) Send(kind string, payload any) error {
	raw, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.Conn.WriteMessage(websocket.TextMessage, raw)
}

// Recv reads the next text message and returns its kind and raw bytes.
func (c *Client) Recv(timeout time.Duration) (string, []byte, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		messageType, raw, err := c.Conn.ReadMessage()
		if err != nil {
			return "", nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		kind, err := protocol.Kind(raw)
		if err != nil {
			return "", nil, err
		}
		return kind, raw, nil
	}
}

// RecvKind reads messages until one of the wanted kind arrives, failing
// on anything unexpected other than heartbeats.
func (c *Client) RecvKind(kind string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.New("timed out waiting for " + kind)
		}
		got, raw, err := c.Recv(remaining)
		if err != nil {
			return nil, err
		}
		if got == kind {
			return raw, nil
		}
		if got == protocol.KindHeartbeat {
			continue
		}
		return nil, fmt.Errorf("expected %s, got %s: %s", kind, got, raw)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	_ = c.Conn.Close()
}
