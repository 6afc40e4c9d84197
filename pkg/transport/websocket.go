package transport

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"drivercore/internal/errs"
)

// WebSocketConfig configures a gorilla/websocket Dialer. Scheme
// selects TLS: wss/https dial with TLSConfig, ws/http dial plain.
type WebSocketConfig struct {
	URL             string
	TLSConfig       *tls.Config
	HandshakeTimeout time.Duration
}

type webSocketDialer struct {
	cfg WebSocketConfig
}

// NewWebSocket builds a Dialer for the websocket substrate. Binary and
// text frames are unified: both hand their payload through the same
// process path as every other substrate.
func NewWebSocket(cfg WebSocketConfig) Dialer {
	return &webSocketDialer{cfg: cfg}
}

func (d *webSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		TLSClientConfig:  d.cfg.TLSConfig,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	target := d.cfg.URL
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, errs.Disconnected(err.Error())
	}

	wc := &webSocketConn{conn: conn}
	conn.SetPongHandler(func(string) error { return nil })
	return wc, nil
}

// webSocketConn adapts a gorilla/websocket connection to Conn,
// unifying binary and text frames and auto-ponging on ping (handled
// by gorilla's default PingHandler).
type webSocketConn struct {
	conn    *websocket.Conn
	pending []byte
}

func (c *webSocketConn) Read(buf []byte) (int, error) {
	if len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, errs.Disconnected(err.Error())
		}
		c.pending = data
	}
	n := copy(buf, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *webSocketConn) Write(data []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, errs.Disconnected(err.Error())
	}
	return len(data), nil
}

func (c *webSocketConn) Close() error {
	return c.conn.Close()
}

// StartTLS forces a reconnect: websocket TLS is chosen by scheme at
// dial time, so it closes the current connection and the Transport's
// reconnect loop redials with the Dialer's configured URL and
// TLSConfig. It takes no new TLS context, and the redial keeps the
// configured scheme, so a ws:// Dialer reconnects without TLS.
func (c *webSocketConn) StartTLS() error {
	return c.conn.Close()
}

func (c *webSocketConn) Exec(cmd []byte) ([]byte, error) {
	return nil, errs.Fatal(errNotSupported("exec"))
}
