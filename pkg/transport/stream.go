package transport

import (
	"context"
	"crypto/tls"
	"net"

	"drivercore/internal/errs"
)

// StreamConfig configures a TCP (optionally TLS) Dialer.
type StreamConfig struct {
	Address   string
	TLSConfig *tls.Config // nil means plain TCP; start_tls upgrades in place
}

// streamDialer opens plain or TLS TCP connections with tcp_nodelay set.
// Writes are not buffered.
type streamDialer struct {
	cfg StreamConfig
}

// NewStream builds a Dialer for TCP/TCP+TLS substrates.
func NewStream(cfg StreamConfig) Dialer {
	return &streamDialer{cfg: cfg}
}

func (d *streamDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		return nil, errs.Disconnected(err.Error())
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	sc := &streamConn{netConn: raw, tlsConfig: d.cfg.TLSConfig}
	if d.cfg.TLSConfig != nil {
		if err := sc.StartTLS(); err != nil {
			raw.Close()
			return nil, err
		}
	}
	return sc, nil
}

// streamConn wraps a net.Conn. Write hands data straight to the socket
// with no buffering; Transport.Send issues one Write per payload, so
// each logical message is written in a single call.
type streamConn struct {
	netConn   net.Conn
	tlsConfig *tls.Config
}

func (c *streamConn) Read(buf []byte) (int, error) {
	n, err := c.netConn.Read(buf)
	if err != nil {
		return n, errs.Disconnected(err.Error())
	}
	return n, nil
}

func (c *streamConn) Write(data []byte) (int, error) {
	n, err := c.netConn.Write(data)
	if err != nil {
		return n, errs.Disconnected(err.Error())
	}
	return n, nil
}

func (c *streamConn) Close() error {
	return c.netConn.Close()
}

// StartTLS upgrades the connection in place. Idempotent if the
// connection is already a *tls.Conn.
func (c *streamConn) StartTLS() error {
	if _, ok := c.netConn.(*tls.Conn); ok {
		return nil
	}
	cfg := c.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	tlsConn := tls.Client(c.netConn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return errs.Fatal(err)
	}
	c.netConn = tlsConn
	return nil
}

func (c *streamConn) Exec(cmd []byte) ([]byte, error) {
	return nil, errs.Fatal(errNotSupported("exec"))
}

type errNotSupported string

func (e errNotSupported) Error() string { return string(e) + ": not supported on this substrate" }
