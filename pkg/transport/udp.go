package transport

import (
	"context"
	"net"

	"drivercore/internal/errs"
)

// UDPConfig configures the UDP substrate. UDP is connectionless, so
// "connect" here only binds the remote address; Read/Write operate on
// that fixed peer the way the other substrates' single-peer streams do.
type UDPConfig struct {
	Address string
}

type udpDialer struct {
	cfg UDPConfig
}

// NewUDP builds a Dialer for the UDP substrate, extending the stream
// and websocket variants the core spec names explicitly.
func NewUDP(cfg UDPConfig) Dialer {
	return &udpDialer{cfg: cfg}
}

func (d *udpDialer) Dial(ctx context.Context) (Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", d.cfg.Address)
	if err != nil {
		return nil, errs.Fatal(err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errs.Disconnected(err.Error())
	}
	return &udpConn{conn: conn}, nil
}

type udpConn struct {
	conn *net.UDPConn
}

func (c *udpConn) Read(buf []byte) (int, error) {
	n, err := c.conn.Read(buf)
	if err != nil {
		return n, errs.Disconnected(err.Error())
	}
	return n, nil
}

func (c *udpConn) Write(data []byte) (int, error) {
	n, err := c.conn.Write(data)
	if err != nil {
		return n, errs.Disconnected(err.Error())
	}
	return n, nil
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}

func (c *udpConn) StartTLS() error {
	return errs.Fatal(errNotSupported("start_tls"))
}

func (c *udpConn) Exec(cmd []byte) ([]byte, error) {
	return nil, errs.Fatal(errNotSupported("exec"))
}
