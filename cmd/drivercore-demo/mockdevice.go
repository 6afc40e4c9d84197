package main

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
)

// mockDevice is a throwaway TCP (optionally TLS) endpoint standing in
// for a real device during local testing: newline-delimited commands
// in, "OK <cmd>" echoed back out, so the demo can exercise the Queue's
// send/await/parse path against something that actually speaks the
// framing the Tokenizer expects.
type mockDevice struct {
	listener net.Listener
}

// startMockDevice listens on a loopback port, in the clear when
// tlsConfig is nil. tlsConfig, if non-nil, wraps
// every accepted connection with a TLS handshake using the generated
// leaf certificate, exercising the same tcp+tls path a real device
// behind internal/tlsutil-issued certs would.
func startMockDevice(tlsConfig *tls.Config) (*mockDevice, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	d := &mockDevice{listener: listener}
	go d.acceptLoop()
	return d, nil
}

func (d *mockDevice) Addr() string {
	return d.listener.Addr().String()
}

func (d *mockDevice) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.serve(conn)
	}
}

func (d *mockDevice) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := scanner.Text()
		fmt.Fprintf(conn, "OK %s\n", cmd)
	}
}

func (d *mockDevice) Close() error {
	return d.listener.Close()
}
