package transport

import (
	"bytes"
	"context"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"drivercore/internal/errs"
)

// SSHConfig configures the SSH substrate, the one Dialer variant
// where Exec is meaningful.
type SSHConfig struct {
	Address        string
	ClientConfig   *ssh.ClientConfig
	ShellCommand   string // command whose stdout feeds the reader (stderr is not read), e.g. a vendor CLI session
	ConnectTimeout time.Duration
}

type sshDialer struct {
	cfg SSHConfig
}

// NewSSH builds a Dialer for the SSH substrate: a client connection
// plus one long-lived session whose stdin/stdout are treated as the
// byte stream, with Exec available for one-shot commands alongside it.
func NewSSH(cfg SSHConfig) Dialer {
	return &sshDialer{cfg: cfg}
}

func (d *sshDialer) Dial(ctx context.Context) (Conn, error) {
	clientCfg := *d.cfg.ClientConfig
	if clientCfg.Timeout == 0 {
		clientCfg.Timeout = d.cfg.ConnectTimeout
	}

	client, err := ssh.Dial("tcp", d.cfg.Address, &clientCfg)
	if err != nil {
		return nil, errs.Disconnected(err.Error())
	}

	sc := &sshConn{client: client}
	if d.cfg.ShellCommand != "" {
		if err := sc.openSession(d.cfg.ShellCommand); err != nil {
			client.Close()
			return nil, errs.Fatal(err)
		}
	}
	return sc, nil
}

// sshConn wraps one ssh.Client and, if a ShellCommand was configured,
// one ssh.Session whose stdout is the read stream; its stderr is not
// read.
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *sshConn) openSession(cmd string) error {
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return err
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return err
	}
	c.session = session
	c.stdin = stdin
	c.stdout = stdout
	return nil
}

func (c *sshConn) Read(buf []byte) (int, error) {
	if c.stdout == nil {
		return 0, errs.Fatal(errNotSupported("read without a shell session"))
	}
	n, err := c.stdout.Read(buf)
	if err != nil {
		return n, errs.Disconnected(err.Error())
	}
	return n, nil
}

func (c *sshConn) Write(data []byte) (int, error) {
	if c.stdin == nil {
		return 0, errs.Fatal(errNotSupported("write without a shell session"))
	}
	n, err := c.stdin.Write(data)
	if err != nil {
		return n, errs.Disconnected(err.Error())
	}
	return n, nil
}

func (c *sshConn) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

func (c *sshConn) StartTLS() error {
	return errs.Fatal(errNotSupported("start_tls"))
}

// Exec is the one substrate where this is meaningful: run cmd to
// completion on a fresh session and return its combined output.
func (c *sshConn) Exec(cmd []byte) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, errs.Disconnected(err.Error())
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(string(cmd)); err != nil {
		return out.Bytes(), errs.Fatal(err)
	}
	return out.Bytes(), nil
}
