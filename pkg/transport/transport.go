// Package transport implements the uniform send/receive/connect
// contract that the Queue dispatches tasks through, independent of
// substrate: stream sockets, TLS, websocket, SSH, UDP.
package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"drivercore/internal/errs"
	"drivercore/internal/logging"
	"drivercore/internal/metrics"
	"drivercore/pkg/task"
	"drivercore/pkg/tokenizer"
)

// Online is the subset of Queue a Transport needs: a gate it flips on
// connect/disconnect and a hook to terminate the in-flight task
// explicitly. A non-owning handle breaks the Transport/Queue/driver
// ownership cycle described for this core: the driver owns both Queue
// and Transport, and the Transport only ever reaches into Queue
// through this seam.
type Online interface {
	SetOnline(online bool)
	AbortCurrent(reason string)
	HandleResponse(data []byte) bool
}

// Received is the driver's fallback callback for inbound data that
// doesn't belong to any in-flight task's parser.
type Received func(data []byte)

// Dialer opens one substrate-specific connection. Implementations are
// supplied by the concrete variant constructors in this package
// (NewStream, NewWebSocket, NewSSH, NewUDP); a Transport is otherwise
// substrate-agnostic.
type Dialer interface {
	// Dial blocks until connected or ctx is done, returning a Conn or
	// an error classified with internal/errs (Fatal for non-retryable
	// failures, Disconnected for transient ones).
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live connection a Dialer produced.
type Conn interface {
	// Read blocks for the next chunk of bytes, returning io.EOF-like
	// errors (via errs.Disconnected) on loss.
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	Close() error
	// StartTLS upgrades an already-connected socket in place. Returns
	// errs.Fatal("not supported") on substrates without upgrade.
	StartTLS() error
	// Exec runs a command on substrates that support it (SSH); all
	// others return errs.Fatal("not supported").
	Exec(cmd []byte) ([]byte, error)
}

// Config are the Transport constructor parameters.
type Config struct {
	Dialer        Dialer
	Queue         Online
	Received      Received
	Tokenizer     *tokenizer.Tokenizer
	ConnectTimeout time.Duration
	ReadBufferSize int
	Log           *logging.Logger
	Metrics       *metrics.Registry
}

// Transport owns exactly one Dialer's worth of connection state:
// connect/reconnect loop, reader goroutine, and the write path the
// Queue sends through.
type Transport struct {
	dialer    Dialer
	queue     Online
	received  Received
	tok       *tokenizer.Tokenizer
	connectTO time.Duration
	bufSize   int
	log       *logging.Logger
	metrics   *metrics.Registry

	mu         sync.Mutex
	conn       Conn
	terminated bool
	started    bool

	stop chan struct{}
	done chan struct{}
}

// New builds a Transport bound to cfg.Dialer. Call Connect to start the
// reconnect loop and reader.
func New(cfg Config) *Transport {
	bufSize := cfg.ReadBufferSize
	if bufSize < 2048 {
		bufSize = 2048
	}
	return &Transport{
		dialer:    cfg.Dialer,
		queue:     cfg.Queue,
		received:  cfg.Received,
		tok:       cfg.Tokenizer,
		connectTO: cfg.ConnectTimeout,
		bufSize:   bufSize,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connect starts the reconnect loop in the background. Idempotent: a
// second call while already running, or after Terminate, is a no-op.
func (tr *Transport) Connect(ctx context.Context) {
	tr.mu.Lock()
	if tr.terminated || tr.started {
		tr.mu.Unlock()
		return
	}
	tr.started = true
	tr.mu.Unlock()
	go tr.reconnectLoop(ctx)
}

// reconnectLoop dials, runs the reader to completion (EOF or error),
// and retries with exponential backoff until Terminate is called or a
// dial fails with an error errs.IsRetryable rejects.
func (tr *Transport) reconnectLoop(ctx context.Context) {
	defer close(tr.done)
	attempt := 0
	for {
		tr.mu.Lock()
		terminated := tr.terminated
		tr.mu.Unlock()
		if terminated {
			return
		}

		dialCtx := ctx
		var cancel context.CancelFunc
		if tr.connectTO > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, tr.connectTO)
		}
		conn, err := tr.dialer.Dial(dialCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if tr.log != nil {
				tr.log.WithError(err).Debug("transport connect failed")
			}
			if !errs.IsRetryable(err) {
				return
			}
			if !tr.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		tr.mu.Lock()
		tr.conn = conn
		tr.mu.Unlock()
		if tr.tok != nil {
			tr.tok.Clear()
		}
		tr.queue.SetOnline(true)
		if tr.metrics != nil {
			tr.metrics.TransportReconnects.Inc()
			tr.metrics.TransportOnline.Set(1)
		}

		tr.readLoop(ctx, conn)

		tr.mu.Lock()
		tr.conn = nil
		terminated = tr.terminated
		tr.mu.Unlock()
		tr.queue.SetOnline(false)
		if tr.metrics != nil {
			tr.metrics.TransportOnline.Set(0)
		}
		if terminated {
			return
		}
		if !tr.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

// sleepBackoff waits the exponential-with-jitter delay for attempt,
// returning false if ctx or Terminate fired first.
func (tr *Transport) sleepBackoff(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(backoff(attempt)):
		return true
	case <-ctx.Done():
		return false
	case <-tr.stop:
		return false
	}
}

// backoff computes the reconnect delay: base 1s, cap 10s, ±500ms jitter.
func backoff(attempt int) time.Duration {
	base := time.Second
	ceiling := 10 * time.Second
	d := base
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second))) - 500*time.Millisecond
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

// readLoop fills a fixed buffer and hands each slice to process until
// the connection errors out.
func (tr *Transport) readLoop(ctx context.Context, conn Conn) {
	buf := make([]byte, tr.bufSize)
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-tr.stop:
			conn.Close()
			return
		default:
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if tr.metrics != nil {
				tr.metrics.TransportBytesIn.Add(float64(n))
			}
			tr.process(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// process implements the read path from the spec: tokenize when a
// framer is configured, dispatching multiple extracted messages onto
// independent goroutines to avoid head-of-line blocking in the
// parser; otherwise hand the raw slice straight to processMessage.
func (tr *Transport) process(data []byte) {
	if tr.tok == nil {
		tr.processMessage(data)
		return
	}

	messages, err := tr.tok.Extract(data)
	if err != nil {
		if tr.log != nil {
			tr.log.WithError(err).Warn("tokenizer overflow, buffer cleared")
		}
		return
	}
	switch len(messages) {
	case 0:
		return
	case 1:
		tr.processMessage(messages[0])
	default:
		for _, msg := range messages {
			go tr.processMessage(msg)
		}
	}
}

// processMessage routes one extracted message to the in-flight task's
// parser, falling back to the driver's received callback. Panics from
// either are caught, logged, and never kill the reader.
func (tr *Transport) processMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil && tr.log != nil {
			tr.log.Error("panic in message handler, recovered")
		}
	}()

	if tr.queue != nil && tr.queue.HandleResponse(data) {
		return
	}
	if tr.received != nil {
		tr.received(data)
	}
}

// Send writes payload to the current connection. Returns false
// (no-op) when the socket is absent or closed, matching the
// best-effort contract: the caller's task will time out and retry.
func (tr *Transport) Send(payload []byte, t *task.Task) bool {
	tr.mu.Lock()
	conn := tr.conn
	tr.mu.Unlock()
	if conn == nil {
		return false
	}
	n, err := conn.Write(payload)
	if err != nil || n == 0 {
		return false
	}
	if tr.metrics != nil {
		tr.metrics.TransportBytesOut.Add(float64(n))
	}
	return true
}

// StartTLS upgrades the current connection in place. Only meaningful
// after Connect on substrates that support it.
func (tr *Transport) StartTLS() error {
	tr.mu.Lock()
	conn := tr.conn
	tr.mu.Unlock()
	if conn == nil {
		return errs.Disconnected("start_tls: no active connection")
	}
	return conn.StartTLS()
}

// Exec is only meaningful for the SSH substrate; other Dialers return
// errs.Fatal("not supported").
func (tr *Transport) Exec(cmd []byte) ([]byte, error) {
	tr.mu.Lock()
	conn := tr.conn
	tr.mu.Unlock()
	if conn == nil {
		return nil, errs.Disconnected("exec: no active connection")
	}
	return conn.Exec(cmd)
}

// Disconnect closes the current socket; the reader observes the error
// and drives reconnection through the normal loop.
func (tr *Transport) Disconnect() {
	tr.mu.Lock()
	conn := tr.conn
	tr.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Terminate is sticky: future Connect calls are no-ops, the socket is
// closed, and the in-flight task (if any) completes as Abort. Does
// not flush the Queue itself — the driver's module owns that ordering.
func (tr *Transport) Terminate() {
	tr.mu.Lock()
	if tr.terminated {
		tr.mu.Unlock()
		return
	}
	tr.terminated = true
	conn := tr.conn
	started := tr.started
	tr.mu.Unlock()

	close(tr.stop)
	if conn != nil {
		conn.Close()
	}
	if tr.queue != nil {
		tr.queue.AbortCurrent("terminated")
		tr.queue.SetOnline(false)
	}
	if started {
		<-tr.done
	}
}
