package transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivercore/internal/errs"
	"drivercore/pkg/task"
	"drivercore/pkg/tokenizer"
)

// fakeQueue implements Online without pulling in the real Queue, so
// these tests exercise Transport's contract in isolation.
type fakeQueue struct {
	mu      sync.Mutex
	online  []bool
	aborted []string
	handled [][]byte
	consume bool
}

func (f *fakeQueue) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, online)
}

func (f *fakeQueue) AbortCurrent(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, reason)
}

func (f *fakeQueue) HandleResponse(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, data)
	return f.consume
}

func (f *fakeQueue) onlineHistory() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.online...)
}

// pipeConn is an in-memory Conn backed by an io.Pipe, good enough to
// drive the reader loop without touching a real socket.
type pipeConn struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() (*pipeConn, *io.PipeWriter) {
	r, serverW := io.Pipe()
	return &pipeConn{r: r, w: nil, closed: make(chan struct{})}, serverW
}

func (c *pipeConn) Read(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	if err != nil {
		return n, errs.Disconnected(err.Error())
	}
	return n, nil
}
func (c *pipeConn) Write(data []byte) (int, error) { return len(data), nil }
func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.r.Close()
}
func (c *pipeConn) StartTLS() error           { return errs.Fatal(errNotSupported("start_tls")) }
func (c *pipeConn) Exec([]byte) ([]byte, error) { return nil, errs.Fatal(errNotSupported("exec")) }

// fakeDialer hands out a single pre-built Conn once, then fails.
type fakeDialer struct {
	mu    sync.Mutex
	conns []Conn
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errs.Disconnected("no more connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func TestReadPath_SingleMessageInline(t *testing.T) {
	conn, serverW := newPipeConn()
	dialer := &fakeDialer{conns: []Conn{conn}}
	q := &fakeQueue{consume: true}

	tr := New(Config{
		Dialer:    dialer,
		Queue:     q,
		Tokenizer: tokenizer.New(tokenizer.Delimiter([]byte("\n"))),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx)

	waitUntil(t, func() bool { return len(q.onlineHistory()) >= 1 })

	serverW.Write([]byte("hello\n"))
	waitUntil(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.handled) == 1
	})

	q.mu.Lock()
	got := q.handled[0]
	q.mu.Unlock()
	assert.Equal(t, []byte("hello\n"), got)
}

func TestReadPath_FallsBackToReceivedWhenUnconsumed(t *testing.T) {
	conn, serverW := newPipeConn()
	dialer := &fakeDialer{conns: []Conn{conn}}
	q := &fakeQueue{consume: false}

	var receivedMu sync.Mutex
	var received [][]byte
	tr := New(Config{
		Dialer:    dialer,
		Queue:     q,
		Tokenizer: tokenizer.New(tokenizer.Delimiter([]byte("\n"))),
		Received: func(data []byte) {
			receivedMu.Lock()
			received = append(received, append([]byte(nil), data...))
			receivedMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx)
	waitUntil(t, func() bool { return len(q.onlineHistory()) >= 1 })

	serverW.Write([]byte("status\n"))
	waitUntil(t, func() bool {
		receivedMu.Lock()
		defer receivedMu.Unlock()
		return len(received) == 1
	})
}

func TestSend_NoopWithoutConnection(t *testing.T) {
	dialer := &fakeDialer{}
	q := &fakeQueue{}
	tr := New(Config{Dialer: dialer, Queue: q})

	tk := task.New(task.Config{Name: "x"})
	assert.False(t, tr.Send([]byte("x"), tk), "Send should be a no-op with no active connection")
}

func TestTerminate_AbortsCurrentAndStopsLoop(t *testing.T) {
	conn, _ := newPipeConn()
	dialer := &fakeDialer{conns: []Conn{conn}}
	q := &fakeQueue{consume: true}
	tr := New(Config{Dialer: dialer, Queue: q})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx)
	waitUntil(t, func() bool { return len(q.onlineHistory()) >= 1 })

	tr.Terminate()

	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.aborted)
	assert.Equal(t, "terminated", q.aborted[0])
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
