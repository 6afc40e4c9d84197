// Package module is the composition root: it wires Storage,
// Subscriptions, Queue, and Transport into one running driver module
// and owns their startup/shutdown ordering.
package module

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"drivercore/internal/logging"
	"drivercore/internal/metrics"
	"drivercore/pkg/queue"
	"drivercore/pkg/storage"
	"drivercore/pkg/subscriptions"
	"drivercore/pkg/task"
	"drivercore/pkg/tokenizer"
	"drivercore/pkg/transport"
)

// Config are the Module constructor parameters. ModuleID defaults to
// a generated uuid when empty.
type Config struct {
	ModuleID  string
	KeyPrefix string
	RedisURL  string

	Dialer         transport.Dialer
	Tokenizer      *tokenizer.Tokenizer
	ConnectTimeout time.Duration
	ReadBufferSize int

	// Received handles inbound data with no in-flight task's parser to
	// claim it (unsolicited status frames, for example).
	Received transport.Received

	Log     *logging.Logger
	Metrics *metrics.Registry
}

// senderHandle breaks the Queue/Transport construction cycle: the
// Queue is built first against this handle, then the handle is
// pointed at the real Transport once it exists.
type senderHandle struct {
	mu sync.Mutex
	tr *transport.Transport
}

func (h *senderHandle) Send(payload []byte, t *task.Task) bool {
	h.mu.Lock()
	tr := h.tr
	h.mu.Unlock()
	if tr == nil {
		return false
	}
	return tr.Send(payload, t)
}

func (h *senderHandle) bind(tr *transport.Transport) {
	h.mu.Lock()
	h.tr = tr
	h.mu.Unlock()
}

// Module is one running driver instance: its status hash, its
// subscriptions registry, its command queue, and its device
// transport, plus the Redis connection all four share.
type Module struct {
	ID string

	Queue         *queue.Queue
	Transport     *transport.Transport
	Store         *storage.Store
	Subscriptions *subscriptions.Registry

	client *storage.RedisClient
	pubsub *subscriptions.RedisPubSub
	log    *logging.Logger
	reg    *metrics.Registry

	runCtx    context.Context
	cancel    context.CancelFunc
	queueDone chan struct{}
}

// New connects to the shared store and assembles Queue, Transport,
// Storage, and Subscriptions bound to it. Call Run to start the
// dispatch/reconnect/subscribe loops, and Close to tear them down in
// order.
func New(ctx context.Context, cfg Config) (*Module, error) {
	moduleID := cfg.ModuleID
	if moduleID == "" {
		moduleID = uuid.NewString()
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default("module")
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.New(moduleID)
	}

	client, err := storage.New(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(client, cfg.KeyPrefix, moduleID, log)

	pubsub := subscriptions.NewRedisPubSub(client.Client, log)
	resolver := subscriptions.NewStoreResolver(cfg.KeyPrefix, store, store)
	subs := subscriptions.New(subscriptions.Config{
		Prefix:   cfg.KeyPrefix,
		Resolver: resolver,
		PubSub:   pubsub,
		Log:      log,
		Metrics:  reg,
	})

	sender := &senderHandle{}
	q := queue.New(sender, log, reg)
	tr := transport.New(transport.Config{
		Dialer:         cfg.Dialer,
		Queue:          q,
		Received:       cfg.Received,
		Tokenizer:      cfg.Tokenizer,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadBufferSize: cfg.ReadBufferSize,
		Log:            log,
		Metrics:        reg,
	})
	sender.bind(tr)

	return &Module{
		ID:            moduleID,
		Queue:         q,
		Transport:     tr,
		Store:         store,
		Subscriptions: subs,
		client:        client,
		pubsub:        pubsub,
		log:           log,
		reg:           reg,
	}, nil
}

// Run starts the pubsub connection, the subscriptions loop, the
// dispatch loop, and the transport's reconnect loop, in that order so
// the registry is ready to receive lookup-change events before
// anything can publish one. It returns once everything is started;
// the loops themselves run until ctx is done or Close is called.
func (m *Module) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.queueDone = make(chan struct{})

	m.pubsub.Run(runCtx)
	go m.Subscriptions.Run(runCtx)
	go func() {
		defer close(m.queueDone)
		m.Queue.Run(runCtx)
	}()
	m.Transport.Connect(runCtx)
}

// Close tears the module down in the order a real process needs:
// Transport first (sticky, aborts the in-flight task and stops
// dispatch from starting new ones), then the dispatch loop itself,
// then the Subscriptions loop, then the shared store connection.
func (m *Module) Close() {
	m.Transport.Terminate()
	m.Queue.Terminate()
	if m.cancel != nil {
		m.cancel()
	}
	if m.queueDone != nil {
		<-m.queueDone
	}
	m.Subscriptions.Terminate()
	m.client.Close()
}
