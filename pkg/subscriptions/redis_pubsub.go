package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"drivercore/internal/logging"
)

// RedisPubSub implements PubSub against a *redis.Client: one
// dedicated subscribing connection, reconnected with backoff on
// error, re-subscribing to every channel the registry asked for and
// notifying Reconnected() so the registry can re-resolve its indirect
// subscriptions.
type RedisPubSub struct {
	client *redis.Client
	log    *logging.Logger

	mu       sync.Mutex
	ps       *redis.PubSub
	channels map[string]bool
	closed   bool

	messages    chan Message
	reconnected chan struct{}
	stop        chan struct{}
	done        chan struct{}
}

// NewRedisPubSub builds a PubSub bound to client's subscribing
// connection. Call Run to start it; Module.Run does so before starting
// the Registry's Run.
func NewRedisPubSub(client *redis.Client, log *logging.Logger) *RedisPubSub {
	return &RedisPubSub{
		client:      client,
		log:         log,
		channels:    make(map[string]bool),
		messages:    make(chan Message, 64),
		reconnected: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run starts the reconnect loop. Module.Run calls this once before
// starting the Registry's dispatch loop.
func (p *RedisPubSub) Run(ctx context.Context) {
	go p.loop(ctx)
}

func (p *RedisPubSub) loop(ctx context.Context) {
	defer close(p.done)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		ps := p.client.Subscribe(ctx)
		if err := ps.Ping(ctx); err != nil {
			ps.Close()
			if !p.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		p.mu.Lock()
		p.ps = ps
		wanted := make([]string, 0, len(p.channels))
		for ch := range p.channels {
			wanted = append(wanted, ch)
		}
		p.mu.Unlock()

		if len(wanted) > 0 {
			ps.Subscribe(ctx, wanted...)
		}
		attempt = 0
		select {
		case p.reconnected <- struct{}{}:
		default:
		}

		p.readUntilError(ctx, ps)

		ps.Close()
		p.mu.Lock()
		p.ps = nil
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if !p.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

func (p *RedisPubSub) readUntilError(ctx context.Context, ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case p.messages <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *RedisPubSub) sleepBackoff(ctx context.Context, attempt int) bool {
	d := time.Second << attempt
	if d > 10*time.Second || d <= 0 {
		d = 10 * time.Second
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	}
}

// Subscribe marks channel as wanted and, if a connection is live,
// issues SUBSCRIBE immediately.
func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) error {
	p.mu.Lock()
	p.channels[channel] = true
	ps := p.ps
	p.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Subscribe(ctx, channel)
}

// Unsubscribe un-marks channel and, if a connection is live, issues
// UNSUBSCRIBE for it.
func (p *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	p.mu.Lock()
	delete(p.channels, channel)
	ps := p.ps
	p.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Unsubscribe(ctx, channel)
}

func (p *RedisPubSub) Messages() <-chan Message {
	return p.messages
}

func (p *RedisPubSub) Reconnected() <-chan struct{} {
	return p.reconnected
}

// Close issues UNSUBSCRIBE with no arguments, closes the subscribing
// connection, and stops the reconnect loop.
func (p *RedisPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ps := p.ps
	p.mu.Unlock()

	close(p.stop)
	if ps != nil {
		ps.Unsubscribe(context.Background())
		ps.Close()
	}
	<-p.done
	return nil
}
