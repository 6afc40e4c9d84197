// Package subscriptions implements the registry that turns a shared
// store's published messages back into per-subscriber callbacks:
// direct subscriptions bound to a literal channel, indirect
// subscriptions resolved by system+role+index and remapped when the
// platform reshuffles role ownership, and free-form channel
// subscriptions.
package subscriptions

import (
	"context"
	"fmt"
	"sync"

	"drivercore/internal/logging"
	"drivercore/internal/metrics"
)

// LookupChangeChannel is the distinguished channel carrying a
// system_id payload whenever the platform rebinds module roles.
const LookupChangeChannel = "lookup-change"

// Callback receives a channel's published message. Panics are
// recovered by the dispatch loop and logged as CallbackError; they
// never propagate.
type Callback func(channel, message string)

// Resolver resolves the module currently filling a role, the one
// store round-trip the registry performs while holding its mutex.
type Resolver interface {
	ResolveModule(ctx context.Context, systemID, role string, index int) (moduleID string, err error)
	Get(ctx context.Context, channel string) (value string, ok bool, err error)
}

// PubSub is the subset of the store's pub/sub surface the subscribe
// loop drives.
type PubSub interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Messages() <-chan Message
	// Reconnected fires whenever the underlying connection has been
	// re-established, signalling the loop to resubscribe everything.
	Reconnected() <-chan struct{}
	Close() error
}

// Message is one delivery off the store's pub/sub connection.
type Message struct {
	Channel string
	Payload string
}

// kind tags which variant a Subscription was created as.
type kind int

const (
	kindDirect kind = iota
	kindIndirect
	kindChannel
)

// Subscription is an opaque handle returned by the registry's
// Subscribe* constructors, passed back to Unsubscribe.
type Subscription struct {
	id       uint64
	kind     kind
	channel  string // current bound channel
	cb       Callback
	systemID string // indirect only
	role     string // indirect only
	index    int    // indirect only
	status   string // direct/indirect only
}

// Registry is the dual-index subscription table: channel name →
// subscribers, and system_id → indirect subscriptions under that
// system. Every mutation of either index, and the remap path, is
// serialized under mu.
type Registry struct {
	prefix   string
	resolver Resolver
	pubsub   PubSub
	log      *logging.Logger
	metrics  *metrics.Registry

	mu        sync.Mutex
	byChannel map[string][]*Subscription
	bySystem  map[string][]*Subscription
	nextID    uint64
	closed    bool

	done chan struct{}
}

// Config are the Registry constructor parameters.
type Config struct {
	Prefix   string
	Resolver Resolver
	PubSub   PubSub
	Log      *logging.Logger
	Metrics  *metrics.Registry
}

// New builds a Registry bound to a store's pub/sub connection. Call
// Run to start the subscribe loop.
func New(cfg Config) *Registry {
	return &Registry{
		prefix:    cfg.Prefix,
		resolver:  cfg.Resolver,
		pubsub:    cfg.PubSub,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		byChannel: make(map[string][]*Subscription),
		bySystem:  make(map[string][]*Subscription),
		done:      make(chan struct{}),
	}
}

// channelFor builds "<prefix>/<moduleID>/<status>".
func (r *Registry) channelFor(moduleID, status string) string {
	return r.prefix + "/" + moduleID + "/" + status
}

// SubscribeDirect binds cb to the channel for (moduleID, status). If
// the store already holds a value there, cb fires immediately with it.
func (r *Registry) SubscribeDirect(ctx context.Context, moduleID, status string, cb Callback) (*Subscription, error) {
	channel := r.channelFor(moduleID, status)
	sub := &Subscription{kind: kindDirect, channel: channel, cb: cb, status: status}
	return r.register(ctx, sub)
}

// SubscribeIndirect resolves the module currently filling (systemID,
// role, index) and behaves like Direct for the resolved module,
// additionally tracked under systemID for remap-on-topology-change.
func (r *Registry) SubscribeIndirect(ctx context.Context, systemID, role string, index int, status string, cb Callback) (*Subscription, error) {
	r.mu.Lock()
	moduleID, err := r.resolver.ResolveModule(ctx, systemID, role, index)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	channel := r.channelFor(moduleID, status)
	sub := &Subscription{
		kind: kindIndirect, channel: channel, cb: cb,
		systemID: systemID, role: role, index: index, status: status,
	}
	return r.registerIndirect(ctx, sub)
}

// Channel creates a free-form subscription to the literal channel
// name, with no direct/indirect resolution semantics.
func (r *Registry) Channel(ctx context.Context, name string, cb Callback) (*Subscription, error) {
	sub := &Subscription{kind: kindChannel, channel: name, cb: cb}
	return r.register(ctx, sub)
}

// register adds sub to the flat index, issuing SUBSCRIBE on the store
// only for the channel's first subscriber, then fires an immediate
// delivery if the store already holds a value.
func (r *Registry) register(ctx context.Context, sub *Subscription) (*Subscription, error) {
	r.mu.Lock()
	r.nextID++
	sub.id = r.nextID
	first := len(r.byChannel[sub.channel]) == 0
	r.byChannel[sub.channel] = append(r.byChannel[sub.channel], sub)
	r.mu.Unlock()

	if first {
		if err := r.pubsub.Subscribe(ctx, sub.channel); err != nil {
			return sub, err
		}
	}
	r.deliverCurrent(ctx, sub)
	if r.metrics != nil {
		r.metrics.SubscriptionsActive.Inc()
	}
	return sub, nil
}

// registerIndirect is register plus bySystem bookkeeping.
func (r *Registry) registerIndirect(ctx context.Context, sub *Subscription) (*Subscription, error) {
	r.mu.Lock()
	r.nextID++
	sub.id = r.nextID
	first := len(r.byChannel[sub.channel]) == 0
	r.byChannel[sub.channel] = append(r.byChannel[sub.channel], sub)
	r.bySystem[sub.systemID] = append(r.bySystem[sub.systemID], sub)
	r.mu.Unlock()

	if first {
		if err := r.pubsub.Subscribe(ctx, sub.channel); err != nil {
			return sub, err
		}
	}
	r.deliverCurrent(ctx, sub)
	if r.metrics != nil {
		r.metrics.SubscriptionsActive.Inc()
	}
	return sub, nil
}

// deliverCurrent fires cb immediately with whatever value the store
// currently holds for sub's channel, per the direct/indirect contract.
func (r *Registry) deliverCurrent(ctx context.Context, sub *Subscription) {
	value, ok, err := r.resolver.Get(ctx, sub.channel)
	if err != nil || !ok {
		return
	}
	r.safeInvoke(sub, sub.channel, value)
}

// Unsubscribe removes sub from every index; if its channel's
// subscriber list becomes empty, issues UNSUBSCRIBE against the store.
func (r *Registry) Unsubscribe(ctx context.Context, sub *Subscription) error {
	r.mu.Lock()
	r.removeLocked(sub)
	empty := len(r.byChannel[sub.channel]) == 0
	if empty {
		delete(r.byChannel, sub.channel)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SubscriptionsActive.Dec()
	}
	if empty {
		return r.pubsub.Unsubscribe(ctx, sub.channel)
	}
	return nil
}

func (r *Registry) removeLocked(sub *Subscription) {
	r.byChannel[sub.channel] = removeSub(r.byChannel[sub.channel], sub)
	if sub.kind == kindIndirect {
		r.bySystem[sub.systemID] = removeSub(r.bySystem[sub.systemID], sub)
		if len(r.bySystem[sub.systemID]) == 0 {
			delete(r.bySystem, sub.systemID)
		}
	}
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != target.id {
			out = append(out, s)
		}
	}
	return out
}

// Run drives the subscribe loop: initial SUBSCRIBE lookup-change,
// resubscribe-everything on reconnect, and per-message dispatch. Blocks
// until ctx is done or Terminate is called.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	if err := r.pubsub.Subscribe(ctx, LookupChangeChannel); err != nil && r.log != nil {
		r.log.WithError(err).Warn("initial lookup-change subscribe failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.pubsub.Reconnected():
			r.resubscribeAll(ctx)
		case msg, ok := <-r.pubsub.Messages():
			if !ok {
				return
			}
			r.onMessage(ctx, msg.Channel, msg.Payload)
		}
	}
}

// resubscribeAll re-issues SUBSCRIBE for every channel currently in
// the flat index and re-resolves every IndirectSubscription, run on
// the store's own reconnect notification.
func (r *Registry) resubscribeAll(ctx context.Context) {
	r.pubsub.Subscribe(ctx, LookupChangeChannel)

	r.mu.Lock()
	channels := make([]string, 0, len(r.byChannel))
	for ch := range r.byChannel {
		channels = append(channels, ch)
	}
	systems := make([]string, 0, len(r.bySystem))
	for sys := range r.bySystem {
		systems = append(systems, sys)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		r.pubsub.Subscribe(ctx, ch)
	}
	for _, sys := range systems {
		r.remap(ctx, sys)
	}
}

// onMessage is the subscribe loop's per-delivery dispatch: lookup-change
// triggers a remap, everything else fans out to every subscriber on
// that channel. A channel with no subscribers logs a benign warning
// (the unsubscribe/publish race the spec calls out).
func (r *Registry) onMessage(ctx context.Context, channel, payload string) {
	if channel == LookupChangeChannel {
		r.remap(ctx, payload)
		return
	}

	r.mu.Lock()
	subs := append([]*Subscription(nil), r.byChannel[channel]...)
	r.mu.Unlock()

	if len(subs) == 0 {
		if r.log != nil {
			r.log.Warn(fmt.Sprintf("message on channel %s with no subscribers", channel))
		}
		return
	}
	for _, sub := range subs {
		r.safeInvoke(sub, channel, payload)
		if r.metrics != nil {
			r.metrics.SubscriptionsDelivered.Inc()
		}
	}
}

// remap re-resolves every IndirectSubscription under systemID: if the
// resolved channel changed, unsubscribe from the old one and subscribe
// to the new one, delivering its current value immediately; otherwise
// leave the subscription in place. Serialized under mu because it
// spans both indices plus a store round-trip (the one documented
// blocking section held under the lock).
func (r *Registry) remap(ctx context.Context, systemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.bySystem[systemID]
	for _, sub := range subs {
		moduleID, err := r.resolver.ResolveModule(ctx, sub.systemID, sub.role, sub.index)
		if err != nil {
			if r.log != nil {
				r.log.WithError(err).Warn("lookup-change: resolve failed")
			}
			continue
		}
		newChannel := r.channelFor(moduleID, sub.status)
		if newChannel == sub.channel {
			continue
		}

		oldChannel := sub.channel
		r.byChannel[oldChannel] = removeSub(r.byChannel[oldChannel], sub)
		if len(r.byChannel[oldChannel]) == 0 {
			delete(r.byChannel, oldChannel)
			r.pubsub.Unsubscribe(ctx, oldChannel)
		}

		sub.channel = newChannel
		first := len(r.byChannel[newChannel]) == 0
		r.byChannel[newChannel] = append(r.byChannel[newChannel], sub)
		if first {
			r.pubsub.Subscribe(ctx, newChannel)
		}

		if value, ok, err := r.resolver.Get(ctx, newChannel); err == nil && ok {
			r.safeInvoke(sub, newChannel, value)
		}
		if r.metrics != nil {
			r.metrics.SubscriptionsRemapped.Inc()
		}
	}
}

// safeInvoke calls sub's callback, recovering and logging any panic
// as a CallbackError rather than letting it kill the dispatch loop.
func (r *Registry) safeInvoke(sub *Subscription, channel, message string) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Warn(fmt.Sprintf("subscriber callback panicked: %v", rec))
		}
	}()
	sub.cb(channel, message)
}

// Terminate issues UNSUBSCRIBE with no arguments (closing the
// underlying pub/sub connection), causing Run to exit gracefully.
// Subscriptions remain in the registry but receive nothing afterward.
func (r *Registry) Terminate() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.pubsub.Close()
	<-r.done
}
