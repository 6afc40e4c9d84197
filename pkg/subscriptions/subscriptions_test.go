package subscriptions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver is a mutable in-memory Resolver: roleMap backs
// ResolveModule, values backs Get, both keyed by the caller-supplied
// string.
type fakeResolver struct {
	mu      sync.Mutex
	roleMap map[string]string // "system/role/index" -> moduleID
	values  map[string]string // channel -> value
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{roleMap: make(map[string]string), values: make(map[string]string)}
}

func (f *fakeResolver) bind(systemID, role string, index int, moduleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleMap[roleKey(systemID, role, index)] = moduleID
}

func (f *fakeResolver) set(channel, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[channel] = value
}

func (f *fakeResolver) ResolveModule(ctx context.Context, systemID, role string, index int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	moduleID, ok := f.roleMap[roleKey(systemID, role, index)]
	if !ok {
		return "", errNoBinding
	}
	return moduleID, nil
}

func (f *fakeResolver) Get(ctx context.Context, channel string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[channel]
	return v, ok, nil
}

type roleErr string

func (e roleErr) Error() string { return string(e) }

const errNoBinding = roleErr("no binding")

func roleKey(systemID, role string, index int) string {
	return systemID + "/" + role + "/" + itoa(index)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// fakePubSub is an in-memory PubSub: Subscribe/Unsubscribe just
// record calls, and the test drives delivery directly via deliver.
type fakePubSub struct {
	mu          sync.Mutex
	subscribed  map[string]int
	messages    chan Message
	reconnected chan struct{}
	closed      bool
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{
		subscribed:  make(map[string]int),
		messages:    make(chan Message, 16),
		reconnected: make(chan struct{}, 1),
	}
}

func (f *fakePubSub) Subscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[channel]++
	return nil
}

func (f *fakePubSub) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[channel]--
	return nil
}

func (f *fakePubSub) Messages() <-chan Message           { return f.messages }
func (f *fakePubSub) Reconnected() <-chan struct{}        { return f.reconnected }

func (f *fakePubSub) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.messages)
	return nil
}

func (f *fakePubSub) deliver(channel, payload string) {
	f.messages <- Message{Channel: channel, Payload: payload}
}

func (f *fakePubSub) isSubscribed(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[channel] > 0
}

func newTestRegistry(resolver *fakeResolver, pubsub *fakePubSub) *Registry {
	return New(Config{Prefix: "drv", Resolver: resolver, PubSub: pubsub})
}

func waitForCond(t *testing.T, cond func() bool) {
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

// S6 — indirect remap: resolve to m7, then change the role binding to
// m9 and publish lookup-change; the subscription must move channels
// and fire exactly once with m9's current value.
func TestSubscribeIndirect_RemapsOnLookupChange(t *testing.T) {
	resolver := newFakeResolver()
	resolver.bind("S1", "Display", 1, "m7")
	resolver.set("drv/m7/power", "on")
	pubsub := newFakePubSub()
	reg := newTestRegistry(resolver, pubsub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)
	waitForCond(t, func() bool { return pubsub.isSubscribed(LookupChangeChannel) })

	var mu sync.Mutex
	var calls []struct{ channel, message string }
	_, err := reg.SubscribeIndirect(ctx, "S1", "Display", 1, "power", func(channel, message string) {
		mu.Lock()
		calls = append(calls, struct{ channel, message string }{channel, message})
		mu.Unlock()
	})
	require.NoError(t, err)
	waitForCond(t, func() bool { return pubsub.isSubscribed("drv/m7/power") })

	resolver.bind("S1", "Display", 1, "m9")
	resolver.set("drv/m9/power", "off")
	pubsub.deliver(LookupChangeChannel, "S1")

	waitForCond(t, func() bool { return pubsub.isSubscribed("drv/m9/power") })
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2 // initial delivery of "on", then remap delivery of "off"
	})

	assert.False(t, pubsub.isSubscribed("drv/m7/power"), "expected unsubscribe from old channel after remap")

	mu.Lock()
	last := calls[len(calls)-1]
	mu.Unlock()
	assert.Equal(t, "drv/m9/power", last.channel)
	assert.Equal(t, "off", last.message)

	reg.Terminate()
}

// Invariant #6 — no subscription is ever bound to both the old and
// new channel for longer than the remap itself: at the instant the
// new channel's subscription becomes visible, the old one is gone.
func TestRemap_NeverDoubleBound(t *testing.T) {
	resolver := newFakeResolver()
	resolver.bind("S1", "Display", 1, "m7")
	resolver.set("drv/m7/power", "on")
	pubsub := newFakePubSub()
	reg := newTestRegistry(resolver, pubsub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)
	waitForCond(t, func() bool { return pubsub.isSubscribed(LookupChangeChannel) })

	sub, err := reg.SubscribeIndirect(ctx, "S1", "Display", 1, "power", func(string, string) {})
	require.NoError(t, err)
	waitForCond(t, func() bool { return pubsub.isSubscribed("drv/m7/power") })

	resolver.bind("S1", "Display", 1, "m9")
	resolver.set("drv/m9/power", "off")
	pubsub.deliver(LookupChangeChannel, "S1")
	waitForCond(t, func() bool { return pubsub.isSubscribed("drv/m9/power") })

	reg.mu.Lock()
	channel := sub.channel
	onOld := false
	for _, s := range reg.byChannel["drv/m7/power"] {
		if s.id == sub.id {
			onOld = true
		}
	}
	onNew := false
	for _, s := range reg.byChannel["drv/m9/power"] {
		if s.id == sub.id {
			onNew = true
		}
	}
	reg.mu.Unlock()

	assert.Equal(t, "drv/m9/power", channel)
	assert.False(t, onOld, "subscription still present on old channel after remap")
	assert.True(t, onNew, "subscription missing from new channel after remap")

	reg.Terminate()
}

// Subscribing direct delivers the store's current value immediately,
// with no message needed off the pub/sub connection.
func TestSubscribeDirect_DeliversCurrentValueImmediately(t *testing.T) {
	resolver := newFakeResolver()
	resolver.set("drv/m1/power", "on")
	pubsub := newFakePubSub()
	reg := newTestRegistry(resolver, pubsub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	var mu sync.Mutex
	var got string
	_, err := reg.SubscribeDirect(ctx, "m1", "power", func(_, message string) {
		mu.Lock()
		got = message
		mu.Unlock()
	})
	require.NoError(t, err)
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == "on"
	})

	reg.Terminate()
}

// Unsubscribe only issues UNSUBSCRIBE against the store once the
// channel's last subscriber drops.
func TestUnsubscribe_OnlyUnsubscribesStoreWhenChannelEmpties(t *testing.T) {
	resolver := newFakeResolver()
	pubsub := newFakePubSub()
	reg := newTestRegistry(resolver, pubsub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	subA, err := reg.SubscribeDirect(ctx, "m1", "power", func(string, string) {})
	require.NoError(t, err)
	subB, err := reg.SubscribeDirect(ctx, "m1", "power", func(string, string) {})
	require.NoError(t, err)
	waitForCond(t, func() bool { return pubsub.isSubscribed("drv/m1/power") })

	require.NoError(t, reg.Unsubscribe(ctx, subA))
	assert.True(t, pubsub.isSubscribed("drv/m1/power"), "channel should remain subscribed while subB is still bound")

	require.NoError(t, reg.Unsubscribe(ctx, subB))
	assert.False(t, pubsub.isSubscribed("drv/m1/power"), "channel should be unsubscribed once every subscriber drops")

	reg.Terminate()
}

// A channel publish fans out to every current subscriber on it.
func TestOnMessage_FansOutToEverySubscriber(t *testing.T) {
	resolver := newFakeResolver()
	pubsub := newFakePubSub()
	reg := newTestRegistry(resolver, pubsub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	var mu sync.Mutex
	countA, countB := 0, 0
	reg.SubscribeDirect(ctx, "m1", "power", func(string, string) {
		mu.Lock()
		countA++
		mu.Unlock()
	})
	reg.SubscribeDirect(ctx, "m1", "power", func(string, string) {
		mu.Lock()
		countB++
		mu.Unlock()
	})
	waitForCond(t, func() bool { return pubsub.isSubscribed("drv/m1/power") })

	pubsub.deliver("drv/m1/power", "true")
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return countA == 1 && countB == 1
	})

	reg.Terminate()
}
