package subscriptions

import (
	"context"
	"fmt"
)

// RoleLookup resolves the plain-string key "<prefix>/<system_id>/<role>/<index>"
// to the module currently filling that slot.
type RoleLookup interface {
	GetRaw(ctx context.Context, key string) (value string, ok bool, err error)
}

// ChannelReader reads the current value published on a full channel
// name ("<prefix>/<module_id>/<status>"), without needing to know
// ahead of time which module owns it.
type ChannelReader interface {
	GetByChannel(ctx context.Context, channel string) (value string, ok bool, err error)
}

// StoreResolver is the Resolver the registry uses in production: role
// lookups and channel reads both go through the same shared store, a
// *storage.Store satisfies both RoleLookup and ChannelReader directly.
type StoreResolver struct {
	prefix string
	roles  RoleLookup
	reader ChannelReader
}

// NewStoreResolver builds a Resolver backed by the shared store.
func NewStoreResolver(prefix string, roles RoleLookup, reader ChannelReader) *StoreResolver {
	return &StoreResolver{prefix: prefix, roles: roles, reader: reader}
}

// ResolveModule looks up "<prefix>/<systemID>/<role>/<index>" and
// returns the module_id bound there.
func (s *StoreResolver) ResolveModule(ctx context.Context, systemID, role string, index int) (string, error) {
	key := fmt.Sprintf("%s/%s/%s/%d", s.prefix, systemID, role, index)
	moduleID, ok, err := s.roles.GetRaw(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("subscriptions: no module bound to role %s/%s[%d]", systemID, role, index)
	}
	return moduleID, nil
}

// Get reads the current value on channel.
func (s *StoreResolver) Get(ctx context.Context, channel string) (string, bool, error) {
	return s.reader.GetByChannel(ctx, channel)
}
