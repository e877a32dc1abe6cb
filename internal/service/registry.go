package service

import (
	"context"
	"fmt"
	"sync"

	"lexrelay/internal/errors"
	"lexrelay/internal/models"
	"lexrelay/pkg/provider/types"
)

// SessionReader loads persisted sessions for handle rehydration.
type SessionReader interface {
	GetSession(ctx context.Context, tenantID string) (*models.Session, error)
}

// Handle binds a tenant's provider token to the adapter for its family.
// Outgoing workers send through a handle without knowing which backend
// sits behind it.
type Handle struct {
	TenantID string
	Kind     types.Kind
	Token    string
	adapter  types.Adapter
}

// SendText dispatches text to the recipient through the tenant's channel.
func (h *Handle) SendText(ctx context.Context, recipient, text string) (*types.Receipt, error) {
	return h.adapter.SendText(ctx, h.Token, recipient, text)
}

// Status asks the provider for the channel's connection state.
func (h *Handle) Status(ctx context.Context) (*types.ConnectResult, error) {
	return h.adapter.Status(ctx, h.Token)
}

// Disconnect tears the channel down on the provider side.
func (h *Handle) Disconnect(ctx context.Context) error {
	return h.adapter.Disconnect(ctx, h.Token)
}

// AdapterRegistry holds the configured adapter per provider family and a
// cache of live tenant handles. After a restart the cache is empty;
// HandleFor rehydrates handles lazily from persisted sessions so queued
// outgoing work keeps flowing without re-pairing.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[types.Kind]types.Adapter
	handles  map[string]*Handle
	sessions SessionReader
}

// NewAdapterRegistry creates a registry over the configured adapters.
func NewAdapterRegistry(sessions SessionReader, adapters ...types.Adapter) *AdapterRegistry {
	byKind := make(map[types.Kind]types.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	return &AdapterRegistry{
		adapters: byKind,
		handles:  make(map[string]*Handle),
		sessions: sessions,
	}
}

// Adapter returns the configured adapter for a provider family.
func (r *AdapterRegistry) Adapter(kind types.Kind) (types.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("no adapter configured for provider %q", kind))
	}
	return adapter, nil
}

// Put registers a live handle for a tenant, replacing any previous one.
func (r *AdapterRegistry) Put(tenantID string, kind types.Kind, token string) error {
	adapter, err := r.Adapter(kind)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[tenantID] = &Handle{
		TenantID: tenantID,
		Kind:     kind,
		Token:    token,
		adapter:  adapter,
	}
	return nil
}

// Drop forgets the tenant's handle.
func (r *AdapterRegistry) Drop(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, tenantID)
}

// HandleFor returns the tenant's live handle, rehydrating it from the
// persisted session when the cache is cold. A missing or non-connected
// session is a non-retryable error: retrying cannot connect a channel
// the tenant never paired.
func (r *AdapterRegistry) HandleFor(ctx context.Context, tenantID string) (*Handle, error) {
	r.mu.RLock()
	handle, ok := r.handles[tenantID]
	r.mu.RUnlock()
	if ok {
		return handle, nil
	}

	session, err := r.sessions.GetSession(ctx, tenantID)
	if err != nil {
		return nil, errors.WrapRetryable(err, errors.ErrCodePersistence, "failed to load session for handle rehydration")
	}
	if session == nil || session.State != models.StateConnected || session.ProviderToken == "" {
		return nil, errors.New(errors.ErrCodeSessionNotConnected,
			fmt.Sprintf("tenant %s has no connected session", tenantID))
	}

	if err := r.Put(tenantID, session.Provider, session.ProviderToken); err != nil {
		return nil, err
	}
	r.mu.RLock()
	handle = r.handles[tenantID]
	r.mu.RUnlock()
	return handle, nil
}
