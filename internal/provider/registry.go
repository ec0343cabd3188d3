package provider

import (
	"fmt"
	"sync"

	"github.com/mailpilot/mailpilot/internal/storage"
)

// Factory builds a provider client for one account.
type Factory func(acct *storage.Account) (Provider, error)

// Registry resolves accounts to provider clients by the account's provider
// name, caching one client per account.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	clients   map[int64]Provider
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		clients:   make(map[int64]Provider),
	}
}

// Register installs the factory for a provider name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// For returns the provider client for the account, building it on first use.
func (r *Registry) For(acct *storage.Account) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.clients[acct.ID]; ok {
		return p, nil
	}

	f, ok := r.factories[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", acct.Provider)
	}
	p, err := f(acct)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s provider: %w", acct.Provider, err)
	}
	r.clients[acct.ID] = p
	return p, nil
}

// Evict drops the cached client for an account, forcing a rebuild on next
// use. Called when account credentials change.
func (r *Registry) Evict(accountID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, accountID)
}
