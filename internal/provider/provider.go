// Package provider defines the contract every EHR vendor adapter implements
// and the registry the sync orchestrator resolves adapters from.
package provider

import (
	"context"
	"sort"
	"sync"
)

// TokenResult is the outcome of an OAuth code exchange.
type TokenResult struct {
	AccessToken       string
	RefreshToken      string
	ExpiresIn         int64
	Scope             string
	ExternalPatientID string
}

// AuthState is what was remembered about the user when the authorization
// redirect was built.
type AuthState struct {
	UserID    string `json:"userId"`
	ProfileID string `json:"profileId"`
}

// Authenticator builds the vendor authorization URL and exchanges the code
// returned to the callback.
type Authenticator interface {
	AuthorizationURL(ctx context.Context, userID, profileID string) (string, error)
	Exchange(ctx context.Context, state, code string) (*TokenResult, *AuthState, error)
}

// Adapter is one EHR vendor. Sync drives a full fetch, normalize and clean
// cycle tagging progress events with jobID. Fetch, Normalize and Clean run
// one stage across every resource type.
type Adapter interface {
	Name() string
	Auth() Authenticator
	Sync(ctx context.Context, profileID, jobID string) error
	Fetch(ctx context.Context, profileID string) error
	Normalize(ctx context.Context, profileID string) error
	Clean(ctx context.Context, profileID string) error
}

// Registry maps provider names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter under name.
func (r *Registry) Register(name string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

// Get returns ErrUnsupportedProvider for unknown names.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, &UnsupportedProviderError{Name: name}
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
