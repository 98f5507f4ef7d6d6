// Package resourcetest provides in-memory resource repositories for tests.
package resourcetest

import (
	"context"
	"sort"
	"sync"

	"github.com/ehr/ehrsync/internal/domain/resource"
)

// Store holds raw, normalized and clean rows in memory. Its repositories
// follow the same key and ordering rules as the Postgres ones.
type Store struct {
	mu         sync.Mutex
	raw        map[string]*resource.RawResource
	normalized map[string]*resource.NormalizedResource
	clean      map[string]*resource.CleanResource

	// Err, when set, is returned by every repository call.
	Err error
}

func NewStore() *Store {
	return &Store{
		raw:        make(map[string]*resource.RawResource),
		normalized: make(map[string]*resource.NormalizedResource),
		clean:      make(map[string]*resource.CleanResource),
	}
}

func rowKey(parts ...string) string {
	k := ""
	for _, p := range parts {
		k += p + "\x00"
	}
	return k
}

func (s *Store) Raw() resource.RawRepository               { return rawRepo{s} }
func (s *Store) Normalized() resource.NormalizedRepository { return normalizedRepo{s} }
func (s *Store) Clean() resource.CleanRepository           { return cleanRepo{s} }

// RawCount returns the number of raw rows for a profile and type.
func (s *Store) RawCount(profileID, resourceType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.raw {
		if r.ProfileID == profileID && r.ResourceType == resourceType {
			n++
		}
	}
	return n
}

// NormalizedCount returns the number of normalized rows for a profile and type.
func (s *Store) NormalizedCount(profileID, resourceType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.normalized {
		if r.ProfileID == profileID && r.ResourceType == resourceType {
			n++
		}
	}
	return n
}

type rawRepo struct{ s *Store }

func (r rawRepo) Upsert(_ context.Context, raw *resource.RawResource) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	cp := *raw
	r.s.raw[rowKey(raw.ProfileID, raw.Provider, raw.ResourceType, raw.ResourceID)] = &cp
	return nil
}

func (r rawRepo) Get(_ context.Context, profileID, provider, resourceType, resourceID string) (*resource.RawResource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	raw, ok := r.s.raw[rowKey(profileID, provider, resourceType, resourceID)]
	if !ok {
		return nil, resource.ErrNotFound
	}
	cp := *raw
	return &cp, nil
}

func (r rawRepo) ListByType(_ context.Context, profileID, provider, resourceType string) ([]*resource.RawResource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var out []*resource.RawResource
	for _, raw := range r.s.raw {
		if raw.ProfileID == profileID && raw.Provider == provider && raw.ResourceType == resourceType {
			cp := *raw
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

type normalizedRepo struct{ s *Store }

func (r normalizedRepo) Upsert(_ context.Context, n *resource.NormalizedResource) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	cp := *n
	r.s.normalized[rowKey(n.ProfileID, n.Provider, n.ResourceType, n.ResourceID)] = &cp
	return nil
}

func (r normalizedRepo) ListByType(_ context.Context, profileID, resourceType string) ([]*resource.NormalizedResource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var out []*resource.NormalizedResource
	for _, n := range r.s.normalized {
		if n.ProfileID == profileID && n.ResourceType == resourceType {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out, nil
}

type cleanRepo struct{ s *Store }

func (r cleanRepo) Replace(_ context.Context, c *resource.CleanResource) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	cp := *c
	r.s.clean[rowKey(c.ProfileID, c.ResourceType)] = &cp
	return nil
}

func (r cleanRepo) Get(_ context.Context, profileID, resourceType string) (*resource.CleanResource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	c, ok := r.s.clean[rowKey(profileID, resourceType)]
	if !ok {
		return nil, resource.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r cleanRepo) ListByProfile(_ context.Context, profileID string) ([]*resource.CleanResource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	var out []*resource.CleanResource
	for _, c := range r.s.clean {
		if c.ProfileID == profileID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceType < out[j].ResourceType })
	return out, nil
}
