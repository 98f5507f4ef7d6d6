package resource

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("resource not found")

// RawRepository persists provider payloads keyed by
// (profile, provider, resource type, resource id).
type RawRepository interface {
	Upsert(ctx context.Context, r *RawResource) error
	Get(ctx context.Context, profileID, provider, resourceType, resourceID string) (*RawResource, error)
	ListByType(ctx context.Context, profileID, provider, resourceType string) ([]*RawResource, error)
}

// NormalizedRepository persists normalized records under the same key as
// their raw source.
type NormalizedRepository interface {
	Upsert(ctx context.Context, n *NormalizedResource) error
	ListByType(ctx context.Context, profileID, resourceType string) ([]*NormalizedResource, error)
}

// CleanRepository persists one summary per (profile, resource type).
type CleanRepository interface {
	Replace(ctx context.Context, c *CleanResource) error
	Get(ctx context.Context, profileID, resourceType string) (*CleanResource, error)
	ListByProfile(ctx context.Context, profileID string) ([]*CleanResource, error)
}
