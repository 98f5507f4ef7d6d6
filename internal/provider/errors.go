package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnauthorized means the provider rejected the token or it has expired.
	// The user has to reconnect.
	ErrUnauthorized = errors.New("provider token is missing or expired")

	// ErrNotConnected means the profile has no active connection to the provider.
	ErrNotConnected = errors.New("profile is not connected to provider")

	// ErrDecryption means stored token material could not be decrypted.
	ErrDecryption = errors.New("stored token could not be decrypted")

	ErrUnsupportedProvider = errors.New("unsupported provider")
)

type UnsupportedProviderError struct {
	Name string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Name)
}

func (e *UnsupportedProviderError) Is(target error) bool {
	return target == ErrUnsupportedProvider
}

// TransientFetchError is a network failure or 5xx response. The queue may
// retry the job.
type TransientFetchError struct {
	ResourceType string
	StatusCode   int
	Err          error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: provider returned %d", e.ResourceType, e.StatusCode)
	}
	// The wrapped error can carry the request URL; keep it for logs only.
	return fmt.Sprintf("fetch %s: provider unreachable", e.ResourceType)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

func (e *TransientFetchError) Temporary() bool { return true }

// FetchError is any other non-2xx response, or a 2xx body that cannot be
// used. Reason is set in the second case.
type FetchError struct {
	ResourceType string
	StatusCode   int
	Reason       string
}

func (e *FetchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("fetch %s: %s", e.ResourceType, e.Reason)
	}
	return fmt.Sprintf("fetch %s: provider returned %d", e.ResourceType, e.StatusCode)
}

// AggregateSyncError lists every resource type that failed in one sync.
type AggregateSyncError struct {
	Failures map[string]error
}

// FailedTypes returns the failed resource types sorted by name.
func (e *AggregateSyncError) FailedTypes() []string {
	types := make([]string, 0, len(e.Failures))
	for t := range e.Failures {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (e *AggregateSyncError) Error() string {
	types := e.FailedTypes()
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s: %v", t, e.Failures[t]))
	}
	return fmt.Sprintf("sync failed for %d resource type(s): %s", len(types), strings.Join(parts, "; "))
}

func (e *AggregateSyncError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, t := range e.FailedTypes() {
		errs = append(errs, e.Failures[t])
	}
	return errs
}

// Retryable reports whether a queue retry could succeed. Missing, expired or
// undecryptable credentials and unknown providers need a human first.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrDecryption),
		errors.Is(err, ErrUnsupportedProvider):
		return false
	}
	return true
}

// UserMessage renders err for the SyncJob row and the failed progress event.
// It never includes internal detail beyond the failed resource types.
func UserMessage(err error, providerName string) string {
	var agg *AggregateSyncError
	switch {
	case errors.Is(err, ErrDecryption):
		return fmt.Sprintf("invalid token data, please reconnect %s", providerName)
	case errors.Is(err, ErrUnauthorized):
		return fmt.Sprintf("%s authorization expired, please reconnect", providerName)
	case errors.Is(err, ErrNotConnected):
		return fmt.Sprintf("no active %s connection for this profile", providerName)
	case errors.Is(err, ErrUnsupportedProvider):
		return fmt.Sprintf("provider %s is not supported", providerName)
	case errors.As(err, &agg):
		types := agg.FailedTypes()
		parts := make([]string, 0, len(types))
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s: %s", t, ResourceMessage(agg.Failures[t], t, providerName)))
		}
		return fmt.Sprintf("sync failed for %d resource type(s): %s", len(types), strings.Join(parts, "; "))
	}
	return "sync failed due to a provider error"
}

// ResourceMessage renders the failure of one resource type for the per-type
// failed progress event. Fetch errors keep their status line; anything else
// is reduced to a fixed phrase.
func ResourceMessage(err error, resourceType, providerName string) string {
	var (
		transient *TransientFetchError
		fetchErr  *FetchError
	)
	switch {
	case errors.Is(err, ErrUnauthorized):
		return fmt.Sprintf("%s authorization expired, please reconnect", providerName)
	case errors.As(err, &transient):
		return transient.Error()
	case errors.As(err, &fetchErr):
		return fetchErr.Error()
	case errors.Is(err, context.Canceled):
		return fmt.Sprintf("fetch %s: cancelled", resourceType)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("fetch %s: timed out", resourceType)
	}
	return fmt.Sprintf("fetch %s: provider error", resourceType)
}
