package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/metrics"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Minute
)

// summaryKeys maps resource types to the keys of the profile summary.
var summaryKeys = map[string]string{
	TypePatient:            "patient",
	TypeCondition:          "conditions",
	TypeAllergyIntolerance: "allergies",
	TypeMedicationRequest:  "medications",
	TypeObservation:        "labs",
	TypeEncounter:          "encounters",
	TypeProcedure:          "procedures",
	TypeImmunization:       "immunizations",
}

// Service serves clean summaries. Reads go through a short-lived LRU that
// the Cleaner invalidates whenever it replaces a summary.
type Service struct {
	clean  CleanRepository
	cache  *expirable.LRU[string, *CleanResource]
	logger zerolog.Logger
}

func NewService(clean CleanRepository, logger zerolog.Logger) *Service {
	return &Service{
		clean:  clean,
		cache:  expirable.NewLRU[string, *CleanResource](defaultCacheSize, nil, defaultCacheTTL),
		logger: logger.With().Str("component", "resource-service").Logger(),
	}
}

func cacheKey(profileID, resourceType string) string {
	return profileID + ":" + resourceType
}

// GetClean returns the clean summary for a profile and type, or nil when
// none has been built yet.
func (s *Service) GetClean(ctx context.Context, profileID, resourceType string) (*CleanResource, error) {
	key := cacheKey(profileID, resourceType)
	if c, ok := s.cache.Get(key); ok {
		metrics.CleanCacheTotal.WithLabelValues("hit").Inc()
		return c, nil
	}
	metrics.CleanCacheTotal.WithLabelValues("miss").Inc()

	c, err := s.clean.Get(ctx, profileID, resourceType)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get clean %s: %w", resourceType, err)
	}
	s.cache.Add(key, c)
	return c, nil
}

// GetSummary returns the summary payload, or the empty result for the type.
func (s *Service) GetSummary(ctx context.Context, profileID, resourceType string) (json.RawMessage, error) {
	c, err := s.GetClean(ctx, profileID, resourceType)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return EmptySummary(resourceType), nil
	}
	return c.Summary, nil
}

// Invalidate drops the cached summary for a profile and type.
func (s *Service) Invalidate(profileID, resourceType string) {
	s.cache.Remove(cacheKey(profileID, resourceType))
}

// GetProfileSummary collects every clean summary of a profile under stable
// keys. Types not cleaned yet are present with an empty value.
func (s *Service) GetProfileSummary(ctx context.Context, profileID string) (map[string]json.RawMessage, error) {
	rows, err := s.clean.ListByProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("list clean summaries: %w", err)
	}

	out := make(map[string]json.RawMessage, len(summaryKeys))
	for resourceType, key := range summaryKeys {
		if resourceType == TypePatient {
			out[key] = json.RawMessage(`{}`)
		} else {
			out[key] = json.RawMessage(`[]`)
		}
	}
	for _, row := range rows {
		if key, ok := summaryKeys[row.ResourceType]; ok {
			out[key] = row.Summary
		}
	}
	return out, nil
}
