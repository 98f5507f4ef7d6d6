package resource

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/db"
)

// IngestResult counts what happened to one batch of fetched resources.
type IngestResult struct {
	Stored     int `json:"stored"`
	Normalized int `json:"normalized"`
	Skipped    int `json:"skipped"`
}

// Pipeline stores fetched payloads and their normalized form. The raw and
// normalized rows of one record are written in the same transaction.
type Pipeline struct {
	raw        RawRepository
	normalized NormalizedRepository
	tx         db.TxRunner
	normalizer *Normalizer
	logger     zerolog.Logger
	now        func() time.Time
}

func NewPipeline(raw RawRepository, normalized NormalizedRepository, tx db.TxRunner, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		raw:        raw,
		normalized: normalized,
		tx:         tx,
		normalizer: NewNormalizer(),
		logger:     logger.With().Str("component", "pipeline").Logger(),
		now:        time.Now,
	}
}

type envelope struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Ingest persists each entry. Entries without an id, or of a different
// resource type, are skipped. A payload that cannot be normalized is still
// stored raw and its previous normalized row, if any, is kept. A storage
// error aborts the batch.
func (p *Pipeline) Ingest(ctx context.Context, profileID, provider, resourceType string, entries []json.RawMessage) (IngestResult, error) {
	var res IngestResult
	log := p.logger.With().
		Str("profile_id", profileID).
		Str("provider", provider).
		Str("resource_type", resourceType).
		Logger()

	for _, entry := range entries {
		var env envelope
		if err := json.Unmarshal(entry, &env); err != nil || env.ID == "" {
			res.Skipped++
			log.Warn().Msg("skipping entry without id")
			continue
		}
		if env.ResourceType != "" && env.ResourceType != resourceType {
			res.Skipped++
			log.Debug().Str("entry_type", env.ResourceType).Msg("skipping entry of another type")
			continue
		}

		now := p.now().UTC()
		norm, normErr := p.normalizer.Normalize(resourceType, entry)
		if normErr != nil {
			log.Warn().Err(normErr).Str("resource_id", env.ID).Msg("normalization failed, storing raw only")
		}

		err := p.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := p.raw.Upsert(ctx, &RawResource{
				ProfileID:    profileID,
				Provider:     provider,
				ResourceType: resourceType,
				ResourceID:   env.ID,
				Payload:      entry,
				FetchedAt:    now,
			}); err != nil {
				return err
			}
			if norm == nil {
				return nil
			}
			return p.normalized.Upsert(ctx, &NormalizedResource{
				ProfileID:     profileID,
				Provider:      provider,
				ResourceType:  resourceType,
				ResourceID:    env.ID,
				CanonicalCode: norm.CanonicalCode,
				Fields:        norm.Fields,
				NormalizedAt:  now,
			})
		})
		if err != nil {
			return res, err
		}

		res.Stored++
		if norm != nil {
			res.Normalized++
		}
	}

	log.Debug().
		Int("stored", res.Stored).
		Int("normalized", res.Normalized).
		Int("skipped", res.Skipped).
		Msg("ingested batch")
	return res, nil
}

// Renormalize rebuilds the normalized rows of one type from the stored raw
// payloads. It returns the number of rows rewritten.
func (p *Pipeline) Renormalize(ctx context.Context, profileID, provider, resourceType string) (int, error) {
	raws, err := p.raw.ListByType(ctx, profileID, provider, resourceType)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, raw := range raws {
		norm, err := p.normalizer.Normalize(resourceType, raw.Payload)
		if err != nil {
			p.logger.Warn().Err(err).Str("resource_id", raw.ResourceID).Msg("renormalize failed")
			continue
		}
		if err := p.normalized.Upsert(ctx, &NormalizedResource{
			ProfileID:     profileID,
			Provider:      provider,
			ResourceType:  resourceType,
			ResourceID:    raw.ResourceID,
			CanonicalCode: norm.CanonicalCode,
			Fields:        norm.Fields,
			NormalizedAt:  p.now().UTC(),
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
