// Package epic is the adapter for Epic's FHIR R4 API.
package epic

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ehr/ehrsync/internal/domain/connection"
	"github.com/ehr/ehrsync/internal/domain/resource"
	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/metrics"
	"github.com/ehr/ehrsync/internal/platform/realtime"
	"github.com/ehr/ehrsync/internal/provider"
)

const Name = "epic"

type Config struct {
	ClientID              string
	AuthURL               string
	TokenURL              string
	FHIRBase              string
	Scope                 string
	RedirectURL           string
	ObservationCategories []string
	FetchTimeout          time.Duration
	MaxPages              int
	MaxBodyBytes          int64
}

// CredentialSource yields the decrypted token of an active connection.
type CredentialSource interface {
	Credentials(ctx context.Context, profileID, providerName string) (*connection.Credentials, error)
}

// Provider runs the fetch, normalize and clean stages for every synced
// resource type.
type Provider struct {
	oauth     *OAuth
	fetcher   *Fetcher
	creds     CredentialSource
	pipeline  *resource.Pipeline
	cleaner   *resource.Cleaner
	publisher realtime.Publisher
	logger    zerolog.Logger
}

func New(
	cfg Config,
	states cache.StateStore,
	creds CredentialSource,
	pipeline *resource.Pipeline,
	cleaner *resource.Cleaner,
	publisher realtime.Publisher,
	logger zerolog.Logger,
) (*Provider, error) {
	client := &http.Client{Timeout: cfg.FetchTimeout}
	fetcher, err := NewFetcher(client, cfg.FHIRBase, cfg.ObservationCategories, cfg.MaxPages, logger,
		WithMaxBodyBytes(cfg.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	return &Provider{
		oauth:     NewOAuth(cfg, states, client),
		fetcher:   fetcher,
		creds:     creds,
		pipeline:  pipeline,
		cleaner:   cleaner,
		publisher: publisher,
		logger:    logger.With().Str("provider", Name).Logger(),
	}, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Auth() provider.Authenticator { return p.oauth }

// Sync fetches, stores, normalizes and cleans every resource type in
// parallel. Each type succeeds or fails on its own; the returned
// AggregateSyncError names every type that failed.
func (p *Provider) Sync(ctx context.Context, profileID, jobID string) error {
	creds, err := p.creds.Credentials(ctx, profileID, Name)
	if err != nil {
		return err
	}
	log := p.logger.With().Str("profile_id", profileID).Str("job_id", jobID).Logger()

	return forEachType(func(resourceType string) error {
		return p.syncResource(ctx, log, profileID, jobID, resourceType, creds)
	})
}

func (p *Provider) syncResource(ctx context.Context, log zerolog.Logger, profileID, jobID, resourceType string, creds *connection.Credentials) error {
	log = log.With().Str("resource_type", resourceType).Logger()

	p.publish(ctx, jobID, realtime.EventFetching, resourceType, "")
	entries, err := p.fetch(ctx, resourceType, creds)
	if err != nil {
		log.Error().Err(err).Msg("fetch failed")
		p.publish(ctx, jobID, realtime.EventFailed, resourceType, provider.ResourceMessage(err, resourceType, Name))
		return err
	}
	p.publish(ctx, jobID, realtime.EventFetched, resourceType, "")

	p.publish(ctx, jobID, realtime.EventNormalizing, resourceType, "")
	res, err := p.pipeline.Ingest(ctx, profileID, Name, resourceType, entries)
	if err != nil {
		log.Error().Err(err).Msg("store resources failed")
		p.publish(ctx, jobID, realtime.EventFailed, resourceType, "could not store "+resourceType+" records")
		return err
	}

	p.publish(ctx, jobID, realtime.EventCleaning, resourceType, "")
	p.cleaner.Clean(ctx, profileID, resourceType)

	log.Info().Int("stored", res.Stored).Int("normalized", res.Normalized).Int("skipped", res.Skipped).Msg("resource synced")
	return nil
}

func (p *Provider) fetch(ctx context.Context, resourceType string, creds *connection.Credentials) ([]json.RawMessage, error) {
	start := time.Now()
	entries, err := p.fetcher.FetchResource(ctx, resourceType, creds.ExternalPatientID, creds.AccessToken)
	metrics.ResourceFetchDuration.WithLabelValues(Name, resourceType).Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	metrics.ResourceFetchTotal.WithLabelValues(Name, resourceType, outcome).Inc()
	return entries, err
}

// Fetch refreshes the stored records of every type without rebuilding the
// clean summaries.
func (p *Provider) Fetch(ctx context.Context, profileID string) error {
	creds, err := p.creds.Credentials(ctx, profileID, Name)
	if err != nil {
		return err
	}
	return forEachType(func(resourceType string) error {
		entries, err := p.fetch(ctx, resourceType, creds)
		if err != nil {
			return err
		}
		_, err = p.pipeline.Ingest(ctx, profileID, Name, resourceType, entries)
		return err
	})
}

// Normalize rebuilds normalized records from the stored raw payloads.
func (p *Provider) Normalize(ctx context.Context, profileID string) error {
	return forEachType(func(resourceType string) error {
		n, err := p.pipeline.Renormalize(ctx, profileID, Name, resourceType)
		if err != nil {
			return err
		}
		p.logger.Debug().Str("profile_id", profileID).Str("resource_type", resourceType).Int("records", n).Msg("renormalized")
		return nil
	})
}

// Clean rebuilds the clean summary of every type.
func (p *Provider) Clean(ctx context.Context, profileID string) error {
	for _, resourceType := range resource.SyncedTypes {
		p.cleaner.Clean(ctx, profileID, resourceType)
	}
	return nil
}

func (p *Provider) publish(ctx context.Context, jobID, event, resourceType, message string) {
	if jobID == "" {
		return
	}
	e := realtime.NewEvent(jobID, event, resourceType)
	e.Message = message
	if err := p.publisher.Publish(ctx, e); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("publish progress event")
	}
}

// forEachType runs fn for every synced type concurrently and collects the
// failures.
func forEachType(fn func(resourceType string) error) error {
	var (
		wg       conc.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, resourceType := range resource.SyncedTypes {
		resourceType := resourceType
		wg.Go(func() {
			if err := fn(resourceType); err != nil {
				mu.Lock()
				failures[resourceType] = err
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if len(failures) > 0 {
		return &provider.AggregateSyncError{Failures: failures}
	}
	return nil
}
