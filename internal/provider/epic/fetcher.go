package epic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/provider"
)

const (
	fhirJSON = "application/fhir+json"

	defaultMaxBodyBytes int64 = 32 << 20
)

// Fetcher reads one resource type for one patient from a FHIR R4 server.
type Fetcher struct {
	client       *http.Client
	base         *url.URL
	categories   []string
	maxPages     int
	maxBodyBytes int64
	logger       zerolog.Logger
}

// FetcherOption configures optional Fetcher settings.
type FetcherOption func(*Fetcher)

// WithMaxBodyBytes caps the size of a single response body. Non-positive
// values keep the default.
func WithMaxBodyBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBodyBytes = n
		}
	}
}

func NewFetcher(client *http.Client, base string, categories []string, maxPages int, logger zerolog.Logger, opts ...FetcherOption) (*Fetcher, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid FHIR base url %q", base)
	}
	if maxPages < 1 {
		maxPages = 1
	}
	f := &Fetcher{
		client:       client,
		base:         u,
		categories:   categories,
		maxPages:     maxPages,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger.With().Str("component", "epic_fetcher").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

type bundle struct {
	ResourceType string `json:"resourceType"`
	Link         []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

func (b *bundle) next() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// FetchResource returns the resources of one type for the patient. Patient
// is read by id; every other type is searched by patient and the search
// bundle's next links are followed up to the page limit. A search answered
// with a single resource instead of a Bundle yields that resource.
func (f *Fetcher) FetchResource(ctx context.Context, resourceType, patientID, token string) ([]json.RawMessage, error) {
	log := f.logger.With().Str("resource_type", resourceType).Logger()

	if resourceType == "Patient" {
		body, err := f.get(ctx, f.base.String()+"/Patient/"+url.PathEscape(patientID), resourceType, token)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{body}, nil
	}

	q := url.Values{"patient": {patientID}}
	if resourceType == "Observation" && len(f.categories) > 0 {
		q.Set("category", strings.Join(f.categories, ","))
	}
	next := f.base.String() + "/" + resourceType + "?" + q.Encode()

	var entries []json.RawMessage
	for page := 1; next != ""; page++ {
		if page > f.maxPages {
			log.Warn().Int("max_pages", f.maxPages).Msg("page limit reached, remaining pages skipped")
			break
		}
		body, err := f.get(ctx, next, resourceType, token)
		if err != nil {
			return nil, err
		}
		var b bundle
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, &provider.FetchError{ResourceType: resourceType, StatusCode: http.StatusOK, Reason: "malformed response"}
		}
		if b.ResourceType != "Bundle" {
			// Storage checks the id and type.
			entries = append(entries, body)
			log.Debug().Int("page", page).Str("returned_type", b.ResourceType).Msg("search returned a single resource")
			break
		}
		for _, e := range b.Entry {
			if len(e.Resource) > 0 {
				entries = append(entries, e.Resource)
			}
		}
		next = f.sameOrigin(b.next())
		log.Debug().Int("page", page).Int("entries", len(b.Entry)).Msg("fetched page")
	}
	return entries, nil
}

// sameOrigin drops next links that point away from the FHIR server so the
// bearer token is never sent elsewhere.
func (f *Fetcher) sameOrigin(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		u = f.base.ResolveReference(u)
	}
	if u.Scheme != f.base.Scheme || u.Host != f.base.Host {
		f.logger.Warn().Str("host", u.Host).Msg("ignoring next link to another host")
		return ""
	}
	return u.String()
}

func (f *Fetcher) get(ctx context.Context, target, resourceType, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", resourceType, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", fhirJSON)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &provider.TransientFetchError{ResourceType: resourceType, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		drain(resp.Body)
		return nil, fmt.Errorf("fetch %s: %w", resourceType, provider.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		drain(resp.Body)
		return nil, &provider.TransientFetchError{ResourceType: resourceType, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		drain(resp.Body)
		return nil, &provider.FetchError{ResourceType: resourceType, StatusCode: resp.StatusCode}
	}

	// One byte past the cap tells an oversized body from one that fits.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, &provider.TransientFetchError{ResourceType: resourceType, Err: err}
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, &provider.FetchError{
			ResourceType: resourceType,
			StatusCode:   resp.StatusCode,
			Reason:       fmt.Sprintf("response exceeds %d bytes", f.maxBodyBytes),
		}
	}
	return body, nil
}

func drain(r io.Reader) {
	io.Copy(io.Discard, io.LimitReader(r, 64<<10)) //nolint:errcheck
}
