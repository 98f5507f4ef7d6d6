package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrsync/internal/platform/db"
)

func conn(ctx context.Context, pool *pgxpool.Pool) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// -- Raw Repository --

type rawRepoPG struct {
	pool *pgxpool.Pool
}

func NewRawRepo(pool *pgxpool.Pool) RawRepository {
	return &rawRepoPG{pool: pool}
}

const rawColumns = `profile_id, provider, resource_type, resource_id, payload, fetched_at`

func (r *rawRepoPG) Upsert(ctx context.Context, raw *RawResource) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO raw_resource (`+rawColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (profile_id, provider, resource_type, resource_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at`,
		raw.ProfileID, raw.Provider, raw.ResourceType, raw.ResourceID, []byte(raw.Payload), raw.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert raw %s/%s: %w", raw.ResourceType, raw.ResourceID, err)
	}
	return nil
}

func (r *rawRepoPG) Get(ctx context.Context, profileID, provider, resourceType, resourceID string) (*RawResource, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+rawColumns+` FROM raw_resource
		WHERE profile_id = $1 AND provider = $2 AND resource_type = $3 AND resource_id = $4`,
		profileID, provider, resourceType, resourceID)
	raw, err := scanRaw(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (r *rawRepoPG) ListByType(ctx context.Context, profileID, provider, resourceType string) ([]*RawResource, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+rawColumns+` FROM raw_resource
		WHERE profile_id = $1 AND provider = $2 AND resource_type = $3
		ORDER BY resource_id`,
		profileID, provider, resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RawResource
	for rows.Next() {
		raw, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

func scanRaw(row pgx.Row) (*RawResource, error) {
	var r RawResource
	var payload []byte
	if err := row.Scan(&r.ProfileID, &r.Provider, &r.ResourceType, &r.ResourceID, &payload, &r.FetchedAt); err != nil {
		return nil, err
	}
	r.Payload = payload
	return &r, nil
}

// -- Normalized Repository --

type normalizedRepoPG struct {
	pool *pgxpool.Pool
}

func NewNormalizedRepo(pool *pgxpool.Pool) NormalizedRepository {
	return &normalizedRepoPG{pool: pool}
}

const normalizedColumns = `profile_id, provider, resource_type, resource_id, canonical_code, fields, normalized_at`

func (r *normalizedRepoPG) Upsert(ctx context.Context, n *NormalizedResource) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO normalized_resource (`+normalizedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (profile_id, provider, resource_type, resource_id) DO UPDATE SET
			canonical_code = EXCLUDED.canonical_code,
			fields = EXCLUDED.fields,
			normalized_at = EXCLUDED.normalized_at`,
		n.ProfileID, n.Provider, n.ResourceType, n.ResourceID, n.CanonicalCode, []byte(n.Fields), n.NormalizedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert normalized %s/%s: %w", n.ResourceType, n.ResourceID, err)
	}
	return nil
}

// ListByType returns the normalized records of every provider for the
// profile, ordered by provider then resource id.
func (r *normalizedRepoPG) ListByType(ctx context.Context, profileID, resourceType string) ([]*NormalizedResource, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+normalizedColumns+` FROM normalized_resource
		WHERE profile_id = $1 AND resource_type = $2
		ORDER BY provider, resource_id`,
		profileID, resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NormalizedResource
	for rows.Next() {
		var n NormalizedResource
		var fields []byte
		if err := rows.Scan(&n.ProfileID, &n.Provider, &n.ResourceType, &n.ResourceID,
			&n.CanonicalCode, &fields, &n.NormalizedAt); err != nil {
			return nil, err
		}
		n.Fields = fields
		out = append(out, &n)
	}
	return out, rows.Err()
}

// -- Clean Repository --

type cleanRepoPG struct {
	pool *pgxpool.Pool
}

func NewCleanRepo(pool *pgxpool.Pool) CleanRepository {
	return &cleanRepoPG{pool: pool}
}

const cleanColumns = `profile_id, resource_type, summary, sources, updated_at`

func (r *cleanRepoPG) Replace(ctx context.Context, c *CleanResource) error {
	sources, err := json.Marshal(c.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO clean_resource (`+cleanColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (profile_id, resource_type) DO UPDATE SET
			summary = EXCLUDED.summary,
			sources = EXCLUDED.sources,
			updated_at = EXCLUDED.updated_at`,
		c.ProfileID, c.ResourceType, []byte(c.Summary), sources, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("replace clean %s: %w", c.ResourceType, err)
	}
	return nil
}

func (r *cleanRepoPG) Get(ctx context.Context, profileID, resourceType string) (*CleanResource, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+cleanColumns+` FROM clean_resource
		WHERE profile_id = $1 AND resource_type = $2`, profileID, resourceType)
	c, err := scanClean(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *cleanRepoPG) ListByProfile(ctx context.Context, profileID string) ([]*CleanResource, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+cleanColumns+` FROM clean_resource
		WHERE profile_id = $1 ORDER BY resource_type`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CleanResource
	for rows.Next() {
		c, err := scanClean(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClean(row pgx.Row) (*CleanResource, error) {
	var c CleanResource
	var summary, sources []byte
	if err := row.Scan(&c.ProfileID, &c.ResourceType, &summary, &sources, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Summary = summary
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &c.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
	}
	return &c, nil
}
