package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrsync/internal/platform/db"
)

type connRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &connRepoPG{pool: pool}
}

func (r *connRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const connColumns = `profile_id, provider, access_token_encrypted, refresh_token_encrypted,
	external_patient_id, expires_at, scope, status, created_at, updated_at`

func (r *connRepoPG) Upsert(ctx context.Context, c *Connection) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ehr_connection (`+connColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (profile_id, provider) DO UPDATE SET
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			external_patient_id = EXCLUDED.external_patient_id,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		c.ProfileID, c.Provider, c.AccessTokenEncrypted, c.RefreshTokenEncrypted,
		c.ExternalPatientID, c.ExpiresAt, c.Scope, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert connection %s/%s: %w", c.ProfileID, c.Provider, err)
	}
	return nil
}

func (r *connRepoPG) Get(ctx context.Context, profileID, provider string) (*Connection, error) {
	var c Connection
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+connColumns+` FROM ehr_connection
		WHERE profile_id = $1 AND provider = $2`, profileID, provider).Scan(
		&c.ProfileID, &c.Provider, &c.AccessTokenEncrypted, &c.RefreshTokenEncrypted,
		&c.ExternalPatientID, &c.ExpiresAt, &c.Scope, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s/%s: %w", profileID, provider, err)
	}
	return &c, nil
}

func (r *connRepoPG) SetStatus(ctx context.Context, profileID, provider, status string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ehr_connection SET status = $3, updated_at = $4
		WHERE profile_id = $1 AND provider = $2`,
		profileID, provider, status, at)
	if err != nil {
		return fmt.Errorf("set connection status %s/%s: %w", profileID, provider, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
