package connection

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("connection not found")

type Repository interface {
	Upsert(ctx context.Context, c *Connection) error
	Get(ctx context.Context, profileID, provider string) (*Connection, error)
	SetStatus(ctx context.Context, profileID, provider, status string, at time.Time) error
}
