package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/domain/syncjob"
	"github.com/ehr/ehrsync/internal/platform/hipaa"
	"github.com/ehr/ehrsync/internal/provider"
)

// ErrMissingPatient is returned when a token response does not say which
// patient record the token is scoped to.
var ErrMissingPatient = errors.New("token response carried no patient id")

// SyncScheduler starts the first sync after a connection is stored.
type SyncScheduler interface {
	CreateSyncJob(ctx context.Context, profileID, userID, providerName string) (*syncjob.CreateResult, error)
}

type Service struct {
	repo      Repository
	vault     *hipaa.TokenVault
	scheduler SyncScheduler
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(repo Repository, vault *hipaa.TokenVault, scheduler SyncScheduler, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		vault:     vault,
		scheduler: scheduler,
		now:       time.Now,
		logger:    logger.With().Str("component", "connection").Logger(),
	}
}

// StoreExchange persists the tokens from a completed authorization and
// schedules the first sync for the profile. The connection is kept even if
// scheduling fails; the error is returned alongside it.
func (s *Service) StoreExchange(ctx context.Context, userID, profileID, providerName string, token *provider.TokenResult) (*syncjob.CreateResult, error) {
	if token.ExternalPatientID == "" {
		return nil, ErrMissingPatient
	}

	access, err := s.vault.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	var refresh *string
	if token.RefreshToken != "" {
		enc, err := s.vault.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
		refresh = &enc
	}

	conn := &Connection{
		ProfileID:             profileID,
		Provider:              providerName,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		ExternalPatientID:     token.ExternalPatientID,
		Scope:                 token.Scope,
		Status:                StatusConnected,
	}
	if token.ExpiresIn > 0 {
		exp := s.now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
		conn.ExpiresAt = &exp
	}
	if err := s.repo.Upsert(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("profile_id", profileID).
		Str("provider", providerName).
		Str("user_id", userID).
		Msg("connection stored")

	return s.scheduler.CreateSyncJob(ctx, profileID, userID, providerName)
}

// Disconnect marks the connection disconnected. Stored tokens are left in
// place but are no longer used for syncs.
func (s *Service) Disconnect(ctx context.Context, profileID, providerName string) error {
	if err := s.repo.SetStatus(ctx, profileID, providerName, StatusDisconnected, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info().Str("profile_id", profileID).Str("provider", providerName).Msg("connection disconnected")
	return nil
}

// Credentials returns the decrypted access token for an active connection,
// classified with the provider error taxonomy.
func (s *Service) Credentials(ctx context.Context, profileID, providerName string) (*Credentials, error) {
	conn, err := s.repo.Get(ctx, profileID, providerName)
	if errors.Is(err, ErrNotFound) {
		return nil, provider.ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	if conn.Status != StatusConnected {
		return nil, provider.ErrNotConnected
	}
	if conn.Expired(s.now()) {
		return nil, provider.ErrUnauthorized
	}

	token, err := s.vault.Decrypt(conn.AccessTokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrDecryption, err)
	}
	return &Credentials{AccessToken: token, ExternalPatientID: conn.ExternalPatientID}, nil
}

// Get returns the stored connection without any token material.
func (s *Service) Get(ctx context.Context, profileID, providerName string) (*Connection, error) {
	return s.repo.Get(ctx, profileID, providerName)
}
