package connection

import "time"

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Connection links a profile to its account at an EHR provider. Tokens are
// only ever stored encrypted.
type Connection struct {
	ProfileID             string     `json:"profileId"`
	Provider              string     `json:"provider"`
	AccessTokenEncrypted  string     `json:"-"`
	RefreshTokenEncrypted *string    `json:"-"`
	ExternalPatientID     string     `json:"externalPatientId"`
	ExpiresAt             *time.Time `json:"expiresAt,omitempty"`
	Scope                 string     `json:"scope"`
	Status                string     `json:"status"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Expired reports whether the access token is past its expiry at now.
func (c *Connection) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Credentials are the decrypted values an adapter needs to call the
// provider's API.
type Credentials struct {
	AccessToken       string
	ExternalPatientID string
}
