package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/provider"
)

const stateTTL = 10 * time.Minute

const defaultScope = "openid fhirUser patient/Patient.read patient/MedicationRequest.read " +
	"patient/Condition.read patient/Observation.read patient/Immunization.read " +
	"patient/AllergyIntolerance.read patient/Encounter.read patient/Procedure.read"

// OAuth is the SMART on FHIR standalone launch with PKCE. The client is
// public, so the client id travels in the token request body.
type OAuth struct {
	config   *oauth2.Config
	audience string
	states   cache.StateStore
	client   *http.Client
}

type oauthState struct {
	UserID    string `json:"userId"`
	ProfileID string `json:"profileId"`
	Provider  string `json:"provider"`
	Verifier  string `json:"codeVerifier"`
}

func NewOAuth(cfg Config, states cache.StateStore, client *http.Client) *OAuth {
	scope := cfg.Scope
	if scope == "" {
		scope = defaultScope
	}
	return &OAuth{
		config: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      strings.Fields(scope),
		},
		audience: cfg.FHIRBase,
		states:   states,
		client:   client,
	}
}

// AuthorizationURL remembers who started the flow under a fresh state and
// returns the provider's authorization URL with an S256 code challenge.
func (o *OAuth) AuthorizationURL(ctx context.Context, userID, profileID string) (string, error) {
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	data, err := json.Marshal(oauthState{UserID: userID, ProfileID: profileID, Provider: Name, Verifier: verifier})
	if err != nil {
		return "", err
	}
	if err := o.states.Put(ctx, state, data, stateTTL); err != nil {
		return "", err
	}

	return o.config.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("aud", o.audience),
	), nil
}

// Exchange consumes the state and trades the code for tokens. An unknown or
// expired state returns cache.ErrStateNotFound.
func (o *OAuth) Exchange(ctx context.Context, state, code string) (*provider.TokenResult, *provider.AuthState, error) {
	data, err := o.states.Take(ctx, state)
	if err != nil {
		return nil, nil, err
	}
	var st oauthState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil, fmt.Errorf("decode oauth state: %w", err)
	}

	if o.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)
	}
	tok, err := o.config.Exchange(ctx, code, oauth2.VerifierOption(st.Verifier))
	if err != nil {
		return nil, nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	res := &provider.TokenResult{
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		Scope:             extraString(tok, "scope"),
		ExternalPatientID: extraString(tok, "patient"),
	}
	if !tok.Expiry.IsZero() {
		res.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	return res, &provider.AuthState{UserID: st.UserID, ProfileID: st.ProfileID}, nil
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}
