package connection

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/provider"
)

// OAuthHandler drives the browser side of connecting a provider account.
type OAuthHandler struct {
	registry         *provider.Registry
	svc              *Service
	frontendRedirect string
	logger           zerolog.Logger
}

func NewOAuthHandler(registry *provider.Registry, svc *Service, frontendRedirect string, logger zerolog.Logger) *OAuthHandler {
	return &OAuthHandler{
		registry:         registry,
		svc:              svc,
		frontendRedirect: frontendRedirect,
		logger:           logger.With().Str("component", "oauth").Logger(),
	}
}

// RegisterRoutes mounts the OAuth endpoints. The callback is reached by the
// provider's redirect and identifies the user through the stored state, so
// it is the only route without authn.
func (h *OAuthHandler) RegisterRoutes(g *echo.Group, authn echo.MiddlewareFunc) {
	g.GET("/:provider/connect", h.Connect, authn)
	g.GET("/:provider/callback", h.Callback)
	g.GET("/:provider/connection", h.GetConnection, authn)
	g.DELETE("/:provider/connection", h.Disconnect, authn)
}

func (h *OAuthHandler) Connect(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	profileID := c.QueryParam("profileId")
	if profileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profileId is required")
	}
	adapter, err := h.registry.Get(c.Param("provider"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported provider: "+c.Param("provider"))
	}

	authURL, err := adapter.Auth().AuthorizationURL(c.Request().Context(), userID, profileID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start authorization").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"url": authURL})
}

// Callback exchanges the authorization code, stores the connection, starts
// the first sync and sends the browser back to the frontend.
func (h *OAuthHandler) Callback(c echo.Context) error {
	providerName := c.Param("provider")
	if reason := c.QueryParam("error"); reason != "" {
		h.logger.Warn().Str("provider", providerName).Str("reason", reason).Msg("authorization declined")
		return c.Redirect(http.StatusFound, h.redirectURL(url.Values{"status": {"denied"}}))
	}

	code, state := c.QueryParam("code"), c.QueryParam("state")
	if code == "" || state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing code or state parameter")
	}
	adapter, err := h.registry.Get(providerName)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported provider: "+providerName)
	}

	ctx := c.Request().Context()
	token, st, err := adapter.Auth().Exchange(ctx, state, code)
	if errors.Is(err, cache.ErrStateNotFound) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid or expired authorization state")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "token exchange with "+providerName+" failed").SetInternal(err)
	}

	job, err := h.svc.StoreExchange(ctx, st.UserID, st.ProfileID, providerName, token)
	if errors.Is(err, ErrMissingPatient) {
		return echo.NewHTTPError(http.StatusBadGateway, providerName+" did not return a patient context").SetInternal(err)
	}
	if err != nil {
		// When only the first sync failed to schedule the connection is
		// stored and the user can start a sync from the app.
		h.logger.Error().Err(err).Str("profile_id", st.ProfileID).Str("provider", providerName).Msg("complete authorization")
		if !h.connected(c, st.ProfileID, providerName) {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to store connection").SetInternal(err)
		}
		return c.Redirect(http.StatusFound, h.redirectURL(url.Values{
			"status":    {"connected"},
			"profileId": {st.ProfileID},
			"jobStatus": {"error"},
		}))
	}

	q := url.Values{
		"status":    {"connected"},
		"profileId": {st.ProfileID},
		"jobStatus": {job.Status},
	}
	if job.JobID != "" {
		q.Set("jobId", job.JobID)
	}
	if job.RetryAfterSeconds > 0 {
		q.Set("retryAfterSeconds", strconv.Itoa(job.RetryAfterSeconds))
	}
	h.logger.Info().Str("profile_id", st.ProfileID).Str("provider", providerName).Str("job_status", job.Status).Msg("authorization completed")
	return c.Redirect(http.StatusFound, h.redirectURL(q))
}

func (h *OAuthHandler) connected(c echo.Context, profileID, providerName string) bool {
	conn, err := h.svc.Get(c.Request().Context(), profileID, providerName)
	return err == nil && conn.Status == StatusConnected
}

func (h *OAuthHandler) redirectURL(q url.Values) string {
	u, err := url.Parse(h.frontendRedirect)
	if err != nil {
		return h.frontendRedirect + "?" + q.Encode()
	}
	existing := u.Query()
	for k, v := range q {
		existing[k] = v
	}
	u.RawQuery = existing.Encode()
	return u.String()
}

func (h *OAuthHandler) GetConnection(c echo.Context) error {
	profileID := c.QueryParam("profileId")
	if profileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profileId is required")
	}
	conn, err := h.svc.Get(c.Request().Context(), profileID, c.Param("provider"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load connection").SetInternal(err)
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *OAuthHandler) Disconnect(c echo.Context) error {
	profileID := c.QueryParam("profileId")
	if profileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profileId is required")
	}
	err := h.svc.Disconnect(c.Request().Context(), profileID, c.Param("provider"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to disconnect").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}
