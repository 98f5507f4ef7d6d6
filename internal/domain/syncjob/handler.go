package syncjob

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/provider"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(ehr *echo.Group) {
	ehr.POST("/sync", h.CreateSync)
	ehr.GET("/sync/status", h.GetStatus)
}

type syncRequest struct {
	ProfileID string `json:"profileId"`
	Provider  string `json:"provider"`
}

// CreateSync answers 202 for a new job, 200 when a job is already running
// and 429 with Retry-After while the profile cools down.
func (h *Handler) CreateSync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProfileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profileId is required")
	}
	if req.Provider == "" {
		req.Provider = "epic"
	}

	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	res, err := h.svc.CreateSyncJob(c.Request().Context(), req.ProfileID, userID, req.Provider)
	if errors.Is(err, provider.ErrUnsupportedProvider) {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported provider: "+req.Provider)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to schedule sync").SetInternal(err)
	}

	switch res.Status {
	case StateCooldown:
		c.Response().Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		return c.JSON(http.StatusTooManyRequests, res)
	case StateRunning:
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusAccepted, res)
}

type statusResponse struct {
	*Resolution
	Job *SyncJob `json:"job,omitempty"`
}

func (h *Handler) GetStatus(c echo.Context) error {
	profileID := c.QueryParam("profileId")
	if profileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profileId is required")
	}
	providerName := c.QueryParam("provider")
	if providerName == "" {
		providerName = "epic"
	}

	res, job, err := h.svc.Status(c.Request().Context(), profileID, providerName)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve sync status").SetInternal(err)
	}
	return c.JSON(http.StatusOK, statusResponse{Resolution: res, Job: job})
}
