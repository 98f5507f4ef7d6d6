package resource

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(ehr *echo.Group) {
	ehr.GET("/resource/:type", h.GetResource)
	ehr.GET("/profile/:profileId/summary", h.GetProfileSummary)
}

// GetResource handles GET /resource/:type?profileId=&mode=clean.
func (h *Handler) GetResource(c echo.Context) error {
	resourceType := c.Param("type")
	profileID := c.QueryParam("profileId")
	if profileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profileId is required")
	}
	if mode := c.QueryParam("mode"); mode != "" && mode != "clean" {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported mode: "+mode)
	}

	summary, err := h.svc.GetSummary(c.Request().Context(), profileID, resourceType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load resource").SetInternal(err)
	}
	return c.JSONBlob(http.StatusOK, summary)
}

func (h *Handler) GetProfileSummary(c echo.Context) error {
	summary, err := h.svc.GetProfileSummary(c.Request().Context(), c.Param("profileId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load profile").SetInternal(err)
	}
	return c.JSON(http.StatusOK, summary)
}
