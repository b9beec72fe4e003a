package catalog

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("clinician", "lab-staff", "verifier"))
	read.GET("/catalog/tests", h.ListTests)
	read.GET("/catalog/tests/:code", h.GetTest)

	// Catalog maintenance is admin only.
	write := api.Group("", auth.RequireRole("admin"))
	write.POST("/catalog/tests", h.CreateTest)
	write.PUT("/catalog/tests/:code", h.UpdateTest)
}

func (h *Handler) ListTests(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("include_inactive") == ""
	items, total, err := h.svc.ListTestDefinitions(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetTest(c echo.Context) error {
	t, err := h.svc.GetTestDefinition(c.Request().Context(), c.Param("code"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "test not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CreateTest(c echo.Context) error {
	var t TestDefinition
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateTestDefinition(c.Request().Context(), &t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) UpdateTest(c echo.Context) error {
	var t TestDefinition
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t.Code = c.Param("code")
	if err := h.svc.UpdateTestDefinition(c.Request().Context(), &t); err != nil {
		if errors.Is(err, db.ErrStaleVersion) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}
