package lab

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/pkg/pagination"
)

// Handler exposes the lab workflow over HTTP. Route-level role guards
// mirror the policy table; the service check remains authoritative.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/lab", auth.RequireRole("clinician", "lab-staff", "verifier"))
	read.GET("/orders", h.ListOrders)
	read.GET("/orders/:id", h.GetOrder)
	read.GET("/orders/:id/status-history", h.OrderHistory)
	read.GET("/reports", h.ListReports)
	read.GET("/reports/:id", h.GetReport)

	orders := api.Group("/lab/orders", auth.RequireRole("clinician"))
	orders.POST("", h.CreateOrder)
	orders.POST("/:id/cancel", h.CancelOrder)

	results := api.Group("/lab", auth.RequireRole("lab-staff"))
	results.POST("/orders/:id/tests/:code/start", h.StartTest)
	results.POST("/reports", h.CreateReport)
	results.POST("/reports/:id/results", h.AppendResult)

	verify := api.Group("/lab/reports", auth.RequireRole("verifier"))
	verify.POST("/:id/verify", h.Verify)

	admin := api.Group("/lab/reports", auth.RequireRole("admin"))
	admin.POST("/:id/reclassify", h.Reclassify)
}

// actorFrom builds the workflow actor from the authenticated request.
func actorFrom(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "user identity is not a valid id")
	}
	role := ResolveRole(auth.RolesFromContext(ctx))
	if role == "" {
		return Actor{}, echo.NewHTTPError(http.StatusForbidden, "no lab workflow role granted")
	}
	return Actor{ID: id, Role: role}, nil
}

// httpError maps workflow error kinds onto HTTP statuses.
func httpError(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	switch e.Kind {
	case KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, e.Message)
	case KindAuthorization:
		return echo.NewHTTPError(http.StatusForbidden, e.Message)
	case KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, e.Message)
	case KindStateConflict:
		return echo.NewHTTPError(http.StatusConflict, e.Message)
	case KindDependency:
		return echo.NewHTTPError(http.StatusServiceUnavailable, e.Message)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, e.Message)
}

type createOrderRequest struct {
	PatientRef string        `json:"patient_ref"`
	Tests      []TestRequest `json:"tests"`
	Notes      *string       `json:"notes"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	patient, err := uuid.Parse(req.PatientRef)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_ref must be a uuid")
	}

	order, err := h.service.CreateOrder(c.Request().Context(), actor, patient, req.Tests, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) GetOrder(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "order id must be a uuid")
	}
	order, err := h.service.GetOrder(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) ListOrders(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	params := pagination.FromContext(c)

	var filter OrderFilter
	if s := c.QueryParam("status"); s != "" {
		st := OrderStatus(s)
		if !st.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown order status")
		}
		filter.Status = st
	}
	if p := c.QueryParam("patient"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "patient must be a uuid")
		}
		filter.PatientRef = &id
	}
	if cl := c.QueryParam("clinician"); cl != "" {
		id, err := uuid.Parse(cl)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "clinician must be a uuid")
		}
		filter.ClinicianRef = &id
	}

	orders, total, err := h.service.ListOrders(c.Request().Context(), actor, filter, params.Limit, params.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, params.Limit, params.Offset))
}

func (h *Handler) StartTest(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "order id must be a uuid")
	}
	order, err := h.service.StartTest(c.Request().Context(), actor, id, c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelOrder(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "order id must be a uuid")
	}
	var req cancelOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cancellation reason is required")
	}
	order, err := h.service.CancelOrder(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) OrderHistory(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "order id must be a uuid")
	}
	history, err := h.service.OrderHistory(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": history})
}

type resultInput struct {
	TestCode string  `json:"test_code"`
	Result   string  `json:"result"`
	Override *string `json:"flag_override"`
	Reason   *string `json:"override_reason"`
}

func (in resultInput) entry() (ResultEntry, error) {
	e := ResultEntry{TestCode: in.TestCode, Result: in.Result}
	if in.Override != nil {
		f := AbnormalFlag(*in.Override)
		if !f.IsValid() {
			return e, echo.NewHTTPError(http.StatusBadRequest, "unknown flag_override")
		}
		if in.Reason == nil || *in.Reason == "" {
			return e, echo.NewHTTPError(http.StatusBadRequest, "flag_override requires override_reason")
		}
		e.FlagOverride = &f
		e.OverrideReason = in.Reason
	}
	return e, nil
}

type createReportRequest struct {
	OrderRef   *string       `json:"order_ref"`
	PatientRef string        `json:"patient_ref"`
	Results    []resultInput `json:"results"`
	Findings   *string       `json:"findings"`
	Notes      *string       `json:"notes"`
}

func (h *Handler) CreateReport(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var orderRef *uuid.UUID
	if req.OrderRef != nil {
		id, err := uuid.Parse(*req.OrderRef)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "order_ref must be a uuid")
		}
		orderRef = &id
	}
	var patient uuid.UUID
	if orderRef == nil {
		patient, err = uuid.Parse(req.PatientRef)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "patient_ref must be a uuid")
		}
	}

	entries := make([]ResultEntry, 0, len(req.Results))
	for _, in := range req.Results {
		e, err := in.entry()
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	rep, err := h.service.CreateReport(c.Request().Context(), actor, orderRef, patient, entries, req.Findings, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rep)
}

func (h *Handler) GetReport(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "report id must be a uuid")
	}
	rep, err := h.service.GetReport(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) ListReports(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	params := pagination.FromContext(c)

	var filter ReportFilter
	if s := c.QueryParam("status"); s != "" {
		st := ReportStatus(s)
		if !st.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown report status")
		}
		filter.Status = st
	}
	if p := c.QueryParam("patient"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "patient must be a uuid")
		}
		filter.PatientRef = &id
	}
	if p := c.QueryParam("performer"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "performer must be a uuid")
		}
		filter.PerformerRef = &id
	}
	if o := c.QueryParam("order"); o != "" {
		id, err := uuid.Parse(o)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "order must be a uuid")
		}
		filter.OrderRef = &id
	}

	reports, total, err := h.service.ListReports(c.Request().Context(), actor, filter, params.Limit, params.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(reports, total, params.Limit, params.Offset))
}

func (h *Handler) AppendResult(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "report id must be a uuid")
	}
	var in resultInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	entry, err := in.entry()
	if err != nil {
		return err
	}
	rep, err := h.service.AppendResult(c.Request().Context(), actor, id, entry)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

type verifyRequest struct {
	Notes *string `json:"notes"`
}

func (h *Handler) Verify(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "report id must be a uuid")
	}
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rep, err := h.service.Verify(c.Request().Context(), actor, id, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) Reclassify(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "report id must be a uuid")
	}
	rep, err := h.service.Reclassify(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}
