package consent

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/auth"
	"github.com/healthshare/healthshare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/consents")
	g.POST("", h.Create, auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleNurse))
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/approvals", h.Approvals)
	g.PATCH("/:id/status", h.UpdateStatus, auth.RequireRole(auth.RolePatient))
}

func actorFrom(c echo.Context) (Actor, error) {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return Actor{}, err
	}
	return Actor{Principal: p, IPAddress: c.RealIP(), UserAgent: c.Request().UserAgent()}, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid consent id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	out, err := h.svc.Create(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) List(c echo.Context) error {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return err
	}
	var patientID *uuid.UUID
	if v := c.QueryParam("patientId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return apperr.Validation("invalid patientId")
		}
		patientID = &id
	}
	f := Filter{
		Status:      Status(c.QueryParam("status")),
		ConsentType: ConsentType(c.QueryParam("consentType")),
	}
	pg := pagination.FromContext(c)
	out, total, err := h.svc.List(c.Request().Context(), p, patientID, f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Get(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Approvals(c echo.Context) error {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.History(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in TransitionInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	out, err := h.svc.Transition(c.Request().Context(), actor, id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}
