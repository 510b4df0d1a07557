package share

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/auth"
	"github.com/healthshare/healthshare/internal/platform/hipaa"
	"github.com/healthshare/healthshare/pkg/pagination"
)

// AccessHistory reads access log entries about one patient's records.
type AccessHistory interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*hipaa.AccessLogEntry, int, error)
}

type Handler struct {
	svc  *Service
	logs AccessHistory
}

func NewHandler(svc *Service, logs AccessHistory) *Handler {
	return &Handler{svc: svc, logs: logs}
}

// RegisterRoutes mounts the share endpoints. /share/validate is public and
// must be listed in the auth skipper.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/share")
	g.POST("/validate", h.Validate)

	issue := g.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleNurse))
	issue.POST("/generate", h.Generate)

	g.DELETE("/revoke/:token", h.Revoke, auth.RequireRole(auth.RolePatient, auth.RoleAdmin))
	g.GET("/history", h.History, auth.RequireRole(auth.RolePatient))
	g.GET("/tokens", h.Tokens, auth.RequireRole(auth.RolePatient))
}

func (h *Handler) Generate(c echo.Context) error {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return err
	}
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	resp, err := h.svc.Generate(c.Request().Context(), p, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

type validateBody struct {
	Token string `json:"token"`
}

func (h *Handler) Validate(c echo.Context) error {
	var body validateBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid request body")
	}
	body.Token = strings.TrimSpace(body.Token)
	if body.Token == "" {
		return apperr.Validation("token is required")
	}
	resp, err := h.svc.Validate(c.Request().Context(), body.Token)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Revoke(c echo.Context) error {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return err
	}
	resp, err := h.svc.Revoke(c.Request().Context(), p, c.Param("token"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

type grantView struct {
	*Grant
	Status string `json:"status"`
}

// Tokens lists the share tokens the patient has issued with their current status.
func (h *Handler) Tokens(c echo.Context) error {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	grants, total, err := h.svc.Grants(c.Request().Context(), p, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	now := h.svc.now()
	out := make([]grantView, len(grants))
	for i, g := range grants {
		out[i] = grantView{Grant: g, Status: g.Status(now)}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg))
}

type historyPage struct {
	Entries []*hipaa.AccessLogEntry `json:"entries"`
	Total   int                     `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
	HasMore bool                    `json:"has_more"`
}

// History shows the patient every logged access to their records, newest first.
func (h *Handler) History(c echo.Context) error {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return err
	}
	patientID, err := uuid.Parse(p.ID)
	if err != nil {
		return apperr.New(apperr.CodeForbidden, "only patients have share history")
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.logs.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*hipaa.AccessLogEntry{}
	}
	return c.JSON(http.StatusOK, historyPage{
		Entries: entries,
		Total:   total,
		Limit:   pg.Limit,
		Offset:  pg.Offset,
		HasMore: pg.HasNext(total),
	})
}
