package access

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthshare/healthshare/internal/domain/record"
	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/auth"
	"github.com/healthshare/healthshare/internal/platform/hipaa"
	"github.com/healthshare/healthshare/pkg/pagination"
)

type RecordWriter interface {
	Create(ctx context.Context, in record.CreateInput) (*record.MedicalRecord, error)
	Update(ctx context.Context, id uuid.UUID, in record.UpdateInput) (*record.MedicalRecord, error)
}

type AccessLogReader interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*hipaa.AccessLogEntry, int, error)
	ListByToken(ctx context.Context, tokenID string, limit, offset int) ([]*hipaa.AccessLogEntry, int, error)
	Verify(ctx context.Context) (int, error)
}

type Handler struct {
	ctrl    *Controller
	records RecordWriter
	logs    AccessLogReader
}

func NewHandler(ctrl *Controller, records RecordWriter, logs AccessLogReader) *Handler {
	return &Handler{ctrl: ctrl, records: records, logs: logs}
}

// RegisterRoutes mounts record and token access endpoints.
// /share/access/:token is public; the token is the credential.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/share/access/:token", h.AccessByToken)

	rec := api.Group("/medical-records")
	rec.POST("", h.CreateRecord)
	rec.GET("/:id", h.GetRecord)
	rec.PUT("/:id", h.UpdateRecord)
	rec.POST("/:id/verify", h.VerifyRecord)

	api.GET("/access-log", h.ListAccessLog, auth.RequireRole(auth.RolePatient, auth.RoleAdmin))
	api.GET("/access-log/verify", h.VerifyAccessLog, auth.RequireRole(auth.RoleAdmin))
}

func sessionContext(c echo.Context) (AuthContext, error) {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return AuthContext{}, err
	}
	return FromSession(p, Origin{
		AccessorID: p.ID,
		FacilityID: c.Request().Header.Get("X-Facility-ID"),
		Purpose:    c.Request().Header.Get("X-Access-Purpose"),
		IPAddress:  c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	}), nil
}

func recordID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid record id")
	}
	return id, nil
}

type tokenAccessResponse struct {
	Records      []*record.MedicalRecord `json:"records"`
	AccessLogged bool                    `json:"accessLogged"`
	Warnings     []string                `json:"warnings"`
}

func (h *Handler) AccessByToken(c echo.Context) error {
	ac := FromToken(c.Param("token"), Origin{
		AccessorID: c.QueryParam("accessorId"),
		FacilityID: c.QueryParam("facilityId"),
		Purpose:    c.QueryParam("purpose"),
		IPAddress:  c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	})
	out, err := h.ctrl.AccessRecords(c.Request().Context(), ac)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokenAccessResponse{
		Records:      out.Records,
		AccessLogged: true,
		Warnings:     out.Warnings,
	})
}

type recordResponse struct {
	Record       *record.MedicalRecord `json:"record"`
	Verification string                `json:"verification"`
	Warnings     []string              `json:"warnings"`
}

func (h *Handler) CreateRecord(c echo.Context) error {
	ac, err := sessionContext(c)
	if err != nil {
		return err
	}
	var in record.CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	if in.PatientID == uuid.Nil {
		if p, _ := ac.Principal(); p.Role == auth.RolePatient {
			in.PatientID, _ = uuid.Parse(p.ID)
		}
	}
	if in.PatientID == uuid.Nil {
		return apperr.Validation("patientId is required")
	}

	d := h.ctrl.AuthorizeCreate(c.Request().Context(), ac, in.PatientID, in.RecordType)
	if err := d.Err(); err != nil {
		return err
	}
	rec, err := h.records.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, recordResponse{Record: rec, Verification: "not_checked", Warnings: d.Warnings})
}

func (h *Handler) GetRecord(c echo.Context) error {
	ac, err := sessionContext(c)
	if err != nil {
		return err
	}
	id, err := recordID(c)
	if err != nil {
		return err
	}
	d := h.ctrl.Authorize(c.Request().Context(), ac, ActionRead, id)
	if err := d.Err(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recordResponse{Record: d.Record, Verification: d.Verification, Warnings: d.Warnings})
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	ac, err := sessionContext(c)
	if err != nil {
		return err
	}
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var in record.UpdateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	d := h.ctrl.Authorize(c.Request().Context(), ac, ActionWrite, id)
	if err := d.Err(); err != nil {
		return err
	}
	rec, err := h.records.Update(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recordResponse{Record: rec, Verification: "not_checked", Warnings: d.Warnings})
}

type verifyResponse struct {
	RecordID           uuid.UUID `json:"recordId"`
	Status             string    `json:"status"`
	IsValid            *bool     `json:"isValid"`
	TamperDetected     bool      `json:"tamperDetected"`
	VerifiedAt         time.Time `json:"verifiedAt"`
	CurrentHash        string    `json:"currentHash"`
	AnchoredHash       string    `json:"anchoredHash,omitempty"`
	AnchorReference    *string   `json:"anchorReference"`
	StoredHashMismatch bool      `json:"storedHashMismatch"`
	Reason             string    `json:"reason,omitempty"`
	Warnings           []string  `json:"warnings"`
}

func (h *Handler) VerifyRecord(c echo.Context) error {
	ac, err := sessionContext(c)
	if err != nil {
		return err
	}
	id, err := recordID(c)
	if err != nil {
		return err
	}
	d := h.ctrl.Authorize(c.Request().Context(), ac, ActionVerify, id)
	if err := d.Err(); err != nil {
		return err
	}
	res := d.Integrity
	return c.JSON(http.StatusOK, verifyResponse{
		RecordID:           id,
		Status:             string(res.Status),
		IsValid:            res.IsValid,
		TamperDetected:     res.TamperDetected,
		VerifiedAt:         res.VerifiedAt,
		CurrentHash:        res.CurrentHash,
		AnchoredHash:       res.AnchoredHash,
		AnchorReference:    d.Record.AnchorRef,
		StoredHashMismatch: res.StoredHashMismatch,
		Reason:             res.Reason,
		Warnings:           d.Warnings,
	})
}

// ListAccessLog shows a patient who accessed their records. Administrators
// may query any patient or token.
func (h *Handler) ListAccessLog(c echo.Context) error {
	p, err := auth.CurrentPrincipal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var (
		entries []*hipaa.AccessLogEntry
		total   int
	)
	switch {
	case p.Role == auth.RoleAdmin && c.QueryParam("tokenId") != "":
		entries, total, err = h.logs.ListByToken(ctx, c.QueryParam("tokenId"), pg.Limit, pg.Offset)
	case p.Role == auth.RoleAdmin:
		id, perr := uuid.Parse(c.QueryParam("patientId"))
		if perr != nil {
			return apperr.Validation("patientId or tokenId is required")
		}
		entries, total, err = h.logs.ListByPatient(ctx, id, pg.Limit, pg.Offset)
	default:
		id, perr := uuid.Parse(p.ID)
		if perr != nil {
			return apperr.ErrForbidden
		}
		entries, total, err = h.logs.ListByPatient(ctx, id, pg.Limit, pg.Offset)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg))
}

type chainResponse struct {
	Intact      bool `json:"intact"`
	Entries     int  `json:"entries,omitempty"`
	BrokenIndex *int `json:"brokenIndex,omitempty"`
}

func (h *Handler) VerifyAccessLog(c echo.Context) error {
	n, err := h.logs.Verify(c.Request().Context())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, chainResponse{Intact: true, Entries: n})
	case errors.Is(err, hipaa.ErrChainBroken):
		return c.JSON(http.StatusOK, chainResponse{Intact: false, BrokenIndex: &n})
	}
	return err
}
