package access

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/domain/share"
	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/auth"
)

func (h *harness) serve(p *auth.Principal, method, path, body string) *httptest.ResponseRecorder {
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	if p != nil {
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.SetRequest(c.Request().WithContext(auth.WithPrincipal(c.Request().Context(), *p)))
				return next(c)
			}
		})
	}
	NewHandler(h.ctrl, h.records, h.audit).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AccessByToken(t *testing.T) {
	h := newHarness(t)
	h.addRecord(t, "diagnosis")
	token := h.issue(t, share.ShareFull)

	rec := h.serve(nil, http.MethodGet, "/api/v1/share/access/"+token+"?facilityId=clinic-2&purpose=referral", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Records      []json.RawMessage `json:"records"`
		AccessLogged bool              `json:"accessLogged"`
		Warnings     []string          `json:"warnings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Records) != 1 || !body.AccessLogged || body.Warnings == nil {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if entry := h.lastEntry(t); entry.FacilityID != "clinic-2" || entry.Purpose != "referral" {
		t.Errorf("origin not logged: %+v", entry)
	}

	rec = h.serve(nil, http.MethodGet, "/api/v1/share/access/garbage", "")
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "TOKEN_SIGNATURE_INVALID") {
		t.Errorf("expected signature error, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RecordLifecycle(t *testing.T) {
	h := newHarness(t)
	p := h.patient

	rec := h.serve(&p, http.MethodPost, "/api/v1/medical-records",
		`{"recordType":"diagnosis","payload":{"diagnoses":["migraine"]}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created recordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id := created.Record.ID.String()

	rec = h.serve(&p, http.MethodGet, "/api/v1/medical-records/"+id, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"verification":"valid"`) {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}

	rec = h.serve(&p, http.MethodPut, "/api/v1/medical-records/"+id,
		`{"payload":{"diagnoses":["tension headache"]},"version":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}

	rec = h.serve(&p, http.MethodPost, "/api/v1/medical-records/"+id+"/verify", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	var v verifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.IsValid == nil || !*v.IsValid || v.TamperDetected || v.VerifiedAt.IsZero() {
		t.Errorf("unexpected verification %+v", v)
	}

	rec = h.serve(&p, http.MethodGet, "/api/v1/access-log", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":4`) {
		t.Errorf("access log: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_DoctorWithoutConsent(t *testing.T) {
	h := newHarness(t)
	r := h.addRecord(t, "diagnosis")
	d := h.doctor

	rec := h.serve(&d, http.MethodGet, "/api/v1/medical-records/"+r.ID.String(), "")
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "CONSENT_NOT_APPROVED") {
		t.Errorf("expected consent error, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_VerifyAccessLog(t *testing.T) {
	h := newHarness(t)
	h.addRecord(t, "diagnosis")
	admin := auth.Principal{ID: "admin", Role: auth.RoleAdmin}

	h.serve(&h.patient, http.MethodGet, "/api/v1/access-log", "")
	rec := h.serve(&admin, http.MethodGet, "/api/v1/access-log/verify", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"intact":true`) {
		t.Errorf("chain verify: %d %s", rec.Code, rec.Body.String())
	}

	rec = h.serve(&h.patient, http.MethodGet, "/api/v1/access-log/verify", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for patient, got %d", rec.Code)
	}
}
