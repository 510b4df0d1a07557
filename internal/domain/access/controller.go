package access

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/domain/consent"
	"github.com/healthshare/healthshare/internal/domain/integrity"
	"github.com/healthshare/healthshare/internal/domain/record"
	"github.com/healthshare/healthshare/internal/domain/share"
	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/auth"
	"github.com/healthshare/healthshare/internal/platform/hipaa"
)

// Actions a caller may request on a record.
const (
	ActionRead        = "read"
	ActionReadSummary = "read_summary"
	ActionVerify      = "verify"
	ActionWrite       = "write"
	ActionCreate      = "create"
)

func isRead(action string) bool {
	return action == ActionRead || action == ActionReadSummary || action == ActionVerify
}

const (
	WarnVerificationUnavailable = "verification unavailable"
	WarnTamperDetected          = "record content does not match its anchored hash"
	WarnAdminReview             = "administrative access flagged for review"
)

// maxTokenRecords bounds how many records one "all records" token releases
// per request.
const maxTokenRecords = 500

type TokenValidator interface {
	Validate(ctx context.Context, token string) (*share.Validated, error)
}

type RecordReader interface {
	Get(ctx context.Context, id uuid.UUID) (*record.MedicalRecord, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*record.MedicalRecord, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*record.MedicalRecord, int, error)
}

type ConsentChecker interface {
	ActiveConsentFor(ctx context.Context, q consent.Query) (*consent.ConsentRequest, error)
}

type Auditor interface {
	Record(ctx context.Context, e *hipaa.AccessLogEntry) error
}

// Decision is the outcome of one authorization.
type Decision struct {
	Allowed        bool              `json:"allowed"`
	Reason         apperr.Code       `json:"reason,omitempty"`
	Message        string            `json:"message,omitempty"`
	Warnings       []string          `json:"warnings"`
	Verification   string            `json:"verification"`
	TamperDetected bool              `json:"tamperDetected"`
	AdminReview    bool              `json:"adminReview"`
	Integrity      *integrity.Result `json:"-"`
	// Record is the released record, reduced to summary fields for a
	// summary read. Nil unless Allowed.
	Record *record.MedicalRecord `json:"-"`
}

// Err returns the denial as an error, or nil if the access was allowed.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.New(d.Reason, d.Message)
}

type Controller struct {
	tokens   TokenValidator
	records  RecordReader
	consents ConsentChecker
	verifier *integrity.Verifier
	audit    Auditor
	logger   zerolog.Logger
	now      func() time.Time
}

func NewController(tokens TokenValidator, records RecordReader, consents ConsentChecker, verifier *integrity.Verifier, audit Auditor, logger zerolog.Logger) *Controller {
	return &Controller{
		tokens:   tokens,
		records:  records,
		consents: consents,
		verifier: verifier,
		audit:    audit,
		logger:   logger.With().Str("component", "access").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// evaluation accumulates one decision and its log entry.
type evaluation struct {
	d     Decision
	entry hipaa.AccessLogEntry
}

func (ev *evaluation) deny(err error) {
	ev.d.Allowed = false
	ev.d.Reason = apperr.CodeOf(err)
	ev.d.Message = "access could not be evaluated"
	if e, ok := apperr.As(err); ok {
		ev.d.Message = e.Message
	}
	ev.d.Record = nil
}

// fromClaims attributes the entry to the token holder.
func (ev *evaluation) fromClaims(claims *share.Claims, o Origin) {
	ev.entry.TokenID = claims.ID
	if patientID, err := claims.PatientID(); err == nil {
		ev.entry.PatientID = &patientID
	}
	if ev.entry.FacilityID == "" {
		ev.entry.FacilityID = claims.FacilityID
	}
	if ev.entry.AccessorID == "" {
		ev.entry.AccessorID = accessorFor(claims, o)
	}
}

func (ev *evaluation) warn(msg string) {
	ev.d.Warnings = append(ev.d.Warnings, msg)
}

func newEvaluation(ac AuthContext, action string) *evaluation {
	o := ac.Origin()
	ev := &evaluation{
		d: Decision{Warnings: []string{}, Verification: "not_checked"},
		entry: hipaa.AccessLogEntry{
			AccessorID: o.AccessorID,
			FacilityID: o.FacilityID,
			Purpose:    o.Purpose,
			Action:     action,
			IPAddress:  o.IPAddress,
			UserAgent:  o.UserAgent,
		},
	}
	if p, ok := ac.Principal(); ok {
		ev.entry.AccessorID = p.ID
		ev.entry.AccessorRole = p.Role.String()
	} else {
		ev.entry.AccessorRole = "token"
	}
	return ev
}

// Authorize decides whether ac may perform action on recordID. Reads run
// the integrity verifier; tampering and ledger outages produce warnings but
// do not block. Every call writes exactly one access log entry, and a
// decision that cannot be logged is a denial.
func (c *Controller) Authorize(ctx context.Context, ac AuthContext, action string, recordID uuid.UUID) Decision {
	ev := newEvaluation(ac, action)
	ev.entry.RecordID = &recordID
	c.evaluate(ctx, ac, action, recordID, ev)
	return c.finish(ctx, ev)
}

func (c *Controller) evaluate(ctx context.Context, ac AuthContext, action string, recordID uuid.UUID, ev *evaluation) {
	var (
		rec *record.MedicalRecord
		err error
	)
	if token, ok := ac.Token(); ok {
		rec, err = c.viaToken(ctx, token, ac.Origin(), action, recordID, ev)
	} else {
		p, _ := ac.Principal()
		rec, err = c.viaSession(ctx, p, action, recordID, ev)
	}
	if err != nil {
		ev.deny(err)
		return
	}

	ev.d.Allowed = true
	ev.d.Record = rec
	if isRead(action) {
		res := c.verifier.Verify(ctx, rec)
		ev.d.Integrity = &res
		ev.d.Verification = string(res.Status)
		switch res.Status {
		case integrity.StatusTampered:
			ev.d.TamperDetected = true
			ev.warn(WarnTamperDetected)
		case integrity.StatusUnknown:
			ev.warn(WarnVerificationUnavailable)
		}
	}
	if action == ActionReadSummary {
		ev.d.Record = rec.Summary()
	}
}

func (c *Controller) viaToken(ctx context.Context, token string, o Origin, action string, recordID uuid.UUID, ev *evaluation) (*record.MedicalRecord, error) {
	v, err := c.tokens.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	claims := v.Claims
	ev.fromClaims(claims, o)
	if v.Integrity != share.IntegrityVerified {
		ev.warn("token anchor " + v.Integrity)
	}

	if claims.FacilityID != "" && o.FacilityID != "" && claims.FacilityID != o.FacilityID {
		return nil, apperr.New(apperr.CodeInsufficientScope, "token is bound to another facility")
	}
	if !claims.CoversRecord(recordID) {
		return nil, apperr.New(apperr.CodeInsufficientScope, "record is outside the token scope")
	}
	tokenAction := action
	if action == ActionVerify {
		tokenAction = ActionRead
	}
	if !claims.ShareType.Permits(tokenAction) || !claims.Allows(tokenAction) {
		return nil, apperr.Newf(apperr.CodeInsufficientScope, "a %s share does not permit %s", claims.ShareType, action)
	}

	rec, err := c.records.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.PatientID.String() != claims.Subject {
		// A token never reveals that a foreign record exists.
		return nil, apperr.ErrRecordNotFound
	}
	return rec, nil
}

func accessorFor(claims *share.Claims, o Origin) string {
	switch {
	case o.FacilityID != "":
		return "facility:" + o.FacilityID
	case claims.FacilityID != "":
		return "facility:" + claims.FacilityID
	}
	return "token:" + claims.ID
}

func (c *Controller) viaSession(ctx context.Context, p auth.Principal, action string, recordID uuid.UUID, ev *evaluation) (*record.MedicalRecord, error) {
	rec, err := c.records.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	ev.entry.PatientID = &rec.PatientID
	if err := c.checkRole(ctx, p, action, rec.PatientID, rec.RecordType, ev); err != nil {
		return nil, err
	}
	return rec, nil
}

// checkRole applies the per-role policy to an action on a patient's data.
func (c *Controller) checkRole(ctx context.Context, p auth.Principal, action string, patientID uuid.UUID, recordType string, ev *evaluation) error {
	switch p.Role {
	case auth.RolePatient:
		if p.ID != patientID.String() {
			return apperr.New(apperr.CodeForbidden, "patients can only access their own records")
		}
		return nil
	case auth.RoleDoctor, auth.RoleNurse:
		consentAction := action
		if action == ActionCreate {
			consentAction = ActionWrite
		}
		cr, err := c.consents.ActiveConsentFor(ctx, consent.Query{
			RequestorID: p.ID,
			Email:       p.Email,
			PatientID:   patientID,
			RecordType:  recordType,
			Action:      consentAction,
			At:          c.now(),
		})
		if err != nil {
			return err
		}
		ev.entry.ConsentID = &cr.ID
		if ev.entry.Purpose == "" {
			ev.entry.Purpose = cr.Purpose
		}
		return nil
	case auth.RoleAdmin:
		ev.d.AdminReview = true
		ev.warn(WarnAdminReview)
		return nil
	default:
		return apperr.New(apperr.CodeForbidden, "unknown role")
	}
}

// finish writes the log entry. A failed write turns the decision into an
// AUDIT_WRITE_FAILED denial.
func (c *Controller) finish(ctx context.Context, ev *evaluation) Decision {
	e := &ev.entry
	e.Outcome = hipaa.OutcomeDenied
	if ev.d.Allowed {
		e.Outcome = hipaa.OutcomeGranted
	}
	e.ReasonCode = string(ev.d.Reason)
	e.Reason = ev.d.Message
	e.TamperDetected = ev.d.TamperDetected
	e.Verification = ev.d.Verification
	e.AdminReview = ev.d.AdminReview

	if err := c.audit.Record(ctx, e); err != nil {
		c.logger.Error().Err(err).Str("action", e.Action).Msg("access denied, audit write failed")
		return Decision{
			Allowed:      false,
			Reason:       apperr.CodeAuditWriteFailed,
			Message:      apperr.ErrAuditWriteFailed.Message,
			Warnings:     []string{},
			Verification: ev.d.Verification,
		}
	}
	return ev.d
}

// AuthorizeCreate decides whether ac may add a record of recordType for
// patientID.
func (c *Controller) AuthorizeCreate(ctx context.Context, ac AuthContext, patientID uuid.UUID, recordType string) Decision {
	ev := newEvaluation(ac, ActionCreate)
	ev.entry.PatientID = &patientID

	var err error
	if _, ok := ac.Token(); ok {
		err = apperr.New(apperr.CodeInsufficientScope, "capability tokens cannot create records")
	} else {
		p, _ := ac.Principal()
		err = c.checkRole(ctx, p, ActionCreate, patientID, recordType, ev)
	}
	if err != nil {
		ev.deny(err)
	} else {
		ev.d.Allowed = true
	}
	return c.finish(ctx, ev)
}

// TokenAccess is the result of presenting a token for all its records.
type TokenAccess struct {
	Records  []*record.MedicalRecord `json:"records"`
	Warnings []string                `json:"warnings"`
	Denied   int                     `json:"denied"`
}

// AccessRecords releases every record in a token's scope. Each record is
// authorized and logged on its own; an unusable token is logged once and
// returned as an error.
func (c *Controller) AccessRecords(ctx context.Context, ac AuthContext) (*TokenAccess, error) {
	token, ok := ac.Token()
	if !ok {
		return nil, apperr.New(apperr.CodeUnauthenticated, "a capability token is required")
	}

	v, err := c.tokens.Validate(ctx, token)
	if err != nil {
		ev := newEvaluation(ac, ActionRead)
		ev.entry.AccessorID = firstNonEmpty(ac.Origin().AccessorID, "anonymous")
		ev.deny(err)
		d := c.finish(ctx, ev)
		return nil, d.Err()
	}

	action := ActionRead
	if v.Claims.ShareType == share.ShareSummary {
		action = ActionReadSummary
	}
	ids, err := c.scope(ctx, v.Claims)
	if err != nil || len(ids) == 0 {
		// No per-record decision will be logged, so log the token use itself.
		ev := newEvaluation(ac, action)
		ev.fromClaims(v.Claims, ac.Origin())
		if err != nil {
			c.logger.Error().Err(err).Str("token_id", v.Claims.ID).Msg("resolve token scope")
			ev.deny(err)
		} else {
			ev.d.Allowed = true
			ev.d.Message = "no records in scope"
		}
		if d := c.finish(ctx, ev); !d.Allowed {
			return nil, d.Err()
		}
		return &TokenAccess{Records: []*record.MedicalRecord{}, Warnings: []string{}}, nil
	}

	out := &TokenAccess{Records: []*record.MedicalRecord{}, Warnings: []string{}}
	seen := map[string]bool{}
	for _, id := range ids {
		d := c.Authorize(ctx, ac, action, id)
		if !d.Allowed {
			switch d.Reason {
			case apperr.CodeTokenExpired, apperr.CodeTokenRevoked, apperr.CodeTokenSignatureInvalid,
				apperr.CodeTokenTampered, apperr.CodeAuditWriteFailed, apperr.CodeServiceUnavailable:
				return nil, d.Err()
			}
			out.Denied++
			continue
		}
		out.Records = append(out.Records, d.Record)
		for _, w := range d.Warnings {
			msg := w
			if w == WarnTamperDetected || w == WarnVerificationUnavailable {
				msg = id.String() + ": " + w
			}
			if !seen[msg] {
				seen[msg] = true
				out.Warnings = append(out.Warnings, msg)
			}
		}
	}
	return out, nil
}

func (c *Controller) scope(ctx context.Context, claims *share.Claims) ([]uuid.UUID, error) {
	if !claims.AllRecords() {
		ids := make([]uuid.UUID, 0, len(claims.RecordIDs))
		for _, s := range claims.RecordIDs {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, apperr.New(apperr.CodeTokenSignatureInvalid, "token scope is malformed")
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	patientID, err := claims.PatientID()
	if err != nil {
		return nil, apperr.New(apperr.CodeTokenSignatureInvalid, "token subject is malformed")
	}
	recs, _, err := c.records.ListByPatient(ctx, patientID, maxTokenRecords, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
