package consent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/auth"
	"github.com/healthshare/healthshare/internal/platform/ledger"
)

// Actor is the authenticated caller of a consent operation plus the
// request origin recorded in the approval trail.
type Actor struct {
	Principal auth.Principal
	IPAddress string
	UserAgent string
}

type Service struct {
	repo      Repository
	ledger    ledger.Ledger
	validator *inputValidator
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, l ledger.Ledger, logger zerolog.Logger) (*Service, error) {
	v, err := newInputValidator()
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:      repo,
		ledger:    l,
		validator: v,
		logger:    logger.With().Str("component", "consent").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func checkWindow(from, to *time.Time) error {
	if from != nil && to != nil && !to.After(*from) {
		return apperr.Validation("validTo must be after validFrom")
	}
	return nil
}

func patientIdentity(p auth.Principal) (uuid.UUID, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.CodeForbidden, "patient identity is not a record owner")
	}
	return id, nil
}

// Create opens a pending consent request. Clinicians request access to a
// patient they name; a patient may also file a request on a facility's
// behalf, matched to the requestor later by email.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*ConsentRequest, error) {
	in.RequestorEmail = strings.TrimSpace(in.RequestorEmail)
	if err := s.validator.validate(in); err != nil {
		return nil, err
	}

	now := s.now()
	if in.ValidTo != nil && !in.ValidTo.After(now) {
		return nil, apperr.Validation("validTo must be in the future")
	}

	p := actor.Principal
	c := &ConsentRequest{
		ID:              uuid.New(),
		RequestorName:   strings.TrimSpace(in.RequestorName),
		RequestorEmail:  strings.ToLower(in.RequestorEmail),
		FacilityName:    strings.TrimSpace(in.FacilityName),
		ConsentType:     in.ConsentType,
		Purpose:         in.Purpose,
		PermissionLevel: in.PermissionLevel,
		DataTypes:       in.DataTypes,
		Status:          StatusPending,
		ValidFrom:       in.ValidFrom,
		ValidTo:         in.ValidTo,
		Version:         1,
	}

	switch p.Role {
	case auth.RolePatient:
		id, err := patientIdentity(p)
		if err != nil {
			return nil, err
		}
		if in.PatientID != nil && *in.PatientID != id {
			return nil, apperr.New(apperr.CodeForbidden, "patients can only file consents for themselves")
		}
		c.PatientID = id
	case auth.RoleDoctor, auth.RoleNurse:
		if in.PatientID == nil {
			return nil, apperr.Validation("patientId is required")
		}
		requestorID := p.ID
		c.PatientID = *in.PatientID
		c.RequestorID = &requestorID
	case auth.RoleAdmin:
		return nil, apperr.New(apperr.CodeForbidden, "administrators cannot request consent")
	default:
		return nil, apperr.ErrForbidden
	}

	c.CreatedAt, c.UpdatedAt = now, now

	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, c); err != nil {
			return err
		}
		return s.repo.AppendApproval(ctx, s.approval(c.ID, actor, ActionRequested, nil, StatusPending, "", now))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("consent_id", c.ID.String()).
		Str("patient_id", c.PatientID.String()).
		Str("consent_type", string(c.ConsentType)).
		Msg("consent requested")
	return c, nil
}

func (s *Service) approval(consentID uuid.UUID, actor Actor, action Action, from *Status, to Status, reason string, at time.Time) *Approval {
	return &Approval{
		ID:         uuid.New(),
		ConsentID:  consentID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		ActorID:    actor.Principal.ID,
		ActorRole:  actor.Principal.Role.String(),
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		CreatedAt:  at,
	}
}

// canView reports whether p may read c: its subject, its requestor or an
// administrator.
func canView(p auth.Principal, c *ConsentRequest) bool {
	switch p.Role {
	case auth.RolePatient:
		return p.ID == c.PatientID.String()
	case auth.RoleDoctor, auth.RoleNurse:
		return heldBy(c, p.ID, p.Email)
	case auth.RoleAdmin:
		return true
	}
	return false
}

func (s *Service) present(c *ConsentRequest) *ConsentRequest {
	c.Status = c.EffectiveStatus(s.now())
	return c
}

func (s *Service) load(ctx context.Context, p auth.Principal, id uuid.UUID) (*ConsentRequest, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if !canView(p, c) {
		// Indistinguishable from a missing consent.
		return nil, apperr.New(apperr.CodeNotFound, "consent request not found")
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, p auth.Principal, id uuid.UUID) (*ConsentRequest, error) {
	c, err := s.load(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return s.present(c), nil
}

// List returns a patient's consents, or for clinicians the consents they
// requested. Administrators must name a patient.
func (s *Service) List(ctx context.Context, p auth.Principal, patientID *uuid.UUID, f Filter, limit, offset int) ([]*ConsentRequest, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation("unknown status %q", f.Status)
	}
	now := s.now()
	var (
		out   []*ConsentRequest
		total int
		err   error
	)
	switch p.Role {
	case auth.RolePatient:
		id, perr := patientIdentity(p)
		if perr != nil {
			return nil, 0, perr
		}
		out, total, err = s.repo.ListByPatient(ctx, id, f, now, limit, offset)
	case auth.RoleDoctor, auth.RoleNurse:
		out, total, err = s.repo.ListByRequestor(ctx, p.ID, p.Email, f, now, limit, offset)
	case auth.RoleAdmin:
		if patientID == nil {
			return nil, 0, apperr.Validation("patientId is required")
		}
		out, total, err = s.repo.ListByPatient(ctx, *patientID, f, now, limit, offset)
	default:
		return nil, 0, apperr.ErrForbidden
	}
	if err != nil {
		return nil, 0, err
	}
	for _, c := range out {
		c.Status = c.EffectiveStatus(now)
	}
	return out, total, nil
}

// Transition applies an approved, denied or revoked decision. Only the patient
// the consent is about may decide. The status change and its approval row
// commit together.
func (s *Service) Transition(ctx context.Context, actor Actor, id uuid.UUID, in TransitionInput) (*ConsentRequest, error) {
	switch in.Action {
	case ActionApproved, ActionDenied, ActionRevoked:
	default:
		return nil, apperr.Validation("action must be approved, denied or revoked")
	}
	if err := checkWindow(in.ValidFrom, in.ValidTo); err != nil {
		return nil, err
	}
	if in.ValidTo != nil && !in.ValidTo.After(s.now()) {
		return nil, apperr.Validation("validTo must be in the future")
	}

	var out *ConsentRequest
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return mapRepoErr(err)
		}
		p := actor.Principal
		if !canView(p, c) {
			return apperr.New(apperr.CodeNotFound, "consent request not found")
		}
		if p.Role != auth.RolePatient || p.ID != c.PatientID.String() {
			return apperr.New(apperr.CodeForbidden, "only the patient can decide on a consent")
		}

		now := s.now()
		from := c.EffectiveStatus(now)
		to, err := Next(from, in.Action)
		if err != nil {
			return err
		}

		c.Status = to
		c.Version++
		c.UpdatedAt = now
		if to == StatusApproved {
			s.applyWindow(c, in, now)
			s.anchorBundle(ctx, c, actor, in, now)
		}

		if err := s.repo.Update(ctx, c); err != nil {
			return mapRepoErr(err)
		}
		if err := s.repo.AppendApproval(ctx, s.approval(c.ID, actor, in.Action, &from, to, in.Reason, now)); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("consent_id", out.ID.String()).
		Str("action", string(in.Action)).
		Str("status", string(out.Status)).
		Msg("consent transition")
	return out, nil
}

func (s *Service) applyWindow(c *ConsentRequest, in TransitionInput, now time.Time) {
	from, to := c.ValidFrom, c.ValidTo
	if in.ValidFrom != nil {
		from = in.ValidFrom
	}
	if in.ValidTo != nil {
		to = in.ValidTo
	}
	if from == nil {
		t := now
		from = &t
	}
	if to == nil || !to.After(*from) {
		t := from.Add(DefaultValidity)
		to = &t
	}
	c.ValidFrom, c.ValidTo = from, to
}

type decisionBundle struct {
	ConsentID       string          `json:"consentId"`
	PatientID       string          `json:"patientId"`
	RequestorEmail  string          `json:"requestorEmail"`
	FacilityName    string          `json:"facilityName"`
	ConsentType     ConsentType     `json:"consentType"`
	PermissionLevel PermissionLevel `json:"permissionLevel"`
	DataTypes       []string        `json:"dataTypes"`
	Purpose         string          `json:"purpose"`
	ValidFrom       int64           `json:"validFrom"`
	ValidTo         int64           `json:"validTo"`
	Decision        Action          `json:"decision"`
	DecidedBy       string          `json:"decidedBy"`
	DecidedAt       int64           `json:"decidedAt"`
	Reason          string          `json:"reason"`
}

// anchorBundle hashes the request with its approval decision. A ledger
// outage leaves the anchor empty and does not block approval.
func (s *Service) anchorBundle(ctx context.Context, c *ConsentRequest, actor Actor, in TransitionInput, now time.Time) {
	hash, err := ledger.Hash(decisionBundle{
		ConsentID:       c.ID.String(),
		PatientID:       c.PatientID.String(),
		RequestorEmail:  c.RequestorEmail,
		FacilityName:    c.FacilityName,
		ConsentType:     c.ConsentType,
		PermissionLevel: c.PermissionLevel,
		DataTypes:       c.DataTypes,
		Purpose:         c.Purpose,
		ValidFrom:       c.ValidFrom.Unix(),
		ValidTo:         c.ValidTo.Unix(),
		Decision:        in.Action,
		DecidedBy:       actor.Principal.ID,
		DecidedAt:       now.Unix(),
		Reason:          in.Reason,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("consent_id", c.ID.String()).Msg("consent bundle not hashed")
		return
	}
	c.BundleHash = &hash
	ref, err := s.ledger.Anchor(ctx, hash)
	if err != nil {
		s.logger.Warn().Err(err).Str("consent_id", c.ID.String()).Msg("consent bundle not anchored")
		c.AnchorRef = nil
		return
	}
	c.AnchorRef = &ref
}

// History returns the approval trail, oldest first.
func (s *Service) History(ctx context.Context, p auth.Principal, id uuid.UUID) ([]*Approval, error) {
	if _, err := s.load(ctx, p, id); err != nil {
		return nil, err
	}
	return s.repo.ListApprovals(ctx, id)
}

// Query describes an access a clinician wants consent for.
type Query struct {
	RequestorID string
	Email       string
	PatientID   uuid.UUID
	// RecordType is matched against dataTypes; empty skips the check.
	RecordType string
	Action     string
	At         time.Time
}

// ActiveConsentFor returns an approved, unexpired consent covering q, or a
// CONSENT_NOT_APPROVED error when there is none.
func (s *Service) ActiveConsentFor(ctx context.Context, q Query) (*ConsentRequest, error) {
	if q.At.IsZero() {
		q.At = s.now()
	}
	candidates, err := s.repo.ListActive(ctx, Match{
		RequestorID: q.RequestorID,
		Email:       strings.ToLower(q.Email),
		PatientID:   q.PatientID,
		At:          q.At,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeServiceUnavailable, err, "consent lookup failed")
	}
	sawReadOnly := false
	for _, c := range candidates {
		if !c.ActiveAt(q.At) {
			continue
		}
		if q.RecordType != "" && !c.CoversDataType(q.RecordType) {
			continue
		}
		if !c.PermissionLevel.Allows(q.Action) {
			sawReadOnly = true
			continue
		}
		return c, nil
	}
	if sawReadOnly {
		return nil, apperr.Newf(apperr.CodeInsufficientScope, "consent does not permit %s", q.Action)
	}
	return nil, apperr.ErrConsentNotApproved
}

// RequireActive checks that a clinician holds a consent for the patient
// that permits action on at least some records.
func (s *Service) RequireActive(ctx context.Context, p auth.Principal, patientID uuid.UUID, action string) error {
	if p.Role != auth.RoleDoctor && p.Role != auth.RoleNurse {
		return apperr.ErrForbidden
	}
	_, err := s.ActiveConsentFor(ctx, Query{
		RequestorID: p.ID,
		Email:       p.Email,
		PatientID:   patientID,
		Action:      action,
	})
	return err
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.New(apperr.CodeNotFound, "consent request not found")
	case errors.Is(err, ErrVersionConflict):
		return apperr.Wrap(apperr.CodeInvalidStateTransition, err, "consent was changed concurrently")
	}
	return err
}
