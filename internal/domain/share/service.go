package share

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/domain/record"
	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/auth"
)

// RecordLookup is the part of the record service sharing needs.
type RecordLookup interface {
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*record.MedicalRecord, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*record.MedicalRecord, int, error)
}

// ConsentGate checks that a clinician holds an approved consent for a
// patient that allows action.
type ConsentGate interface {
	RequireActive(ctx context.Context, p auth.Principal, patientID uuid.UUID, action string) error
}

type GenerateRequest struct {
	RecordIDs      []uuid.UUID `json:"recordIds"`
	ShareType      ShareType   `json:"shareType"`
	ExpiresInHours int         `json:"expiresInHours"`
	FacilityID     string      `json:"facilityId"`
	Actions        []string    `json:"actions"`
	// PatientID is required when a clinician generates on a patient's behalf.
	PatientID *uuid.UUID `json:"patientId"`
}

type GenerateResponse struct {
	Token           string    `json:"token"`
	TokenID         string    `json:"tokenId"`
	QRPayload       string    `json:"qrPayload"`
	QRImage         string    `json:"qrImage"`
	ExpiresAt       time.Time `json:"expiresAt"`
	AnchorReference *string   `json:"anchorReference"`
}

type PatientSummary struct {
	PatientID   string   `json:"patientId"`
	RecordTypes []string `json:"recordTypes"`
}

type ValidateResponse struct {
	Valid          bool            `json:"valid"`
	ShareType      ShareType       `json:"shareType,omitempty"`
	RecordCount    int             `json:"recordCount"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	PatientSummary *PatientSummary `json:"patientSummary,omitempty"`
	Integrity      string          `json:"integrity,omitempty"`
	Reason         apperr.Code     `json:"reason,omitempty"`
}

type RevokeResponse struct {
	Revoked   bool      `json:"revoked"`
	RevokedAt time.Time `json:"revokedAt"`
}

type Service struct {
	tokens   *TokenService
	grants   GrantRepository
	records  RecordLookup
	consents ConsentGate
	baseURL  string
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(tokens *TokenService, grants GrantRepository, records RecordLookup, consents ConsentGate, baseURL string, logger zerolog.Logger) *Service {
	return &Service{
		tokens:   tokens,
		grants:   grants,
		records:  records,
		consents: consents,
		baseURL:  baseURL,
		logger:   logger.With().Str("component", "share").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Tokens() *TokenService { return s.tokens }

// Generate issues a token over the caller's records, or over a patient's
// records for a clinician holding an approved consent. Clinicians can never
// pass on write access.
func (s *Service) Generate(ctx context.Context, p auth.Principal, req GenerateRequest) (*GenerateResponse, error) {
	var patientID uuid.UUID
	switch p.Role {
	case auth.RolePatient:
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, apperr.New(apperr.CodeForbidden, "patient identity is not a record owner")
		}
		if req.PatientID != nil && *req.PatientID != id {
			return nil, apperr.New(apperr.CodeForbidden, "patients can only share their own records")
		}
		patientID = id
	case auth.RoleDoctor, auth.RoleNurse:
		if req.PatientID == nil {
			return nil, apperr.Validation("patientId is required")
		}
		for _, a := range req.Actions {
			if a == ActionWrite {
				return nil, apperr.New(apperr.CodeInsufficientScope, "clinicians cannot share write access")
			}
		}
		if err := s.consents.RequireActive(ctx, p, *req.PatientID, ActionRead); err != nil {
			return nil, err
		}
		patientID = *req.PatientID
	case auth.RoleAdmin:
		return nil, apperr.New(apperr.CodeForbidden, "administrators cannot issue share tokens")
	default:
		return nil, apperr.ErrForbidden
	}

	if req.ExpiresInHours < 0 {
		return nil, apperr.Validation("expiresInHours must not be negative")
	}
	if len(req.RecordIDs) > 0 {
		if err := s.checkOwnership(ctx, patientID, req.RecordIDs); err != nil {
			return nil, err
		}
	}

	issued, err := s.tokens.Issue(ctx, IssueRequest{
		Subject:    patientID,
		RecordIDs:  req.RecordIDs,
		Actions:    req.Actions,
		ShareType:  req.ShareType,
		TTL:        time.Duration(req.ExpiresInHours) * time.Hour,
		FacilityID: req.FacilityID,
	})
	if err != nil {
		return nil, err
	}

	c := issued.Claims
	jti, _ := uuid.Parse(c.ID)
	grant := &Grant{
		TokenID:     jti,
		PatientID:   patientID,
		ShareType:   c.ShareType,
		RecordIDs:   c.RecordIDs,
		Actions:     c.Actions,
		FacilityID:  c.FacilityID,
		PayloadHash: c.PayloadHash,
		AnchorRef:   issued.AnchorRef,
		IssuedAt:    c.IssuedAt.Time,
		ExpiresAt:   issued.ExpiresAt,
	}
	if err := s.grants.Create(ctx, grant); err != nil {
		// The token is already signed; revoke it so it cannot outlive a
		// missing history row.
		if rerr := s.tokens.Revoke(ctx, c.ID, issued.ExpiresAt); rerr != nil {
			s.logger.Error().Err(rerr).Str("jti", c.ID).Msg("unrecorded token not revoked")
		}
		return nil, err
	}

	link := AccessURL(s.baseURL, issued.Token)
	img, err := QRDataURI(link)
	if err != nil {
		s.logger.Warn().Err(err).Str("jti", c.ID).Msg("qr image not rendered")
	}
	return &GenerateResponse{
		Token:           issued.Token,
		TokenID:         issued.TokenID,
		QRPayload:       link,
		QRImage:         img,
		ExpiresAt:       issued.ExpiresAt,
		AnchorReference: issued.AnchorRef,
	}, nil
}

func (s *Service) checkOwnership(ctx context.Context, patientID uuid.UUID, ids []uuid.UUID) error {
	recs, err := s.records.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	owned := make(map[uuid.UUID]bool, len(recs))
	for _, r := range recs {
		if r.PatientID == patientID {
			owned[r.ID] = true
		}
	}
	for _, id := range ids {
		if !owned[id] {
			return apperr.Newf(apperr.CodeRecordNotFound, "record %s not found for this patient", id)
		}
	}
	return nil
}

// Validate reports on a token without releasing any record data.
func (s *Service) Validate(ctx context.Context, token string) (*ValidateResponse, error) {
	v, err := s.tokens.Validate(ctx, token)
	if err != nil {
		code := apperr.CodeOf(err)
		if code == apperr.CodeServiceUnavailable {
			return nil, err
		}
		return &ValidateResponse{Valid: false, Reason: code}, nil
	}

	c := v.Claims
	exp := c.ExpiresAt.Time.UTC()
	resp := &ValidateResponse{
		Valid:     true,
		ShareType: c.ShareType,
		ExpiresAt: &exp,
		Integrity: v.Integrity,
	}

	patientID, err := c.PatientID()
	if err != nil {
		return &ValidateResponse{Valid: false, Reason: apperr.CodeTokenSignatureInvalid}, nil
	}
	var recs []*record.MedicalRecord
	if c.AllRecords() {
		recs, resp.RecordCount, err = s.records.ListByPatient(ctx, patientID, 1000, 0)
	} else {
		ids := make([]uuid.UUID, 0, len(c.RecordIDs))
		for _, r := range c.RecordIDs {
			if id, perr := uuid.Parse(r); perr == nil {
				ids = append(ids, id)
			}
		}
		recs, err = s.records.GetMany(ctx, ids)
		resp.RecordCount = len(c.RecordIDs)
	}
	if err != nil {
		return nil, err
	}
	resp.PatientSummary = &PatientSummary{PatientID: c.Subject, RecordTypes: recordTypes(recs)}
	return resp, nil
}

func recordTypes(recs []*record.MedicalRecord) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, r := range recs {
		if !seen[r.RecordType] {
			seen[r.RecordType] = true
			out = append(out, r.RecordType)
		}
	}
	sort.Strings(out)
	return out
}

// Revoke revokes a token held by its subject. An administrator may revoke
// any token.
func (s *Service) Revoke(ctx context.Context, p auth.Principal, token string) (*RevokeResponse, error) {
	c, err := s.tokens.ParseForRevocation(token)
	if err != nil {
		return nil, err
	}
	if p.Role != auth.RoleAdmin && p.ID != c.Subject {
		return nil, apperr.New(apperr.CodeForbidden, "only the token subject can revoke it")
	}

	if err := s.tokens.Revoke(ctx, c.ID, c.ExpiresAt.Time); err != nil {
		return nil, err
	}

	revokedAt := s.now()
	if jti, perr := uuid.Parse(c.ID); perr == nil {
		at, err := s.grants.MarkRevoked(ctx, jti, revokedAt)
		switch {
		case err == nil:
			revokedAt = at
		case errors.Is(err, ErrGrantNotFound):
		default:
			s.logger.Error().Err(err).Str("jti", c.ID).Msg("grant history not updated")
		}
	}
	return &RevokeResponse{Revoked: true, RevokedAt: revokedAt.UTC()}, nil
}

// Grants lists the caller's issued tokens, newest first.
func (s *Service) Grants(ctx context.Context, p auth.Principal, limit, offset int) ([]*Grant, int, error) {
	patientID, err := uuid.Parse(p.ID)
	if err != nil {
		return nil, 0, apperr.New(apperr.CodeForbidden, "only patients have share history")
	}
	return s.grants.ListByPatient(ctx, patientID, limit, offset)
}
