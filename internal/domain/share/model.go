// Package share issues and validates capability tokens: short-lived,
// Ed25519-signed JWTs granting scoped access to a patient's records.
package share

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type ShareType string

const (
	ShareFull      ShareType = "full"
	ShareSummary   ShareType = "summary"
	ShareSpecific  ShareType = "specific"
	ShareEmergency ShareType = "emergency"
)

func (t ShareType) Valid() bool {
	switch t {
	case ShareFull, ShareSummary, ShareSpecific, ShareEmergency:
		return true
	}
	return false
}

// Action names shared by tokens, consents and the access controller.
const (
	ActionRead        = "read"
	ActionReadSummary = "read_summary"
	ActionWrite       = "write"
)

// AllRecords is the record_ids entry meaning every record of the subject.
const AllRecords = "*"

// DefaultActions returns the actions granted when a request names none.
func DefaultActions(t ShareType) []string {
	switch t {
	case ShareFull, ShareSpecific:
		return []string{ActionRead}
	case ShareSummary:
		return []string{ActionReadSummary}
	case ShareEmergency:
		return []string{ActionRead, ActionReadSummary}
	}
	return nil
}

// Permits reports whether a token of type t may ever carry action.
func (t ShareType) Permits(action string) bool {
	switch action {
	case ActionRead:
		return t == ShareFull || t == ShareSpecific || t == ShareEmergency
	case ActionReadSummary:
		return t.Valid()
	case ActionWrite:
		return t == ShareFull
	}
	return false
}

// Claims are the capability token claims. Everything a verifier needs is
// inside the token; no lookup is required except the revocation set.
type Claims struct {
	jwt.RegisteredClaims
	ShareType   ShareType `json:"share_type"`
	RecordIDs   []string  `json:"record_ids"`
	Actions     []string  `json:"actions"`
	FacilityID  string    `json:"facility_id,omitempty"`
	PayloadHash string    `json:"payload_hash"`
	AnchorRef   string    `json:"anchor_ref,omitempty"`
}

// AllRecords reports whether the token covers every record of its subject.
func (c *Claims) AllRecords() bool {
	return len(c.RecordIDs) == 1 && c.RecordIDs[0] == AllRecords
}

// CoversRecord reports whether id is inside the token scope.
func (c *Claims) CoversRecord(id uuid.UUID) bool {
	if c.AllRecords() {
		return true
	}
	s := id.String()
	for _, r := range c.RecordIDs {
		if r == s {
			return true
		}
	}
	return false
}

// Allows reports whether action is in the token's action set.
func (c *Claims) Allows(action string) bool {
	for _, a := range c.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (c *Claims) PatientID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// payload is the hashed, anchored view of a token.
type payload struct {
	Subject    string   `json:"sub"`
	ID         string   `json:"jti"`
	Issuer     string   `json:"iss"`
	ShareType  string   `json:"share_type"`
	RecordIDs  []string `json:"record_ids"`
	Actions    []string `json:"actions"`
	FacilityID string   `json:"facility_id"`
	IssuedAt   int64    `json:"iat"`
	ExpiresAt  int64    `json:"exp"`
}

func (c *Claims) payload() payload {
	p := payload{
		Subject:    c.Subject,
		ID:         c.ID,
		Issuer:     c.Issuer,
		ShareType:  string(c.ShareType),
		RecordIDs:  c.RecordIDs,
		Actions:    c.Actions,
		FacilityID: c.FacilityID,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Unix()
	}
	return p
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	Subject    uuid.UUID
	RecordIDs  []uuid.UUID
	Actions    []string
	ShareType  ShareType
	TTL        time.Duration
	FacilityID string
}

// IssuedToken is the result of Issue.
type IssuedToken struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"tokenId"`
	ExpiresAt time.Time `json:"expiresAt"`
	AnchorRef *string   `json:"anchorReference"`
	Claims    *Claims   `json:"-"`
}

// Integrity of a validated token's anchored payload hash.
const (
	IntegrityVerified = "verified"
	IntegrityUnknown  = "unknown"
)

// Validated is a token that passed every check.
type Validated struct {
	Claims    *Claims
	Integrity string
}

// Grant is the persisted issuance record of a token.
type Grant struct {
	TokenID     uuid.UUID  `json:"tokenId"`
	PatientID   uuid.UUID  `json:"patientId"`
	ShareType   ShareType  `json:"shareType"`
	RecordIDs   []string   `json:"recordIds"`
	Actions     []string   `json:"actions"`
	FacilityID  string     `json:"facilityId,omitempty"`
	PayloadHash string     `json:"payloadHash"`
	AnchorRef   *string    `json:"anchorReference"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	RevokedAt   *time.Time `json:"revokedAt"`
}

// Status is the effective state of a grant at now.
func (g *Grant) Status(now time.Time) string {
	switch {
	case g.RevokedAt != nil:
		return "revoked"
	case !now.Before(g.ExpiresAt):
		return "expired"
	}
	return "active"
}
