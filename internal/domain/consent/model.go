// Package consent holds consent requests from facilities to patients and
// their append-only approval trail.
package consent

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusRevoked  Status = "revoked"
	// StatusExpired is never stored. An approved consent reads as expired
	// once its window has closed.
	StatusExpired Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

type ConsentType string

const (
	TypeDataAccess      ConsentType = "data_access"
	TypeSubscription    ConsentType = "subscription"
	TypeEmergencyAccess ConsentType = "emergency_access"
	TypeResearch        ConsentType = "research"
)

type PermissionLevel string

const (
	PermissionRead       PermissionLevel = "read"
	PermissionWrite      PermissionLevel = "write"
	PermissionFullAccess PermissionLevel = "full_access"
)

// Allows reports whether the level covers action. Any level covers reads;
// only full_access covers writes.
func (l PermissionLevel) Allows(action string) bool {
	switch action {
	case ActionWrite:
		return l == PermissionFullAccess
	case ActionRead, ActionReadSummary, ActionVerify:
		return l == PermissionRead || l == PermissionWrite || l == PermissionFullAccess
	}
	return false
}

// Record actions a consent can authorize.
const (
	ActionRead        = "read"
	ActionReadSummary = "read_summary"
	ActionVerify      = "verify"
	ActionWrite       = "write"
)

// DefaultValidity is the approval window when none is supplied.
const DefaultValidity = 365 * 24 * time.Hour

// ConsentRequest is a facility's request for access to a patient's records.
type ConsentRequest struct {
	ID              uuid.UUID       `json:"id"`
	PatientID       uuid.UUID       `json:"patientId"`
	RequestorID     *string         `json:"requestorId,omitempty"`
	RequestorName   string          `json:"requestorName"`
	RequestorEmail  string          `json:"requestorEmail"`
	FacilityName    string          `json:"facilityName"`
	ConsentType     ConsentType     `json:"consentType"`
	Purpose         string          `json:"purpose"`
	PermissionLevel PermissionLevel `json:"permissionLevel"`
	DataTypes       []string        `json:"dataTypes"`
	Status          Status          `json:"status"`
	ValidFrom       *time.Time      `json:"validFrom"`
	ValidTo         *time.Time      `json:"validTo"`
	BundleHash      *string         `json:"bundleHash"`
	AnchorRef       *string         `json:"anchorReference"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// EffectiveStatus applies lazy expiry to the stored status. Pending and
// approved requests read as expired once validTo has passed; denied and
// revoked keep their own terminal status.
func (c *ConsentRequest) EffectiveStatus(now time.Time) Status {
	switch c.Status {
	case StatusPending, StatusApproved:
		if c.ValidTo != nil && !now.Before(*c.ValidTo) {
			return StatusExpired
		}
	}
	return c.Status
}

// ActiveAt reports whether the consent is approved and inside its window.
func (c *ConsentRequest) ActiveAt(now time.Time) bool {
	if c.EffectiveStatus(now) != StatusApproved {
		return false
	}
	return c.ValidFrom == nil || !now.Before(*c.ValidFrom)
}

// CoversDataType reports whether recordType is in scope. An empty list
// covers every type.
func (c *ConsentRequest) CoversDataType(recordType string) bool {
	if len(c.DataTypes) == 0 {
		return true
	}
	for _, t := range c.DataTypes {
		if t == recordType {
			return true
		}
	}
	return false
}

// Action is a decision sent to PATCH /consents/:id/status. The trail
// records it as given, plus "requested" for creation.
type Action string

const (
	ActionRequested Action = "requested"
	ActionApproved  Action = "approved"
	ActionDenied    Action = "denied"
	ActionRevoked   Action = "revoked"
)

// Approval is one immutable row of a consent's trail.
type Approval struct {
	ID         uuid.UUID `json:"id"`
	ConsentID  uuid.UUID `json:"consentId"`
	Action     Action    `json:"action"`
	FromStatus *Status   `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Reason     string    `json:"reason,omitempty"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CreateInput struct {
	PatientID       *uuid.UUID      `json:"patientId"`
	RequestorName   string          `json:"requestorName"`
	RequestorEmail  string          `json:"requestorEmail"`
	FacilityName    string          `json:"facilityName"`
	ConsentType     ConsentType     `json:"consentType"`
	Purpose         string          `json:"purpose"`
	PermissionLevel PermissionLevel `json:"permissionLevel"`
	DataTypes       []string        `json:"dataTypes,omitempty"`
	ValidFrom       *time.Time      `json:"validFrom"`
	ValidTo         *time.Time      `json:"validTo"`
}

type TransitionInput struct {
	Action    Action     `json:"action"`
	Reason    string     `json:"reason"`
	ValidFrom *time.Time `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo"`
}

// Filter narrows consent listings. Empty fields match everything.
type Filter struct {
	Status      Status
	ConsentType ConsentType
}
