package record

import (
	"time"

	"github.com/google/uuid"
)

type ConfidentialityLevel string

const (
	ConfidentialityNormal       ConfidentialityLevel = "normal"
	ConfidentialityRestricted   ConfidentialityLevel = "restricted"
	ConfidentialityConfidential ConfidentialityLevel = "confidential"
)

func (l ConfidentialityLevel) Valid() bool {
	switch l {
	case ConfidentialityNormal, ConfidentialityRestricted, ConfidentialityConfidential:
		return true
	}
	return false
}

// MedicalRecord is one clinical record owned by a patient. ContentHash is
// recomputed and re-anchored on every write; AnchorRef is nil when the
// ledger was unavailable at write time.
type MedicalRecord struct {
	ID                   uuid.UUID            `json:"id"`
	PatientID            uuid.UUID            `json:"patientId"`
	RecordType           string               `json:"recordType"`
	Payload              map[string]any       `json:"payload"`
	ConfidentialityLevel ConfidentialityLevel `json:"confidentialityLevel"`
	ContentHash          string               `json:"contentHash"`
	AnchorRef            *string              `json:"anchorReference"`
	Version              int                  `json:"version"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// content is the hashed view of a record. Identity, owner, category and
// payload are bound together so moving a payload between records or
// patients is detected.
type content struct {
	ID                   string         `json:"id"`
	PatientID            string         `json:"patientId"`
	RecordType           string         `json:"recordType"`
	ConfidentialityLevel string         `json:"confidentialityLevel"`
	Payload              map[string]any `json:"payload"`
}

// HashInput implements integrity.Subject.
func (r *MedicalRecord) HashInput() any {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return content{
		ID:                   r.ID.String(),
		PatientID:            r.PatientID.String(),
		RecordType:           r.RecordType,
		ConfidentialityLevel: string(r.ConfidentialityLevel),
		Payload:              payload,
	}
}

// StoredHash implements integrity.Subject.
func (r *MedicalRecord) StoredHash() string { return r.ContentHash }

// AnchorReference implements integrity.Subject.
func (r *MedicalRecord) AnchorReference() string {
	if r.AnchorRef == nil {
		return ""
	}
	return *r.AnchorRef
}

// summaryFields are the payload keys released under a summary share.
var summaryFields = []string{"diagnoses", "medications", "allergies"}

// Summary returns a copy of r whose payload holds only summary fields.
func (r *MedicalRecord) Summary() *MedicalRecord {
	cp := *r
	cp.Payload = make(map[string]any, len(summaryFields))
	for _, k := range summaryFields {
		if v, ok := r.Payload[k]; ok {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// CreateInput is the body of POST /medical-records.
type CreateInput struct {
	PatientID            uuid.UUID            `json:"patientId"`
	RecordType           string               `json:"recordType"`
	ConfidentialityLevel ConfidentialityLevel `json:"confidentialityLevel"`
	Payload              map[string]any       `json:"payload"`
}

// UpdateInput is the body of PUT /medical-records/:id. A non-zero Version
// must match the stored version.
type UpdateInput struct {
	Payload              map[string]any       `json:"payload"`
	ConfidentialityLevel ConfidentialityLevel `json:"confidentialityLevel,omitempty"`
	Version              int                  `json:"version,omitempty"`
}
