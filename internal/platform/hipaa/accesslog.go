// Package hipaa records every access decision over protected health data.
//
// The access log is append-only and hash-chained: each entry carries the
// hash of the entry before it, so deleting or editing a row breaks the
// chain. Writes are fail-closed: if an entry cannot be stored the caller
// must deny the access it was about to grant.
package hipaa

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthshare/healthshare/internal/platform/ledger"
)

type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// GenesisHash is the PrevHash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AccessLogEntry is one authorization decision.
type AccessLogEntry struct {
	ID             uuid.UUID  `json:"id"`
	TokenID        string     `json:"token_id,omitempty"`
	ConsentID      *uuid.UUID `json:"consent_id,omitempty"`
	AccessorID     string     `json:"accessor_id"`
	AccessorRole   string     `json:"accessor_role"`
	FacilityID     string     `json:"facility_id,omitempty"`
	Purpose        string     `json:"purpose,omitempty"`
	Action         string     `json:"action"`
	RecordID       *uuid.UUID `json:"record_id,omitempty"`
	PatientID      *uuid.UUID `json:"patient_id,omitempty"`
	Outcome        Outcome    `json:"outcome"`
	ReasonCode     string     `json:"reason_code,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	TamperDetected bool       `json:"tamper_detected"`
	Verification   string     `json:"verification"`
	AdminReview    bool       `json:"admin_review"`
	IPAddress      string     `json:"ip_address,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	PrevHash       string     `json:"prev_hash"`
	EntryHash      string     `json:"entry_hash"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Granted reports whether the entry records an allowed access.
func (e *AccessLogEntry) Granted() bool { return e.Outcome == OutcomeGranted }

// chainFields is the hashed view of an entry. EntryHash itself is excluded.
type chainFields struct {
	ID             string `json:"id"`
	TokenID        string `json:"token_id"`
	ConsentID      string `json:"consent_id"`
	AccessorID     string `json:"accessor_id"`
	AccessorRole   string `json:"accessor_role"`
	FacilityID     string `json:"facility_id"`
	Purpose        string `json:"purpose"`
	Action         string `json:"action"`
	RecordID       string `json:"record_id"`
	PatientID      string `json:"patient_id"`
	Outcome        string `json:"outcome"`
	ReasonCode     string `json:"reason_code"`
	TamperDetected bool   `json:"tamper_detected"`
	Verification   string `json:"verification"`
	AdminReview    bool   `json:"admin_review"`
	PrevHash       string `json:"prev_hash"`
	CreatedAt      string `json:"created_at"`
}

func optID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// chainTimeLayout hashes timestamps at the precision Postgres stores.
const chainTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// ComputeEntryHash returns the chain hash of e given its PrevHash.
func ComputeEntryHash(e *AccessLogEntry) (string, error) {
	return ledger.Hash(chainFields{
		ID:             e.ID.String(),
		TokenID:        e.TokenID,
		ConsentID:      optID(e.ConsentID),
		AccessorID:     e.AccessorID,
		AccessorRole:   e.AccessorRole,
		FacilityID:     e.FacilityID,
		Purpose:        e.Purpose,
		Action:         e.Action,
		RecordID:       optID(e.RecordID),
		PatientID:      optID(e.PatientID),
		Outcome:        string(e.Outcome),
		ReasonCode:     e.ReasonCode,
		TamperDetected: e.TamperDetected,
		Verification:   e.Verification,
		AdminReview:    e.AdminReview,
		PrevHash:       e.PrevHash,
		CreatedAt:      e.CreatedAt.UTC().Truncate(time.Microsecond).Format(chainTimeLayout),
	})
}

// seal links e to prev and fills in EntryHash.
func seal(e *AccessLogEntry, prev string) error {
	e.PrevHash = prev
	h, err := ComputeEntryHash(e)
	if err != nil {
		return fmt.Errorf("hash access log entry: %w", err)
	}
	e.EntryHash = h
	return nil
}

// VerifyChain checks entries given in write order. It returns the index of
// the first broken link, or -1 when the chain is intact.
func VerifyChain(entries []*AccessLogEntry) (int, error) {
	prev := ""
	for i, e := range entries {
		if i > 0 && e.PrevHash != prev {
			return i, nil
		}
		h, err := ComputeEntryHash(e)
		if err != nil {
			return i, err
		}
		if h != e.EntryHash {
			return i, nil
		}
		prev = e.EntryHash
	}
	return -1, nil
}
