// Package integrity detects out-of-band edits to stored records by
// comparing a fresh content hash with the hash anchored at write time.
package integrity

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/platform/ledger"
)

type Status string

const (
	StatusValid    Status = "valid"
	StatusTampered Status = "tampered"
	StatusUnknown  Status = "unknown"
)

// Subject is anything whose content is anchored on the ledger.
type Subject interface {
	HashInput() any
	StoredHash() string
	AnchorReference() string
}

// Result is the outcome of one verification. IsValid is nil when the
// outcome is unknown.
type Result struct {
	Status             Status    `json:"status"`
	IsValid            *bool     `json:"isValid"`
	TamperDetected     bool      `json:"tamperDetected"`
	CurrentHash        string    `json:"currentHash"`
	AnchoredHash       string    `json:"anchoredHash,omitempty"`
	StoredHashMismatch bool      `json:"storedHashMismatch"`
	VerifiedAt         time.Time `json:"verifiedAt"`
	Reason             string    `json:"reason,omitempty"`
}

// Unknown reports whether the ledger could not give an answer.
func (r Result) Unknown() bool { return r.Status == StatusUnknown }

type Verifier struct {
	ledger ledger.Ledger
	logger zerolog.Logger
	now    func() time.Time
}

func NewVerifier(l ledger.Ledger, logger zerolog.Logger) *Verifier {
	return &Verifier{
		ledger: l,
		logger: logger.With().Str("component", "integrity").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Verify never writes. Tampering is only reported after the anchored hash
// was actually retrieved; every other failure yields StatusUnknown.
func (v *Verifier) Verify(ctx context.Context, s Subject) Result {
	res := Result{Status: StatusUnknown, VerifiedAt: v.now()}

	current, err := ledger.Hash(s.HashInput())
	if err != nil {
		res.Reason = "content could not be hashed"
		v.logger.Error().Err(err).Msg("hash subject")
		return res
	}
	res.CurrentHash = current
	res.StoredHashMismatch = s.StoredHash() != "" && s.StoredHash() != current

	ref := s.AnchorReference()
	if ref == "" {
		res.Reason = "record has no anchor reference"
		return res
	}

	anchored, err := v.ledger.Retrieve(ctx, ref)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrAnchorNotFound):
		res.Reason = "anchor reference not found on ledger"
		v.logger.Warn().Str("anchor_ref", ref).Msg("anchor not found")
		return res
	default:
		res.Reason = "verification unavailable"
		v.logger.Warn().Err(err).Str("anchor_ref", ref).Msg("ledger retrieve failed")
		return res
	}

	res.AnchoredHash = anchored
	valid := anchored == current
	res.IsValid = &valid
	if valid {
		res.Status = StatusValid
		return res
	}
	res.Status = StatusTampered
	res.TamperDetected = true
	v.logger.Warn().
		Str("anchor_ref", ref).
		Str("current_hash", current).
		Str("anchored_hash", anchored).
		Msg("tamper detected")
	return res
}
