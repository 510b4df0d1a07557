package hipaa

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/platform/apperr"
)

// AccessLogStore persists access log entries. Append assigns PrevHash and
// EntryHash under the store's own serialization so concurrent writers
// produce a single linear chain.
type AccessLogStore interface {
	Append(ctx context.Context, e *AccessLogEntry) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error)
	ListByToken(ctx context.Context, tokenID string, limit, offset int) ([]*AccessLogEntry, int, error)
	Chain(ctx context.Context) ([]*AccessLogEntry, error)
}

// AuditLogger is the write side used by the access controller.
type AuditLogger struct {
	store   AccessLogStore
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAuditLogger creates an AuditLogger. A zero timeout defaults to 2s.
func NewAuditLogger(store AccessLogStore, timeout time.Duration, logger zerolog.Logger) *AuditLogger {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &AuditLogger{
		store:   store,
		timeout: timeout,
		logger:  logger.With().Str("component", "audit").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record appends e. Any failure, including a timeout, is returned as
// ErrAuditWriteFailed; callers must deny the access being recorded.
func (a *AuditLogger) Record(ctx context.Context, e *AccessLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now()
	}
	// created_at is a TIMESTAMPTZ column and keeps microseconds.
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	if e.Verification == "" {
		e.Verification = "not_checked"
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.store.Append(ctx, e); err != nil {
		a.logger.Error().Err(err).
			Str("accessor_id", e.AccessorID).
			Str("action", e.Action).
			Str("outcome", string(e.Outcome)).
			Msg("access log write failed")
		return apperr.Wrap(apperr.CodeAuditWriteFailed, err, "access could not be audited")
	}

	ev := a.logger.Info()
	if e.Outcome == OutcomeDenied {
		ev = a.logger.Warn()
	}
	ev.Str("entry_id", e.ID.String()).
		Str("accessor_id", e.AccessorID).
		Str("accessor_role", e.AccessorRole).
		Str("action", e.Action).
		Str("outcome", string(e.Outcome)).
		Str("reason_code", e.ReasonCode).
		Str("verification", e.Verification).
		Bool("admin_review", e.AdminReview).
		Msg("access recorded")
	return nil
}

// ListByPatient returns a page of entries concerning patientID, newest first.
func (a *AuditLogger) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error) {
	return a.store.ListByPatient(ctx, patientID, limit, offset)
}

// ListByToken returns a page of entries made with tokenID, newest first.
func (a *AuditLogger) ListByToken(ctx context.Context, tokenID string, limit, offset int) ([]*AccessLogEntry, int, error) {
	return a.store.ListByToken(ctx, tokenID, limit, offset)
}

// ErrChainBroken is returned by Verify when an entry does not link to its
// predecessor.
var ErrChainBroken = errors.New("access log chain broken")

// Verify walks the whole chain and reports the first broken entry.
func (a *AuditLogger) Verify(ctx context.Context) (int, error) {
	entries, err := a.store.Chain(ctx)
	if err != nil {
		return 0, err
	}
	idx, err := VerifyChain(entries)
	if err != nil {
		return idx, err
	}
	if idx >= 0 {
		return idx, ErrChainBroken
	}
	return len(entries), nil
}
