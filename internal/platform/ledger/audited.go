package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// AnchorEvent describes one successful anchor call.
type AnchorEvent struct {
	Ref        string
	Hash       string
	AnchoredAt time.Time
}

// AnchorRecorder persists anchor events. It is separate from the access
// log: anchoring is audited even when no record access is involved.
type AnchorRecorder interface {
	RecordAnchor(ctx context.Context, ev AnchorEvent) error
}

type audited struct {
	inner    Ledger
	logger   zerolog.Logger
	recorder AnchorRecorder
}

// NewAudited logs every successful anchor and, when recorder is non-nil,
// persists it. A recorder failure is logged but does not undo the anchor.
func NewAudited(inner Ledger, logger zerolog.Logger, recorder AnchorRecorder) Ledger {
	return &audited{inner: inner, logger: logger.With().Str("component", "ledger").Logger(), recorder: recorder}
}

func (a *audited) Anchor(ctx context.Context, hash string) (string, error) {
	ref, err := a.inner.Anchor(ctx, hash)
	if err != nil {
		a.logger.Warn().Err(err).Str("hash", hash).Msg("anchor failed")
		return "", err
	}

	ev := AnchorEvent{Ref: ref, Hash: hash, AnchoredAt: time.Now().UTC()}
	a.logger.Info().Str("anchor_ref", ref).Str("hash", hash).Msg("hash anchored")
	if a.recorder != nil {
		// The anchor is already on the ledger; record it even if the caller
		// has given up or its transaction rolls back.
		if err := a.recorder.RecordAnchor(context.WithoutCancel(ctx), ev); err != nil {
			a.logger.Error().Err(err).Str("anchor_ref", ref).Msg("record anchor event")
		}
	}
	return ref, nil
}

func (a *audited) Retrieve(ctx context.Context, ref string) (string, error) {
	return a.inner.Retrieve(ctx, ref)
}

type timeoutLedger struct {
	inner   Ledger
	timeout time.Duration
}

// WithTimeout bounds every call to inner. A call that runs past the timeout
// fails with apperr.ErrLedgerUnavailable.
func WithTimeout(inner Ledger, timeout time.Duration) Ledger {
	if timeout <= 0 {
		return inner
	}
	return &timeoutLedger{inner: inner, timeout: timeout}
}

func (t *timeoutLedger) Anchor(ctx context.Context, hash string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ref, err := t.inner.Anchor(ctx, hash)
	return ref, t.mapErr(ctx, err)
}

func (t *timeoutLedger) Retrieve(ctx context.Context, ref string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	hash, err := t.inner.Retrieve(ctx, ref)
	return hash, t.mapErr(ctx, err)
}

func (t *timeoutLedger) mapErr(ctx context.Context, err error) error {
	if err == nil || IsUnavailable(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return unavailable(err)
	}
	return err
}
