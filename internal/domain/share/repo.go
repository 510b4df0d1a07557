package share

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrGrantNotFound = errors.New("share grant not found")

type GrantRepository interface {
	Create(ctx context.Context, g *Grant) error
	GetByID(ctx context.Context, jti uuid.UUID) (*Grant, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error)
	// MarkRevoked sets revoked_at once and returns the stored value, so a
	// repeated revoke reports the original time.
	MarkRevoked(ctx context.Context, jti uuid.UUID, at time.Time) (time.Time, error)
}
