package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("consent request not found")
	ErrVersionConflict = errors.New("consent request version conflict")
)

// Match selects approved, in-window consents held by a requestor.
type Match struct {
	RequestorID string
	Email       string
	PatientID   uuid.UUID
	At          time.Time
}

type Repository interface {
	// InTx serializes GetForUpdate and the writes that follow it per consent.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, c *ConsentRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*ConsentRequest, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*ConsentRequest, error)
	// Update persists c if the stored version equals c.Version-1.
	Update(ctx context.Context, c *ConsentRequest) error
	AppendApproval(ctx context.Context, a *Approval) error
	ListApprovals(ctx context.Context, consentID uuid.UUID) ([]*Approval, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, f Filter, at time.Time, limit, offset int) ([]*ConsentRequest, int, error)
	ListByRequestor(ctx context.Context, requestorID, email string, f Filter, at time.Time, limit, offset int) ([]*ConsentRequest, int, error)
	ListActive(ctx context.Context, m Match) ([]*ConsentRequest, error)
}
