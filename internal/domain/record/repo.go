package record

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("medical record not found")

// ErrVersionConflict is returned when an update races another writer.
var ErrVersionConflict = errors.New("medical record version conflict")

type Repository interface {
	// InTx runs fn so that reads with GetForUpdate and the following writes
	// are serialized per record.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, r *MedicalRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	// Update persists r if the stored version equals r.Version-1.
	Update(ctx context.Context, r *MedicalRecord) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicalRecord, int, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*MedicalRecord, error)
}
