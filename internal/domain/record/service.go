package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/ledger"
)

// Service owns the record write path: every write recomputes the content
// hash and anchors it inside the same per-record critical section.
type Service struct {
	repo      Repository
	ledger    ledger.Ledger
	validator *PayloadValidator
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, l ledger.Ledger, validator *PayloadValidator, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		ledger:    l,
		validator: validator,
		logger:    logger.With().Str("component", "record").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*MedicalRecord, error) {
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patientId is required")
	}
	if in.ConfidentialityLevel == "" {
		in.ConfidentialityLevel = ConfidentialityNormal
	}
	if !in.ConfidentialityLevel.Valid() {
		return nil, apperr.Validation("confidentialityLevel %q is not supported", in.ConfidentialityLevel)
	}
	if err := s.validator.Validate(in.RecordType, in.ConfidentialityLevel, in.Payload); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationFailed, err, err.Error())
	}

	now := s.now()
	rec := &MedicalRecord{
		ID:                   uuid.New(),
		PatientID:            in.PatientID,
		RecordType:           in.RecordType,
		Payload:              in.Payload,
		ConfidentialityLevel: in.ConfidentialityLevel,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.seal(ctx, rec); err != nil {
			return err
		}
		return s.repo.Create(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("patient_id", rec.PatientID.String()).
		Bool("anchored", rec.AnchorRef != nil).
		Msg("record created")
	return rec, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*MedicalRecord, error) {
	var out *MedicalRecord
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return mapRepoErr(err)
		}
		if in.Version != 0 && in.Version != rec.Version {
			return apperr.Newf(apperr.CodeInvalidStateTransition,
				"record is at version %d, update was based on version %d", rec.Version, in.Version)
		}

		level := rec.ConfidentialityLevel
		if in.ConfidentialityLevel != "" {
			if !in.ConfidentialityLevel.Valid() {
				return apperr.Validation("confidentialityLevel %q is not supported", in.ConfidentialityLevel)
			}
			level = in.ConfidentialityLevel
		}
		if err := s.validator.Validate(rec.RecordType, level, in.Payload); err != nil {
			return apperr.Wrap(apperr.CodeValidationFailed, err, err.Error())
		}

		rec.Payload = in.Payload
		rec.ConfidentialityLevel = level
		rec.Version++
		rec.UpdatedAt = s.now()
		if err := s.seal(ctx, rec); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, rec); err != nil {
			return mapRepoErr(err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("record_id", out.ID.String()).
		Int("version", out.Version).
		Bool("anchored", out.AnchorRef != nil).
		Msg("record updated")
	return out, nil
}

// seal sets ContentHash and anchors it. A ledger outage leaves AnchorRef
// nil; the write still goes through and later verifies as unknown.
func (s *Service) seal(ctx context.Context, rec *MedicalRecord) error {
	h, err := ledger.Hash(rec.HashInput())
	if err != nil {
		return apperr.Wrap(apperr.CodeValidationFailed, err, "payload could not be hashed")
	}
	rec.ContentHash = h
	rec.AnchorRef = nil

	ref, err := s.ledger.Anchor(ctx, h)
	if err != nil {
		s.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("anchor failed, record stored unanchored")
		return nil
	}
	rec.AnchorRef = &ref
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return rec, nil
}

// GetMany returns the records that exist among ids.
func (s *Service) GetMany(ctx context.Context, ids []uuid.UUID) ([]*MedicalRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.repo.GetMany(ctx, ids)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicalRecord, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.CodeRecordNotFound, err, "medical record not found")
	case errors.Is(err, ErrVersionConflict):
		return apperr.Wrap(apperr.CodeInvalidStateTransition, err, "record was modified concurrently")
	default:
		return fmt.Errorf("record store: %w", err)
	}
}
