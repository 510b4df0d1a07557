package record

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthshare/healthshare/internal/platform/db"
)

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *recordRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, fn)
}

const recCols = `id, patient_id, record_type, payload, confidentiality_level,
	content_hash, anchor_ref, version, created_at, updated_at`

func scanRecord(row pgx.Row) (*MedicalRecord, error) {
	var (
		rec   MedicalRecord
		raw   []byte
		level string
	)
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.RecordType, &raw, &level,
		&rec.ContentHash, &rec.AnchorRef, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan medical record: %w", err)
	}
	if err := json.Unmarshal(raw, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode medical record payload: %w", err)
	}
	rec.ConfidentialityLevel = ConfidentialityLevel(level)
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *MedicalRecord) error {
	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO medical_record (id, patient_id, record_type, payload, confidentiality_level,
			content_hash, anchor_ref, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.PatientID, rec.RecordType, raw, string(rec.ConfidentialityLevel),
		rec.ContentHash, rec.AnchorRef, rec.Version, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert medical record: %w", err)
	}
	return nil
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recCols+` FROM medical_record WHERE id = $1`, id))
}

func (r *recordRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recCols+` FROM medical_record WHERE id = $1 FOR UPDATE`, id))
}

func (r *recordRepoPG) Update(ctx context.Context, rec *MedicalRecord) error {
	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medical_record SET payload=$2, confidentiality_level=$3, content_hash=$4,
			anchor_ref=$5, version=$6, updated_at=$7
		WHERE id = $1 AND version = $6 - 1`,
		rec.ID, raw, string(rec.ConfidentialityLevel), rec.ContentHash, rec.AnchorRef,
		rec.Version, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update medical record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *recordRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicalRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM medical_record WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count medical records: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recCols+` FROM medical_record
		WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list medical records: %w", err)
	}
	defer rows.Close()

	var out []*MedicalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (r *recordRepoPG) GetMany(ctx context.Context, ids []uuid.UUID) ([]*MedicalRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recCols+` FROM medical_record
		WHERE id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("get medical records: %w", err)
	}
	defer rows.Close()

	var out []*MedicalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
