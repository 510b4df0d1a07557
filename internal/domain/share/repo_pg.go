package share

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthshare/healthshare/internal/platform/db"
)

type grantRepoPG struct{ pool *pgxpool.Pool }

func NewGrantRepoPG(pool *pgxpool.Pool) GrantRepository {
	return &grantRepoPG{pool: pool}
}

const grantCols = `jti, patient_id, share_type, record_ids, actions, facility_id, payload_hash,
	anchor_ref, issued_at, expires_at, revoked_at`

func scanGrant(row pgx.Row) (*Grant, error) {
	var (
		g        Grant
		st       string
		facility *string
	)
	err := row.Scan(&g.TokenID, &g.PatientID, &st, &g.RecordIDs, &g.Actions, &facility,
		&g.PayloadHash, &g.AnchorRef, &g.IssuedAt, &g.ExpiresAt, &g.RevokedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("scan share grant: %w", err)
	}
	g.ShareType = ShareType(st)
	if facility != nil {
		g.FacilityID = *facility
	}
	return &g, nil
}

func (r *grantRepoPG) Create(ctx context.Context, g *Grant) error {
	var facility *string
	if g.FacilityID != "" {
		facility = &g.FacilityID
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO share_grant (`+grantCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		g.TokenID, g.PatientID, string(g.ShareType), g.RecordIDs, g.Actions, facility,
		g.PayloadHash, g.AnchorRef, g.IssuedAt, g.ExpiresAt, g.RevokedAt)
	if err != nil {
		return fmt.Errorf("insert share grant: %w", err)
	}
	return nil
}

func (r *grantRepoPG) GetByID(ctx context.Context, jti uuid.UUID) (*Grant, error) {
	return scanGrant(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+grantCols+` FROM share_grant WHERE jti = $1`, jti))
}

func (r *grantRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM share_grant WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count share grants: %w", err)
	}
	rows, err := q.Query(ctx, `SELECT `+grantCols+` FROM share_grant WHERE patient_id = $1
		ORDER BY issued_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list share grants: %w", err)
	}
	defer rows.Close()

	var out []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, g)
	}
	return out, total, rows.Err()
}

func (r *grantRepoPG) MarkRevoked(ctx context.Context, jti uuid.UUID, at time.Time) (time.Time, error) {
	var revokedAt time.Time
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE share_grant SET revoked_at = COALESCE(revoked_at, $2)
		WHERE jti = $1 RETURNING revoked_at`, jti, at).Scan(&revokedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return time.Time{}, ErrGrantNotFound
		}
		return time.Time{}, fmt.Errorf("revoke share grant: %w", err)
	}
	return revokedAt, nil
}
