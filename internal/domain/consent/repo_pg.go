package consent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthshare/healthshare/internal/platform/db"
)

type consentRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &consentRepoPG{pool: pool}
}

func (r *consentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *consentRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, fn)
}

const consentCols = `id, patient_id, requestor_id, requestor_name, requestor_email, facility_name,
	consent_type, purpose, permission_level, data_types, status, valid_from, valid_to,
	bundle_hash, anchor_ref, version, created_at, updated_at`

func scanConsent(row pgx.Row) (*ConsentRequest, error) {
	var c ConsentRequest
	var consentType, level, status string
	err := row.Scan(&c.ID, &c.PatientID, &c.RequestorID, &c.RequestorName, &c.RequestorEmail,
		&c.FacilityName, &consentType, &c.Purpose, &level, &c.DataTypes, &status,
		&c.ValidFrom, &c.ValidTo, &c.BundleHash, &c.AnchorRef, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan consent request: %w", err)
	}
	c.ConsentType = ConsentType(consentType)
	c.PermissionLevel = PermissionLevel(level)
	c.Status = Status(status)
	return &c, nil
}

func (r *consentRepoPG) Create(ctx context.Context, c *ConsentRequest) error {
	dataTypes := c.DataTypes
	if dataTypes == nil {
		dataTypes = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_request (id, patient_id, requestor_id, requestor_name, requestor_email,
			facility_name, consent_type, purpose, permission_level, data_types, status,
			valid_from, valid_to, bundle_hash, anchor_ref, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		c.ID, c.PatientID, c.RequestorID, c.RequestorName, c.RequestorEmail, c.FacilityName,
		string(c.ConsentType), c.Purpose, string(c.PermissionLevel), dataTypes, string(c.Status),
		c.ValidFrom, c.ValidTo, c.BundleHash, c.AnchorRef, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert consent request: %w", err)
	}
	return nil
}

func (r *consentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	return scanConsent(r.conn(ctx).QueryRow(ctx, `SELECT `+consentCols+` FROM consent_request WHERE id = $1`, id))
}

func (r *consentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	return scanConsent(r.conn(ctx).QueryRow(ctx, `SELECT `+consentCols+` FROM consent_request WHERE id = $1 FOR UPDATE`, id))
}

func (r *consentRepoPG) Update(ctx context.Context, c *ConsentRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_request SET status=$2, valid_from=$3, valid_to=$4, bundle_hash=$5,
			anchor_ref=$6, version=$7, updated_at=$8
		WHERE id = $1 AND version = $7 - 1`,
		c.ID, string(c.Status), c.ValidFrom, c.ValidTo, c.BundleHash, c.AnchorRef, c.Version, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update consent request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *consentRepoPG) AppendApproval(ctx context.Context, a *Approval) error {
	var from *string
	if a.FromStatus != nil {
		s := string(*a.FromStatus)
		from = &s
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_approval (id, consent_id, action, from_status, to_status, reason,
			actor_id, actor_role, ip_address, user_agent, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,NULLIF($9,''),NULLIF($10,''),$11)`,
		a.ID, a.ConsentID, string(a.Action), from, string(a.ToStatus), a.Reason,
		a.ActorID, a.ActorRole, a.IPAddress, a.UserAgent, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert consent approval: %w", err)
	}
	return nil
}

func (r *consentRepoPG) ListApprovals(ctx context.Context, consentID uuid.UUID) ([]*Approval, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, consent_id, action, from_status, to_status, COALESCE(reason,''), actor_id,
			actor_role, COALESCE(ip_address,''), COALESCE(user_agent,''), created_at
		FROM consent_approval WHERE consent_id = $1 ORDER BY created_at, id`, consentID)
	if err != nil {
		return nil, fmt.Errorf("list consent approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		var (
			a          Approval
			action, to string
			from       *string
		)
		if err := rows.Scan(&a.ID, &a.ConsentID, &action, &from, &to, &a.Reason, &a.ActorID,
			&a.ActorRole, &a.IPAddress, &a.UserAgent, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consent approval: %w", err)
		}
		a.Action = Action(action)
		a.ToStatus = Status(to)
		if from != nil {
			s := Status(*from)
			a.FromStatus = &s
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// filterSQL appends status and type predicates. Expiry is evaluated at at,
// so approved and expired split on valid_to.
func filterSQL(where []string, args []any, f Filter, at time.Time) ([]string, []any) {
	switch f.Status {
	case "":
	case StatusPending, StatusApproved:
		args = append(args, string(f.Status), at)
		where = append(where, fmt.Sprintf("status = $%d AND (valid_to IS NULL OR valid_to > $%d)", len(args)-1, len(args)))
	case StatusExpired:
		args = append(args, at)
		where = append(where, fmt.Sprintf("status IN ('pending', 'approved') AND valid_to <= $%d", len(args)))
	default:
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ConsentType != "" {
		args = append(args, string(f.ConsentType))
		where = append(where, fmt.Sprintf("consent_type = $%d", len(args)))
	}
	return where, args
}

func (r *consentRepoPG) list(ctx context.Context, where []string, args []any, limit, offset int) ([]*ConsentRequest, int, error) {
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consent_request WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consent requests: %w", err)
	}

	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM consent_request WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		consentCols, clause, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list consent requests: %w", err)
	}
	defer rows.Close()

	var out []*ConsentRequest
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *consentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f Filter, at time.Time, limit, offset int) ([]*ConsentRequest, int, error) {
	where, args := filterSQL([]string{"patient_id = $1"}, []any{patientID}, f, at)
	return r.list(ctx, where, args, limit, offset)
}

func (r *consentRepoPG) ListByRequestor(ctx context.Context, requestorID, email string, f Filter, at time.Time, limit, offset int) ([]*ConsentRequest, int, error) {
	where, args := filterSQL([]string{"(requestor_id = $1 OR lower(requestor_email) = lower($2))"},
		[]any{requestorID, email}, f, at)
	return r.list(ctx, where, args, limit, offset)
}

func (r *consentRepoPG) ListActive(ctx context.Context, m Match) ([]*ConsentRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+consentCols+` FROM consent_request
		WHERE patient_id = $1 AND status = 'approved'
		  AND (requestor_id = $2 OR lower(requestor_email) = lower($3))
		  AND (valid_from IS NULL OR valid_from <= $4)
		  AND (valid_to IS NULL OR valid_to > $4)
		ORDER BY updated_at DESC`, m.PatientID, m.RequestorID, m.Email, m.At)
	if err != nil {
		return nil, fmt.Errorf("list active consents: %w", err)
	}
	defer rows.Close()

	var out []*ConsentRequest
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
