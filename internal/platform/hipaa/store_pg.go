package hipaa

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthshare/healthshare/internal/platform/db"
	"github.com/healthshare/healthshare/internal/platform/ledger"
)

// accessLogLock is the advisory lock key that serializes chain appends.
const accessLogLock = 7_341_002

const accessLogCols = `id, token_id, consent_id, accessor_id, accessor_role, facility_id, purpose,
	action, record_id, patient_id, outcome, reason_code, reason, tamper_detected, verification,
	admin_review, ip_address, user_agent, prev_hash, entry_hash, created_at`

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Append(ctx context.Context, e *AccessLogEntry) error {
	return db.InTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, s.pool)
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, accessLogLock); err != nil {
			return fmt.Errorf("lock access log: %w", err)
		}

		prev := GenesisHash
		err := q.QueryRow(ctx, `SELECT entry_hash FROM access_log ORDER BY seq DESC LIMIT 1`).Scan(&prev)
		if err != nil && !db.IsNoRows(err) {
			return fmt.Errorf("read chain tip: %w", err)
		}
		if err := seal(e, prev); err != nil {
			return err
		}

		_, err = q.Exec(ctx, `
			INSERT INTO access_log (`+accessLogCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			e.ID, nullStr(e.TokenID), e.ConsentID, e.AccessorID, e.AccessorRole,
			nullStr(e.FacilityID), nullStr(e.Purpose), e.Action, e.RecordID, e.PatientID,
			string(e.Outcome), nullStr(e.ReasonCode), nullStr(e.Reason), e.TamperDetected,
			e.Verification, e.AdminReview, nullStr(e.IPAddress), nullStr(e.UserAgent),
			e.PrevHash, e.EntryHash, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert access log entry: %w", err)
		}
		return nil
	})
}

func (s *PGStore) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error) {
	return s.list(ctx, "patient_id = $1", patientID, limit, offset)
}

func (s *PGStore) ListByToken(ctx context.Context, tokenID string, limit, offset int) ([]*AccessLogEntry, int, error) {
	return s.list(ctx, "token_id = $1", tokenID, limit, offset)
}

func (s *PGStore) list(ctx context.Context, where string, arg any, limit, offset int) ([]*AccessLogEntry, int, error) {
	q := db.Conn(ctx, s.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM access_log WHERE `+where, arg).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count access log: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+accessLogCols+` FROM access_log WHERE `+where+`
		ORDER BY seq DESC LIMIT $2 OFFSET $3`, arg, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list access log: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *PGStore) Chain(ctx context.Context) ([]*AccessLogEntry, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `SELECT `+accessLogCols+` FROM access_log ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("read access log chain: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*AccessLogEntry, error) {
	var entries []*AccessLogEntry
	for rows.Next() {
		var (
			e                                                    AccessLogEntry
			tokenID, facility, purpose, code, reason, ip, agent *string
			outcome                                              string
		)
		if err := rows.Scan(&e.ID, &tokenID, &e.ConsentID, &e.AccessorID, &e.AccessorRole,
			&facility, &purpose, &e.Action, &e.RecordID, &e.PatientID, &outcome, &code, &reason,
			&e.TamperDetected, &e.Verification, &e.AdminReview, &ip, &agent,
			&e.PrevHash, &e.EntryHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan access log entry: %w", err)
		}
		e.TokenID = deref(tokenID)
		e.FacilityID = deref(facility)
		e.Purpose = deref(purpose)
		e.ReasonCode = deref(code)
		e.Reason = deref(reason)
		e.IPAddress = deref(ip)
		e.UserAgent = deref(agent)
		e.Outcome = Outcome(outcome)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// AnchorLog records ledger anchors in the anchor_log table.
type AnchorLog struct {
	pool db.Querier
}

// NewAnchorLog takes the pool itself, not a transaction: an anchor exists
// on the ledger whether or not the caller's transaction commits.
func NewAnchorLog(pool db.Querier) *AnchorLog {
	return &AnchorLog{pool: pool}
}

// RecordAnchor implements ledger.AnchorRecorder. It ignores any transaction
// carried on ctx.
func (l *AnchorLog) RecordAnchor(ctx context.Context, ev ledger.AnchorEvent) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO anchor_log (anchor_ref, hash, anchored_at) VALUES ($1, $2, $3)`,
		ev.Ref, ev.Hash, ev.AnchoredAt)
	if err != nil {
		return fmt.Errorf("insert anchor log: %w", err)
	}
	return nil
}
