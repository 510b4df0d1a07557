package share

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthshare/healthshare/internal/platform/db"
)

// PGRevocationStore persists revocations in share_revocation. Rows are
// insert-only; a repeated revoke is a no-op.
type PGRevocationStore struct {
	pool *pgxpool.Pool
}

func NewPGRevocationStore(pool *pgxpool.Pool) *PGRevocationStore {
	return &PGRevocationStore{pool: pool}
}

func (s *PGRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO share_revocation (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}

func (s *PGRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM share_revocation WHERE jti = $1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return revoked, nil
}
