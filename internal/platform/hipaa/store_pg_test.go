package hipaa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/healthshare/healthshare/internal/platform/db"
	"github.com/healthshare/healthshare/internal/platform/ledger"
)

// execRecorder counts Exec calls; the other Querier methods are unused.
type execRecorder struct {
	execs int
	args  []any
}

func (r *execRecorder) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	r.execs++
	r.args = args
	return pgconn.CommandTag{}, nil
}

func (r *execRecorder) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (r *execRecorder) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

// recordTx stands in for the record transaction; only Exec, Commit and
// Rollback are reachable.
type recordTx struct {
	pgx.Tx
	execs int
}

func (t *recordTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	t.execs++
	return pgconn.CommandTag{}, nil
}

func (t *recordTx) Commit(context.Context) error   { return nil }
func (t *recordTx) Rollback(context.Context) error { return nil }

type txBeginner struct{ tx *recordTx }

func (b txBeginner) Begin(context.Context) (pgx.Tx, error) { return b.tx, nil }

func TestAnchorLog_WritesOutsideCallerTransaction(t *testing.T) {
	pool := &execRecorder{}
	tx := &recordTx{}
	anchors := NewAnchorLog(pool)
	ev := ledger.AnchorEvent{Ref: "mem-000001", Hash: "abc", AnchoredAt: time.Now().UTC()}

	err := db.InTx(context.Background(), txBeginner{tx: tx}, func(ctx context.Context) error {
		if db.TxFromContext(ctx) == nil {
			t.Fatal("expected a transaction on ctx")
		}
		if err := anchors.RecordAnchor(ctx, ev); err != nil {
			return err
		}
		return errors.New("record insert failed")
	})
	if err == nil {
		t.Fatal("expected the transaction body error")
	}
	if pool.execs != 1 || tx.execs != 0 {
		t.Fatalf("anchor insert went to pool=%d tx=%d, want pool only", pool.execs, tx.execs)
	}
	if pool.args[0] != ev.Ref || pool.args[1] != ev.Hash {
		t.Errorf("unexpected insert args %v", pool.args)
	}
}
