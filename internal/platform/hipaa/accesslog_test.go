package hipaa

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/platform/apperr"
)

func newEntry(patient uuid.UUID, outcome Outcome) *AccessLogEntry {
	return &AccessLogEntry{
		AccessorID:   "dr-1",
		AccessorRole: "doctor",
		Action:       "read",
		PatientID:    &patient,
		Outcome:      outcome,
	}
}

func TestAuditLogger_RecordChainsEntries(t *testing.T) {
	store := NewMemoryStore()
	audit := NewAuditLogger(store, time.Second, zerolog.Nop())
	patient := uuid.New()

	for i := 0; i < 5; i++ {
		if err := audit.Record(context.Background(), newEntry(patient, OutcomeGranted)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	entries := store.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != GenesisHash {
		t.Errorf("first entry prev hash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Errorf("entry %d does not link to its predecessor", i)
		}
	}
	if entries[0].Verification != "not_checked" {
		t.Errorf("default verification = %q", entries[0].Verification)
	}

	n, err := audit.Verify(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("Verify() = %d, %v", n, err)
	}
}

func TestAuditLogger_RecordFailureIsAuditWriteFailed(t *testing.T) {
	store := NewMemoryStore()
	store.SetAvailable(false)
	audit := NewAuditLogger(store, time.Second, zerolog.Nop())

	err := audit.Record(context.Background(), newEntry(uuid.New(), OutcomeGranted))
	if !errors.Is(err, apperr.ErrAuditWriteFailed) {
		t.Fatalf("expected AuditWriteFailed, got %v", err)
	}
	if len(store.Entries()) != 0 {
		t.Error("no entry should be stored during an outage")
	}
}

type slowStore struct{ MemoryStore }

func (s *slowStore) Append(ctx context.Context, e *AccessLogEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestAuditLogger_RecordTimesOut(t *testing.T) {
	audit := NewAuditLogger(&slowStore{}, 10*time.Millisecond, zerolog.Nop())

	start := time.Now()
	err := audit.Record(context.Background(), newEntry(uuid.New(), OutcomeDenied))
	if apperr.CodeOf(err) != apperr.CodeAuditWriteFailed {
		t.Fatalf("expected AUDIT_WRITE_FAILED, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("record did not honour its timeout")
	}
}

func TestVerifyChain_DetectsEdit(t *testing.T) {
	store := NewMemoryStore()
	audit := NewAuditLogger(store, time.Second, zerolog.Nop())
	patient := uuid.New()
	for i := 0; i < 3; i++ {
		_ = audit.Record(context.Background(), newEntry(patient, OutcomeGranted))
	}

	entries := store.Entries()
	entries[1].Outcome = OutcomeDenied

	idx, err := VerifyChain(entries)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Errorf("expected break at 1, got %d", idx)
	}
}

func TestVerifyChain_DetectsDeletion(t *testing.T) {
	store := NewMemoryStore()
	audit := NewAuditLogger(store, time.Second, zerolog.Nop())
	for i := 0; i < 3; i++ {
		_ = audit.Record(context.Background(), newEntry(uuid.New(), OutcomeGranted))
	}

	entries := store.Entries()
	entries = append(entries[:1], entries[2:]...)

	if idx, _ := VerifyChain(entries); idx != 1 {
		t.Errorf("expected break at 1, got %d", idx)
	}
}

func TestAuditLogger_ConcurrentRecordsFormOneChain(t *testing.T) {
	store := NewMemoryStore()
	audit := NewAuditLogger(store, time.Second, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = audit.Record(context.Background(), newEntry(uuid.New(), OutcomeGranted))
		}()
	}
	wg.Wait()

	entries := store.Entries()
	if len(entries) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(entries))
	}
	if idx, err := VerifyChain(entries); idx != -1 || err != nil {
		t.Errorf("VerifyChain() = %d, %v", idx, err)
	}
}

func TestMemoryStore_ListByPatientAndToken(t *testing.T) {
	store := NewMemoryStore()
	audit := NewAuditLogger(store, time.Second, zerolog.Nop())
	patient := uuid.New()

	for i := 0; i < 4; i++ {
		e := newEntry(patient, OutcomeGranted)
		e.TokenID = "tok-a"
		_ = audit.Record(context.Background(), e)
	}
	_ = audit.Record(context.Background(), newEntry(uuid.New(), OutcomeDenied))

	page, total, err := audit.ListByPatient(context.Background(), patient, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(page) != 3 {
		t.Errorf("page = %d of %d, want 3 of 4", len(page), total)
	}
	if !page[0].CreatedAt.After(page[2].CreatedAt) && !page[0].CreatedAt.Equal(page[2].CreatedAt) {
		t.Error("expected newest first")
	}

	page, total, _ = audit.ListByToken(context.Background(), "tok-a", 10, 3)
	if total != 4 || len(page) != 1 {
		t.Errorf("page = %d of %d, want 1 of 4", len(page), total)
	}

	page, _, _ = audit.ListByToken(context.Background(), "tok-a", 10, 10)
	if len(page) != 0 {
		t.Errorf("offset past end returned %d entries", len(page))
	}
}

func TestVerifyChain_SurvivesMicrosecondStorage(t *testing.T) {
	store := NewMemoryStore()
	audit := NewAuditLogger(store, time.Second, zerolog.Nop())
	audit.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 15, 832200197, time.UTC) }
	patient := uuid.New()

	for i := 0; i < 2; i++ {
		if err := audit.Record(context.Background(), newEntry(patient, OutcomeGranted)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	entries := store.Entries()
	for _, e := range entries {
		if e.CreatedAt.Nanosecond()%1000 != 0 {
			t.Errorf("created_at %s carries sub-microsecond precision", e.CreatedAt.Format(time.RFC3339Nano))
		}
		// Round trip through a TIMESTAMPTZ column.
		e.CreatedAt = e.CreatedAt.Truncate(time.Microsecond)
	}
	if idx, err := VerifyChain(entries); err != nil || idx != -1 {
		t.Fatalf("chain broken after storage round trip at %d: %v", idx, err)
	}

	// An entry stamped by the caller is normalised too.
	e := newEntry(patient, OutcomeGranted)
	e.CreatedAt = time.Date(2026, 3, 4, 5, 7, 0, 123456789, time.UTC)
	if err := audit.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := e.CreatedAt.Nanosecond(); got != 123456000 {
		t.Errorf("created_at nanos = %d, want 123456000", got)
	}
}
