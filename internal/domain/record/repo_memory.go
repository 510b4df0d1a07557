package record

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository. InTx holds a single writer lock,
// which is coarser than row locks but gives the same per-record ordering.
type MemoryRepo struct {
	mu      sync.RWMutex
	txMu    sync.Mutex
	records map[uuid.UUID]*MedicalRecord
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[uuid.UUID]*MedicalRecord)}
}

type memTxKey struct{}

func (m *MemoryRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(context.WithValue(ctx, memTxKey{}, true))
}

func (m *MemoryRepo) Create(_ context.Context, r *MedicalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = clone(r)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*MedicalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryRepo) Update(_ context.Context, r *MedicalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version-1 {
		return ErrVersionConflict
	}
	m.records[r.ID] = clone(r)
	return nil
}

func (m *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*MedicalRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*MedicalRecord
	for _, r := range m.records {
		if r.PatientID == patientID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return []*MedicalRecord{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *MemoryRepo) GetMany(_ context.Context, ids []uuid.UUID) ([]*MedicalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*MedicalRecord
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// Overwrite stores r as given, bypassing hashing and anchoring. It models
// an edit made directly in the database.
func (m *MemoryRepo) Overwrite(r *MedicalRecord) {
	m.mu.Lock()
	m.records[r.ID] = clone(r)
	m.mu.Unlock()
}

// clone deep-copies the payload through JSON so callers never share maps
// with the store.
func clone(r *MedicalRecord) *MedicalRecord {
	cp := *r
	if r.Payload != nil {
		raw, _ := json.Marshal(r.Payload)
		cp.Payload = nil
		_ = json.Unmarshal(raw, &cp.Payload)
	}
	if r.AnchorRef != nil {
		ref := *r.AnchorRef
		cp.AnchorRef = &ref
	}
	return &cp
}
