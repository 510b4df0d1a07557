package consent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository. InTx holds one writer lock for
// all consents.
type MemoryRepo struct {
	mu        sync.RWMutex
	txMu      sync.Mutex
	consents  map[uuid.UUID]*ConsentRequest
	approvals map[uuid.UUID][]*Approval
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		consents:  make(map[uuid.UUID]*ConsentRequest),
		approvals: make(map[uuid.UUID][]*Approval),
	}
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

func clone(c *ConsentRequest) *ConsentRequest {
	cp := *c
	cp.DataTypes = append([]string(nil), c.DataTypes...)
	return &cp
}

func (m *MemoryRepo) Create(_ context.Context, c *ConsentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consents[c.ID] = clone(c)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*ConsentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryRepo) Update(_ context.Context, c *ConsentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.consents[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version-1 {
		return ErrVersionConflict
	}
	m.consents[c.ID] = clone(c)
	return nil
}

func (m *MemoryRepo) AppendApproval(_ context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.approvals[a.ConsentID] = append(m.approvals[a.ConsentID], &cp)
	return nil
}

func (m *MemoryRepo) ListApprovals(_ context.Context, consentID uuid.UUID) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Approval, 0, len(m.approvals[consentID]))
	for _, a := range m.approvals[consentID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func matchesFilter(c *ConsentRequest, f Filter, at time.Time) bool {
	if f.Status != "" && c.EffectiveStatus(at) != f.Status {
		return false
	}
	return f.ConsentType == "" || c.ConsentType == f.ConsentType
}

func (m *MemoryRepo) list(keep func(*ConsentRequest) bool, limit, offset int) ([]*ConsentRequest, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ConsentRequest
	for _, c := range m.consents {
		if keep(c) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return []*ConsentRequest{}, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return out[offset:end], total
}

func heldBy(c *ConsentRequest, requestorID, email string) bool {
	if requestorID != "" && c.RequestorID != nil && *c.RequestorID == requestorID {
		return true
	}
	return email != "" && strings.EqualFold(c.RequestorEmail, email)
}

func (m *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID, f Filter, at time.Time, limit, offset int) ([]*ConsentRequest, int, error) {
	out, total := m.list(func(c *ConsentRequest) bool {
		return c.PatientID == patientID && matchesFilter(c, f, at)
	}, limit, offset)
	return out, total, nil
}

func (m *MemoryRepo) ListByRequestor(_ context.Context, requestorID, email string, f Filter, at time.Time, limit, offset int) ([]*ConsentRequest, int, error) {
	out, total := m.list(func(c *ConsentRequest) bool {
		return heldBy(c, requestorID, email) && matchesFilter(c, f, at)
	}, limit, offset)
	return out, total, nil
}

func (m *MemoryRepo) ListActive(_ context.Context, q Match) ([]*ConsentRequest, error) {
	out, _ := m.list(func(c *ConsentRequest) bool {
		return c.PatientID == q.PatientID && heldBy(c, q.RequestorID, q.Email) && c.ActiveAt(q.At)
	}, 0, 0)
	return out, nil
}
