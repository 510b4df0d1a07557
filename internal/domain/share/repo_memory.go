package share

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryGrantRepo struct {
	mu     sync.RWMutex
	grants map[uuid.UUID]*Grant
}

func NewMemoryGrantRepo() *MemoryGrantRepo {
	return &MemoryGrantRepo{grants: make(map[uuid.UUID]*Grant)}
}

func (m *MemoryGrantRepo) Create(_ context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.grants[g.TokenID] = &cp
	return nil
}

func (m *MemoryGrantRepo) GetByID(_ context.Context, jti uuid.UUID) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[jti]
	if !ok {
		return nil, ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryGrantRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Grant
	for _, g := range m.grants {
		if g.PatientID == patientID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	total := len(out)
	if offset >= total {
		return []*Grant{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *MemoryGrantRepo) MarkRevoked(_ context.Context, jti uuid.UUID, at time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[jti]
	if !ok {
		return time.Time{}, ErrGrantNotFound
	}
	if g.RevokedAt == nil {
		t := at
		g.RevokedAt = &t
	}
	return *g.RevokedAt, nil
}
