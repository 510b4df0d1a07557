package hipaa

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrStoreUnavailable is returned by MemoryStore while switched off.
var ErrStoreUnavailable = errors.New("access log store unavailable")

// MemoryStore is an in-process AccessLogStore for tests and development.
type MemoryStore struct {
	mu          sync.Mutex
	entries     []*AccessLogEntry
	unavailable bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetAvailable toggles simulated outages.
func (m *MemoryStore) SetAvailable(ok bool) {
	m.mu.Lock()
	m.unavailable = !ok
	m.mu.Unlock()
}

func (m *MemoryStore) Append(ctx context.Context, e *AccessLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrStoreUnavailable
	}

	prev := GenesisHash
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].EntryHash
	}
	if err := seal(e, prev); err != nil {
		return err
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error) {
	return m.filter(func(e *AccessLogEntry) bool {
		return e.PatientID != nil && *e.PatientID == patientID
	}, limit, offset)
}

func (m *MemoryStore) ListByToken(_ context.Context, tokenID string, limit, offset int) ([]*AccessLogEntry, int, error) {
	return m.filter(func(e *AccessLogEntry) bool { return e.TokenID == tokenID }, limit, offset)
}

func (m *MemoryStore) Chain(context.Context) ([]*AccessLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrStoreUnavailable
	}
	out := make([]*AccessLogEntry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Entries returns a copy of every entry in write order.
func (m *MemoryStore) Entries() []*AccessLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AccessLogEntry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

func (m *MemoryStore) filter(match func(*AccessLogEntry) bool, limit, offset int) ([]*AccessLogEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, 0, ErrStoreUnavailable
	}

	var matched []*AccessLogEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if match(m.entries[i]) {
			cp := *m.entries[i]
			matched = append(matched, &cp)
		}
	}
	total := len(matched)
	if offset >= total {
		return []*AccessLogEntry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
