package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryLedger keeps anchors in process memory. It backs tests and
// development mode and can simulate an outage with SetAvailable(false).
type MemoryLedger struct {
	mu        sync.RWMutex
	anchors   map[string]string
	seq       int
	available bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{anchors: make(map[string]string), available: true}
}

func (m *MemoryLedger) Anchor(ctx context.Context, hash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return "", unavailable(errors.New("memory ledger offline"))
	}
	m.seq++
	ref := fmt.Sprintf("mem-%06d", m.seq)
	m.anchors[ref] = hash
	return ref, nil
}

func (m *MemoryLedger) Retrieve(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.available {
		return "", unavailable(errors.New("memory ledger offline"))
	}
	hash, ok := m.anchors[ref]
	if !ok {
		return "", ErrAnchorNotFound
	}
	return hash, nil
}

// SetAvailable toggles the simulated outage.
func (m *MemoryLedger) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

// Len returns the number of anchors stored.
func (m *MemoryLedger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.anchors)
}
