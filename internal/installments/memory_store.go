package installments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory installment store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Installment // installment ID -> row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Installment)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreatePlan(ctx context.Context, rows []*Installment) error {
	if len(rows) == 0 {
		return ErrInvalidPlan
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txnID := rows[0].TransactionID
	for _, existing := range m.rows {
		if existing.TransactionID == txnID {
			return ErrPlanExists
		}
	}
	for _, r := range rows {
		cp := *r
		m.rows[r.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, inst *Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[inst.ID]; !ok {
		return ErrNotFound
	}
	cp := *inst
	m.rows[inst.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Installment
	for _, inst := range m.rows {
		if inst.TransactionID == transactionID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *MemoryStore) ListDuePending(ctx context.Context, before time.Time, limit int) ([]*Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Installment
	for _, inst := range m.rows {
		if inst.Status == StatusPending && inst.DueDate.Before(before) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DueDate.Before(out[j].DueDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
