package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
// Atomic stages all writes and applies them only if the unit of work
// succeeds, so a failed transition leaves nothing behind.
type MemoryStore struct {
	mu               sync.Mutex
	txns             map[string]*Transaction
	holds            map[string]*Hold // by transaction ID
	deliverables     map[string][]*Deliverable
	reviews          map[string][]*Review
	sellerEarnings   []*SellerEarning
	platformEarnings []*PlatformEarning
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:         make(map[string]*Transaction),
		holds:        make(map[string]*Hold),
		deliverables: make(map[string][]*Deliverable),
		reviews:      make(map[string][]*Review),
	}
}

var _ Store = (*MemoryStore)(nil)

// memOps stages writes against the parent store.
type memOps struct {
	store            *MemoryStore
	txns             map[string]*Transaction
	holds            map[string]*Hold
	deliverables     []*Deliverable
	reviews          []*Review
	sellerEarnings   []*SellerEarning
	platformEarnings []*PlatformEarning
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(ops Ops) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ops := &memOps{
		store: m,
		txns:  make(map[string]*Transaction),
		holds: make(map[string]*Hold),
	}
	if err := fn(ops); err != nil {
		return err
	}

	// Commit staged writes.
	for id, t := range ops.txns {
		m.txns[id] = t
	}
	for id, h := range ops.holds {
		m.holds[id] = h
	}
	for _, d := range ops.deliverables {
		m.deliverables[d.TransactionID] = append(m.deliverables[d.TransactionID], d)
	}
	for _, r := range ops.reviews {
		m.reviews[r.TransactionID] = append(m.reviews[r.TransactionID], r)
	}
	m.sellerEarnings = append(m.sellerEarnings, ops.sellerEarnings...)
	m.platformEarnings = append(m.platformEarnings, ops.platformEarnings...)
	return nil
}

func (o *memOps) InsertTransaction(_ context.Context, t *Transaction) error {
	cp := *t
	o.txns[t.ID] = &cp
	return nil
}

func (o *memOps) GetTransactionForUpdate(_ context.Context, id string) (*Transaction, error) {
	if t, ok := o.txns[id]; ok {
		cp := *t
		return &cp, nil
	}
	t, ok := o.store.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (o *memOps) UpdateTransaction(_ context.Context, t *Transaction) error {
	if _, staged := o.txns[t.ID]; !staged {
		if _, ok := o.store.txns[t.ID]; !ok {
			return ErrNotFound
		}
	}
	cp := *t
	o.txns[t.ID] = &cp
	return nil
}

func (o *memOps) InsertHold(_ context.Context, h *Hold) error {
	cp := *h
	o.holds[h.TransactionID] = &cp
	return nil
}

func (o *memOps) GetHoldForUpdate(_ context.Context, transactionID string) (*Hold, error) {
	if h, ok := o.holds[transactionID]; ok {
		cp := *h
		return &cp, nil
	}
	h, ok := o.store.holds[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (o *memOps) UpdateHold(_ context.Context, h *Hold) error {
	if _, staged := o.holds[h.TransactionID]; !staged {
		if _, ok := o.store.holds[h.TransactionID]; !ok {
			return ErrNotFound
		}
	}
	cp := *h
	o.holds[h.TransactionID] = &cp
	return nil
}

func (o *memOps) InsertDeliverable(_ context.Context, d *Deliverable) error {
	cp := *d
	o.deliverables = append(o.deliverables, &cp)
	return nil
}

func (o *memOps) InsertReview(_ context.Context, r *Review) error {
	cp := *r
	o.reviews = append(o.reviews, &cp)
	return nil
}

func (o *memOps) InsertSellerEarning(_ context.Context, e *SellerEarning) error {
	cp := *e
	o.sellerEarnings = append(o.sellerEarnings, &cp)
	return nil
}

func (o *memOps) InsertPlatformEarning(_ context.Context, e *PlatformEarning) error {
	cp := *e
	o.platformEarnings = append(o.platformEarnings, &cp)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetHold(_ context.Context, transactionID string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) ListDeliverables(_ context.Context, transactionID string) ([]*Deliverable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Deliverable
	for _, d := range m.deliverables[transactionID] {
		cp := *d
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListReviews(_ context.Context, transactionID string) ([]*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Review
	for _, r := range m.reviews[transactionID] {
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.BuyerID == userID || t.SellerID == userID {
			cp := *t
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReviewExpired(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, t := range m.txns {
		if !AwaitingReview(t.Status) {
			continue
		}
		if t.ReviewExpiresAt != nil && t.ReviewExpiresAt.Before(before) {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListSellerEarnings(_ context.Context, sellerID, status string, limit int) ([]*SellerEarning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*SellerEarning
	for _, e := range m.sellerEarnings {
		if e.SellerID != sellerID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
