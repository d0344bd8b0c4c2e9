package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by tests and local development. It
// honors the same uniqueness and optimistic-concurrency contracts as the
// Postgres store.
type MemStore struct {
	mu        sync.RWMutex
	byInvoice map[string]*Payment
	byID      map[uuid.UUID]*Payment
}

// NewMemStore returns an empty in-memory payment store.
func NewMemStore() *MemStore {
	return &MemStore{
		byInvoice: make(map[string]*Payment),
		byID:      make(map[uuid.UUID]*Payment),
	}
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	if p.RawPayload != nil {
		cp.RawPayload = append([]byte(nil), p.RawPayload...)
	}
	return &cp
}

func (m *MemStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byInvoice[p.InvoiceID]; ok {
		return ErrDuplicateInvoice
	}
	cp := clonePayment(p)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Version = 1
	m.byInvoice[cp.InvoiceID] = cp
	m.byID[cp.ID] = cp
	p.Version = cp.Version
	p.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemStore) GetByInvoiceID(_ context.Context, invoiceID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byInvoice[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *MemStore) GetBySubscriptionID(_ context.Context, subscriptionID uuid.UUID) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Payment
	for _, p := range m.byID {
		if p.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return clonePayment(latest), nil
}

func (m *MemStore) UpdatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrConflict
	}
	cp := clonePayment(p)
	cp.Version = cur.Version + 1
	m.byInvoice[cp.InvoiceID] = cp
	m.byID[cp.ID] = cp
	p.Version = cp.Version
	return nil
}
