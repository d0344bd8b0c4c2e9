package subscription

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store implementation for tests and local
// development. All methods copy values in and out so callers never share
// state with the store.
type MemStore struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	byGrp  map[int64]uuid.UUID
	events []*Event
	abuse  []*AbuseRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		subs:  make(map[uuid.UUID]*Subscription),
		byGrp: make(map[int64]uuid.UUID),
	}
}

func cloneSub(s *Subscription) *Subscription {
	c := *s
	c.SubscriptionStart = cloneTime(s.SubscriptionStart)
	c.SubscriptionEnd = cloneTime(s.SubscriptionEnd)
	c.NextBillingDate = cloneTime(s.NextBillingDate)
	c.GracePeriodEnd = cloneTime(s.GracePeriodEnd)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (m *MemStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byGrp[sub.GroupID]; exists {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now

	m.subs[sub.ID] = cloneSub(sub)
	m.byGrp[sub.GroupID] = sub.ID
	return nil
}

func (m *MemStore) GetByGroupID(ctx context.Context, groupID int64) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byGrp[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSub(m.subs[id]), nil
}

func (m *MemStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSub(sub), nil
}

func (m *MemStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(sub)
}

func (m *MemStore) UpdateSubscriptionWithEvent(ctx context.Context, sub *Subscription, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateLocked(sub); err != nil {
		return err
	}
	m.appendLocked(event)
	return nil
}

func (m *MemStore) updateLocked(sub *Subscription) error {
	stored, ok := m.subs[sub.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != sub.Version {
		return ErrConflict
	}

	sub.Version++
	sub.UpdatedAt = time.Now().UTC()
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemStore) ListInBoundaryWindow(ctx context.Context, status Status, from, to time.Time) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Status != status {
			continue
		}
		boundary, ok := sub.Boundary()
		if !ok {
			continue
		}
		if !boundary.Before(from) && boundary.Before(to) {
			out = append(out, cloneSub(sub))
		}
	}
	return out, nil
}

func (m *MemStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(event)
	return nil
}

func (m *MemStore) appendLocked(event *Event) {
	e := *event
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, &e)
}

func (m *MemStore) HasEventSince(ctx context.Context, subID uuid.UUID, eventType EventType, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.events {
		if e.SubscriptionID == subID && e.Type == eventType && !e.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) HasActivationForPayment(ctx context.Context, subID, paymentID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Event data is small JSON; matching the quoted UUID is exact enough
	// because UUIDs do not collide with other field content.
	needle := []byte(`"` + paymentID.String() + `"`)
	for _, e := range m.events {
		if e.SubscriptionID != subID || e.Type != EventSubscriptionActivated {
			continue
		}
		if bytes.Contains(e.Data, needle) {
			return true, nil
		}
	}
	return false, nil
}

// Events returns a snapshot of the event log, for test assertions.
func (m *MemStore) Events() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemStore) EventsForSubscription(_ context.Context, subID uuid.UUID, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].SubscriptionID == subID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

// EventsOfType filters the log by subscription and type.
func (m *MemStore) EventsOfType(subID uuid.UUID, eventType EventType) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if e.SubscriptionID == subID && e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemStore) CreateAbuseRecord(ctx context.Context, rec *AbuseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()
	m.abuse = append(m.abuse, &r)
	return nil
}

func (m *MemStore) LatestAbuseByFingerprint(ctx context.Context, fp string) (*AbuseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *AbuseRecord
	for _, r := range m.abuse {
		if r.Fingerprint != fp {
			continue
		}
		if latest == nil || r.TrialStartedAt.After(latest.TrialStartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (m *MemStore) CountAbuseByCreator(ctx context.Context, creatorUserID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.abuse {
		if r.CreatorUserID == creatorUserID {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) FlagAbuseRecord(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.abuse {
		if r.ID == id {
			r.Flagged = true
			r.FlagReason = reason
			return nil
		}
	}
	return ErrNotFound
}
