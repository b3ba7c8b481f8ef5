package prescription

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	mu sync.Mutex
	p  *Prescription
}

// MemoryStore is an in-process Store. The map lock only guards membership;
// writes to a prescription serialize on that prescription's own mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*memEntry
	byShort map[string]string
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*memEntry),
		byShort: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Prescription) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; ok {
		return ErrIdentityCollision
	}
	if _, ok := s.byShort[p.ShortID]; ok {
		return ErrIdentityCollision
	}
	c := p.Clone()
	c.UpdatedAt = c.CreatedAt
	s.byID[p.ID] = &memEntry{p: c}
	s.byShort[p.ShortID] = p.ID
	return nil
}

func (s *MemoryStore) entry(id string) (*memEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Prescription, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone(), nil
}

func (s *MemoryStore) GetByShortID(ctx context.Context, shortID string) (*Prescription, error) {
	s.mu.RLock()
	id, ok := s.byShort[shortID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) UpdateVerification(_ context.Context, id string, expected Status, revision int, next Verification) (*Prescription, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur := e.p.Status(); cur != expected || e.p.Revision != revision {
		return nil, &InvalidTransitionError{Op: "update verification", Current: cur}
	}
	e.p.Verification = cloneVerification(next)
	e.p.Revision++
	e.p.UpdatedAt = s.now().UTC()
	return e.p.Clone(), nil
}

func (s *MemoryStore) RecordDispense(_ context.Context, id string, entry DispenseEntry) (*Prescription, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.p.CheckDispensable(entry.DispensedAt); err != nil {
		return nil, err
	}
	e.p.Used++
	e.p.DispenseLog = append(e.p.DispenseLog, entry)
	e.p.UpdatedAt = s.now().UTC()
	return e.p.Clone(), nil
}

func (s *MemoryStore) ListPendingForDoctor(_ context.Context, doctorID string) ([]*Prescription, error) {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*Prescription
	for _, e := range entries {
		e.mu.Lock()
		p := e.p
		if p.Status() == StatusPending && (p.DoctorID == doctorID || p.DoctorID == "") {
			out = append(out, p.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
