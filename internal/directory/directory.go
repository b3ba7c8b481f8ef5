// Package directory resolves patient and doctor identities for the engine.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
)

// UserRef is what the engine needs to know about a registered user.
type UserRef struct {
	ID     string            `json:"id"`
	Role   prescription.Role `json:"role"`
	Name   string            `json:"name,omitempty"`
	Email  string            `json:"email,omitempty"`
	Mobile string            `json:"mobile,omitempty"`
}

// Actor returns the reference used for notification addressing.
func (u UserRef) Actor() prescription.ActorRef {
	return prescription.ActorRef{ID: u.ID, Role: u.Role}
}

// Directory looks users up by id, email or mobile number.
//
// Find returns prescription.ErrNotFound when nobody matches and
// prescription.ErrUpstreamUnavailable when the lookup itself failed.
type Directory interface {
	Find(ctx context.Context, identifier string) (UserRef, error)
	Doctors(ctx context.Context, limit int) ([]UserRef, error)
}

// NormalizeIdentifier is applied to every lookup key.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Memory is an in-process Directory for tests and local runs.
type Memory struct {
	mu    sync.RWMutex
	users map[string]UserRef
	keys  map[string]string
}

// NewMemory creates a directory seeded with users.
func NewMemory(users ...UserRef) *Memory {
	m := &Memory{
		users: make(map[string]UserRef),
		keys:  make(map[string]string),
	}
	for _, u := range users {
		m.Add(u)
	}
	return m
}

// Add registers u under its id, email and mobile.
func (m *Memory) Add(u UserRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	for _, k := range []string{u.ID, u.Email, u.Mobile} {
		if k = NormalizeIdentifier(k); k != "" {
			m.keys[k] = u.ID
		}
	}
}

func (m *Memory) Find(_ context.Context, identifier string) (UserRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[NormalizeIdentifier(identifier)]
	if !ok {
		return UserRef{}, prescription.ErrNotFound
	}
	return m.users[id], nil
}

func (m *Memory) Doctors(_ context.Context, limit int) ([]UserRef, error) {
	m.mu.RLock()
	var out []UserRef
	for _, u := range m.users {
		if u.Role == prescription.RoleDoctor {
			out = append(out, u)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
