package storage

import (
	"sync"
	"time"

	"github.com/malena-cloud/panelbot/internal/models"
)

// MemoryStore holds sessions in memory, for tests and local development
type MemoryStore struct {
	sessions map[string]*models.Session
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
	}
}

func (m *MemoryStore) GetSession(phone string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[phone]
	if !exists {
		return nil, nil
	}

	// Return a copy so callers can't mutate the stored row.
	copied := *session
	return &copied, nil
}

func (m *MemoryStore) UpsertSession(phone, token string, issuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.sessions[phone]; exists {
		existing.Token = token
		existing.IssuedAt = issuedAt
		existing.UpdatedAt = time.Now()
		return nil
	}

	now := time.Now()
	session := &models.Session{
		Phone:    phone,
		Token:    token,
		IssuedAt: issuedAt,
	}
	session.CreatedAt = now
	session.UpdatedAt = now

	m.sessions[phone] = session
	return nil
}

func (m *MemoryStore) DeleteSession(phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, phone)
	return nil
}
