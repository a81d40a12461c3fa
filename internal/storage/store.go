package storage

import (
	"time"

	"github.com/malena-cloud/panelbot/internal/models"
)

var storeInstance Store

// SetStore sets the global store instance (call from main.go)
func SetStore(s Store) {
	storeInstance = s
}

// GetStore returns the global store instance
func GetStore() Store {
	return storeInstance
}

// Store defines the interface for storage operations
type Store interface {
	// Session operations
	GetSession(phone string) (*models.Session, error)
	UpsertSession(phone, token string, issuedAt time.Time) error
	DeleteSession(phone string) error
}
