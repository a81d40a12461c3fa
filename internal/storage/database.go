package storage

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/malena-cloud/panelbot/internal/models"
)

// DatabaseStore persists sessions in PostgreSQL via GORM
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a database-backed storage
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (d *DatabaseStore) GetSession(phone string) (*models.Session, error) {
	var session models.Session
	err := d.db.Where("phone = ?", phone).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (d *DatabaseStore) UpsertSession(phone, token string, issuedAt time.Time) error {
	session := models.Session{
		Phone:    phone,
		Token:    token,
		IssuedAt: issuedAt,
	}

	// INSERT ... ON CONFLICT (phone) DO UPDATE, so token and issued_at
	// are replaced in one statement.
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "issued_at", "updated_at"}),
	}).Create(&session).Error
}

func (d *DatabaseStore) DeleteSession(phone string) error {
	// Unscoped so a re-created session doesn't collide with a
	// soft-deleted row on the unique index.
	return d.db.Unscoped().Where("phone = ?", phone).Delete(&models.Session{}).Error
}
