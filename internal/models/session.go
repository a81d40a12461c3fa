package models

import (
	"time"

	"gorm.io/gorm"
)

// Session stores the panel authorization for one WhatsApp number.
// At most one row per phone; re-authentication replaces it.
type Session struct {
	gorm.Model
	Phone    string    `json:"phone" gorm:"uniqueIndex;not null"`
	Token    string    `json:"token" gorm:"not null"`
	IssuedAt time.Time `json:"issued_at" gorm:"not null"`
}

// TokenCurrent reports whether the token is still inside its validity
// window at the given instant. Exactly at the boundary counts as expired.
func (s *Session) TokenCurrent(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.IssuedAt) < ttl
}
