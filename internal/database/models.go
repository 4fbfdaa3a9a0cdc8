package database

import "time"

// Session is one logical terminal or chat session owned by a client
// connection. When a client supplied a temporary id, OriginalID records it.
// A terminal and a chat promoted from the same temporary id share one
// permanent id, so the key is (ID, Channel).
type Session struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	Channel    string    `gorm:"primaryKey;size:16" json:"channel"`
	OriginalID string    `gorm:"index" json:"original_id,omitempty"`
	ClientName string    `gorm:"index" json:"client_name"`
	WorkingDir string    `json:"working_dir,omitempty"`
	Status     string    `gorm:"not null;default:active;index" json:"status"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Session status values.
const (
	SessionActive = "active"
	SessionClosed = "closed"
	SessionStale  = "stale"
)

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
