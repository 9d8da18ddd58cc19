package db

import (
	"time"

	"gorm.io/datatypes"
)

// JournalSession is one peer's participation in one room.
type JournalSession struct {
	ID         uint           `gorm:"primaryKey"`
	RoomCode   string         `gorm:"size:12;not null;uniqueIndex:idx_journal_sessions_room_peer"`
	PeerID     string         `gorm:"size:64;not null;uniqueIndex:idx_journal_sessions_room_peer"`
	PlayerName string         `gorm:"size:64"`
	IsHost     bool           `gorm:"not null;default:false"`
	EndReason  string         `gorm:"size:32"`
	StartedAt  time.Time      `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
	Events     []JournalEvent `gorm:"foreignKey:SessionID"`
	EndedAt    *time.Time
}

type JournalEvent struct {
	ID        uint           `gorm:"primaryKey"`
	SessionID uint           `gorm:"index;not null"`
	Type      string         `gorm:"size:64;not null"`
	PeerID    string         `gorm:"size:64;index"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null"`
}
