package journal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"consensus-room/internal/db"
)

// Store persists journal rows.
type Store interface {
	// StartSession inserts rec, or loads the existing row for the same room
	// and peer into rec.
	StartSession(ctx context.Context, rec *db.JournalSession) error
	AppendEvent(ctx context.Context, ev *db.JournalEvent) error
	EndSession(ctx context.Context, sessionID uint, reason string, at time.Time) error
}

// GormStore writes the journal to Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(conn *gorm.DB) *GormStore {
	return &GormStore{db: conn}
}

func (s *GormStore) StartSession(ctx context.Context, rec *db.JournalSession) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	var existing db.JournalSession
	if lookupErr := s.db.WithContext(ctx).
		Where("room_code = ? AND peer_id = ?", rec.RoomCode, rec.PeerID).
		First(&existing).Error; lookupErr != nil {
		return errors.Join(err, lookupErr)
	}
	*rec = existing
	return nil
}

func (s *GormStore) AppendEvent(ctx context.Context, ev *db.JournalEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

func (s *GormStore) EndSession(ctx context.Context, sessionID uint, reason string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&db.JournalSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{"end_reason": reason, "ended_at": at}).Error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
