package backup

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// backupEntry is the on-disk row of one violation.
type backupEntry struct {
	Seq        uint   `gorm:"primaryKey;autoIncrement"`
	AttemptID  string `gorm:"size:64;not null;uniqueIndex:idx_backup_attempt_event;index"`
	EventID    string `gorm:"size:64;not null;uniqueIndex:idx_backup_attempt_event"`
	Type       string `gorm:"size:32;not null"`
	OccurredAt time.Time
	Details    string
	DurationMs *int64
	UserAgent  string
	PageURL    string
	Counted    bool
	Delivered  bool `gorm:"not null;default:false"`
}

func (backupEntry) TableName() string { return "violation_backup" }

func (e backupEntry) log() model.ViolationLog {
	return model.ViolationLog{
		ID:         e.EventID,
		Type:       model.ViolationType(e.Type),
		Timestamp:  e.OccurredAt.UTC(),
		Details:    e.Details,
		DurationMs: e.DurationMs,
		ClientContext: model.ClientContext{
			UserAgent: e.UserAgent,
			PageURL:   e.PageURL,
		},
		Counted:   e.Counted,
		Delivered: e.Delivered,
	}
}

// SQLiteStore is the default durable store: a single sqlite file on the exam machine.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) the backup database at dsn.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("backup: open sqlite: %w", err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing gorm handle and migrates the backup table.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&backupEntry{}); err != nil {
		return nil, fmt.Errorf("backup: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, attemptID string, v model.ViolationLog) error {
	row := backupEntry{
		AttemptID:  attemptID,
		EventID:    v.ID,
		Type:       string(v.Type),
		OccurredAt: v.Timestamp,
		Details:    v.Details,
		DurationMs: v.DurationMs,
		UserAgent:  v.ClientContext.UserAgent,
		PageURL:    v.ClientContext.PageURL,
		Counted:    v.Counted,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("backup: append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, attemptID string) ([]model.ViolationLog, error) {
	var rows []backupEntry
	err := s.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("backup: load: %w", err)
	}
	out := make([]model.ViolationLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.log())
	}
	return out, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, attemptID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&backupEntry{}).
		Where("attempt_id = ? AND event_id IN ?", attemptID, ids).
		Update("delivered", true).Error
	if err != nil {
		return fmt.Errorf("backup: mark delivered: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, attemptID string) error {
	err := s.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Delete(&backupEntry{}).Error
	if err != nil {
		return fmt.Errorf("backup: clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
