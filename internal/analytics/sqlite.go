package analytics

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// UsageRecord is the persisted form of an Event.
type UsageRecord struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       string `gorm:"index;size:128"`
	SessionID    string `gorm:"size:128"`
	VoiceID      string `gorm:"size:128"`
	Engine       string `gorm:"size:64"`
	Context      string `gorm:"size:64"`
	TextLength   int
	GenerationMS int64
	CacheHit     bool
	Streamed     bool
	Success      bool
	Error        string
	CreatedAt    time.Time `gorm:"index"`
}

// TableName names the usage table.
func (UsageRecord) TableName() string {
	return "tts_voice_usage"
}

// SQLiteSink stores events in SQLite through GORM.
type SQLiteSink struct {
	db *gorm.DB
}

// OpenSQLite opens dsn and migrates the usage table.
func OpenSQLite(dsn string) (*SQLiteSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: sqlite requires a dsn", ErrUnsupportedBackend)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics database: %w", err)
	}

	sink, err := NewSQLiteSink(db)
	if err != nil {
		closeDB(db)

		return nil, err
	}

	return sink, nil
}

// NewSQLiteSink wraps an open database handle and migrates the usage table.
func NewSQLiteSink(db *gorm.DB) (*SQLiteSink, error) {
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate analytics schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Record inserts an event.
func (s *SQLiteSink) Record(ctx context.Context, event Event) error {
	record := UsageRecord{
		UserID:       event.UserID,
		SessionID:    event.SessionID,
		VoiceID:      event.VoiceID,
		Engine:       event.Engine,
		Context:      event.Context,
		TextLength:   event.TextLength,
		GenerationMS: event.GenerationTime.Milliseconds(),
		CacheHit:     event.CacheHit,
		Streamed:     event.Streamed,
		Success:      event.Success,
		Error:        event.Error,
		CreatedAt:    event.At,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", event.UserID, err)
	}

	return nil
}

// UserSummary loads and aggregates every record of userID.
func (s *SQLiteSink) UserSummary(ctx context.Context, userID string) (Summary, error) {
	var records []UsageRecord

	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load usage for %s: %w", userID, err)
	}

	events := make([]Event, 0, len(records))
	for _, record := range records {
		events = append(events, Event{
			UserID:         record.UserID,
			SessionID:      record.SessionID,
			VoiceID:        record.VoiceID,
			Engine:         record.Engine,
			Context:        record.Context,
			TextLength:     record.TextLength,
			GenerationTime: time.Duration(record.GenerationMS) * time.Millisecond,
			CacheHit:       record.CacheHit,
			Streamed:       record.Streamed,
			Success:        record.Success,
			Error:          record.Error,
			At:             record.CreatedAt,
		})
	}

	return Summarize(userID, events), nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access analytics database: %w", err)
	}

	return sqlDB.Close()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
