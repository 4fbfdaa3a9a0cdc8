package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/muxlink/muxlink/internal/config"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Session{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Session helpers

func CreateSession(s *Session) error {
	if s.LastSeenAt.IsZero() {
		s.LastSeenAt = time.Now()
	}
	return DB.Create(s).Error
}

func GetSession(id string) (*Session, error) {
	var s Session
	if err := DB.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func ListSessions(status string) ([]Session, error) {
	var sessions []Session
	q := DB.Order("created_at")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func TouchSession(id, channel string) error {
	return DB.Model(&Session{}).Where("id = ? AND channel = ?", id, channel).Update("last_seen_at", time.Now()).Error
}

func SetSessionStatus(id, channel, status string) error {
	return DB.Model(&Session{}).Where("id = ? AND channel = ?", id, channel).Update("status", status).Error
}

// MarkStaleSessions flags active sessions not seen since the cutoff and
// returns how many rows changed.
func MarkStaleSessions(cutoff time.Time) (int64, error) {
	res := DB.Model(&Session{}).
		Where("status = ? AND last_seen_at < ?", SessionActive, cutoff).
		Update("status", SessionStale)
	return res.RowsAffected, res.Error
}
