// Package storage persists game state that outlives a round: cumulative
// player scores per group and per-day play counts for rate limiting.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const DefaultDBFile = "songgame.sqlite3"
const errDBClientNil = "db client is nil"

type DBClient struct {
	DB *gorm.DB
	db *sql.DB

	// now is swappable so tests can pin the day boundary.
	now func() time.Time
}

// PlayerScore is the cumulative score of one player within one group.
type PlayerScore struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"uniqueIndex:idx_player_unique,priority:1" json:"user_id"`
	GroupID   string `gorm:"uniqueIndex:idx_player_unique,priority:2;index:idx_group" json:"group_id"`
	Score     int    `json:"score"`
	UpdatedAt time.Time
}

// DailyPlay counts rounds started by one player in one group on one day.
type DailyPlay struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	UserID  string `gorm:"uniqueIndex:idx_play_unique,priority:1"`
	GroupID string `gorm:"uniqueIndex:idx_play_unique,priority:2"`
	Day     string `gorm:"uniqueIndex:idx_play_unique,priority:3;type:varchar(10)"`
	Count   int
}

func NewDBClient() (*DBClient, error) {
	dbPath := os.Getenv("GAME_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewDBClientWithPath(dbPath)
}

func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil && !os.IsExist(err) {
		if filepath.Dir(dbPath) != "." {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&PlayerScore{}, &DailyPlay{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB, now: time.Now}, nil
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *DBClient) today() string {
	return c.now().Format("2006-01-02")
}

// AddScore credits delta points to the player and returns the new total.
func (c *DBClient) AddScore(userID, groupID string, delta int) (int, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}

	var total int
	err := c.DB.Transaction(func(tx *gorm.DB) error {
		var row PlayerScore
		err := tx.Where("user_id = ? AND group_id = ?", userID, groupID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = PlayerScore{UserID: userID, GroupID: groupID, Score: delta}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("creating score row: %w", err)
			}
			total = row.Score
			return nil
		}
		if err != nil {
			return fmt.Errorf("querying score: %w", err)
		}
		row.Score += delta
		if err := tx.Model(&row).Update("score", row.Score).Error; err != nil {
			return fmt.Errorf("updating score: %w", err)
		}
		total = row.Score
		return nil
	})
	return total, err
}

// Score returns the player's cumulative score, zero if never played.
func (c *DBClient) Score(userID, groupID string) (int, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var row PlayerScore
	err := c.DB.Where("user_id = ? AND group_id = ?", userID, groupID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying score: %w", err)
	}
	return row.Score, nil
}

// TopScores returns the group leaderboard, highest score first.
func (c *DBClient) TopScores(groupID string, limit int) ([]PlayerScore, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	if limit <= 0 {
		limit = 10
	}
	var rows []PlayerScore
	err := c.DB.Where("group_id = ?", groupID).
		Order("score DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	return rows, nil
}

// PlaysToday returns how many rounds the player has started today. The count
// rolls over naturally at midnight because rows are keyed by day.
func (c *DBClient) PlaysToday(userID, groupID string) (int, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var row DailyPlay
	err := c.DB.Where("user_id = ? AND group_id = ? AND day = ?", userID, groupID, c.today()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying daily plays: %w", err)
	}
	return row.Count, nil
}

// ConsumePlay atomically increments today's play count if it is still under
// the limit. It reports whether the play was granted. A limit of zero or less
// means unlimited.
func (c *DBClient) ConsumePlay(userID, groupID string, limit int) (bool, error) {
	if c == nil || c.DB == nil {
		return false, errors.New(errDBClientNil)
	}

	granted := false
	err := c.DB.Transaction(func(tx *gorm.DB) error {
		var row DailyPlay
		err := tx.Where("user_id = ? AND group_id = ? AND day = ?", userID, groupID, c.today()).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = DailyPlay{UserID: userID, GroupID: groupID, Day: c.today(), Count: 1}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("creating daily play row: %w", err)
			}
			// the first play of the day is always under any limit
			granted = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("querying daily plays: %w", err)
		}
		if limit > 0 && row.Count >= limit {
			return nil
		}
		if err := tx.Model(&row).Update("count", row.Count+1).Error; err != nil {
			return fmt.Errorf("updating daily plays: %w", err)
		}
		granted = true
		return nil
	})
	return granted, err
}
