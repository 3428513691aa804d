package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskloom/loom/execution"
)

// checkpointRecord is the persisted row; the snapshot travels as an
// opaque JSON payload so schema churn in Snapshot never needs a
// migration.
type checkpointRecord struct {
	ID        uint   `gorm:"primarykey"`
	TaskID    string `gorm:"uniqueIndex;size:64"`
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (checkpointRecord) TableName() string { return "checkpoints" }

// SQLiteStore persists snapshots in a local SQLite database. Suitable
// for single-node deployments that must survive restarts.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates
// the checkpoint table.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *execution.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	record := checkpointRecord{TaskID: snap.TaskID, Payload: payload}

	err = s.db.WithContext(ctx).
		Where(checkpointRecord{TaskID: snap.TaskID}).
		Assign(map[string]any{"payload": payload}).
		FirstOrCreate(&record).Error
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadLatest(ctx context.Context, taskID string) (*execution.Snapshot, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("updated_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var snap execution.Snapshot
	if err := json.Unmarshal(record.Payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Delete(&checkpointRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
