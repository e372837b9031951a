package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51842207

// KVRecordModel is one collection blob in the SQL medium.
type KVRecordModel struct {
	Key       string         `gorm:"column:record_key;primaryKey"`
	Value     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (KVRecordModel) TableName() string { return "kv_records" }

// SQLMedium keeps collection blobs in a single key/value table.
type SQLMedium struct {
	db *gorm.DB
}

// NewPostgresMedium opens a Postgres database and migrates the kv table
// under an advisory lock so concurrent starts do not race.
func NewPostgresMedium(dsn string) (*SQLMedium, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(&KVRecordModel{})
	}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &SQLMedium{db: db}, nil
}

// NewSQLiteMedium opens (or creates) a sqlite file.
func NewSQLiteMedium(path string) (*SQLMedium, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&KVRecordModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &SQLMedium{db: db}, nil
}

func (m *SQLMedium) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var rec KVRecordModel
	err := m.db.WithContext(ctx).Where("record_key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(rec.Value), true, nil
}

func (m *SQLMedium) Put(ctx context.Context, key string, value []byte) error {
	rec := KVRecordModel{Key: key, Value: datatypes.JSON(value), UpdatedAt: time.Now().UTC()}
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
}

func (m *SQLMedium) Delete(ctx context.Context, key string) error {
	return m.db.WithContext(ctx).Where("record_key = ?", key).Delete(&KVRecordModel{}).Error
}

// Close releases the connection pool.
func (m *SQLMedium) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}
