package db

import (
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"time"

	"realtime-collab/internal/config"
	"realtime-collab/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm connects to the configured driver and migrates the schema.
// Postgres is the production store; sqlite serves local development.
func NewGorm(cfg *config.Config, log *zap.Logger) (*GormDB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := open(dialector, newGormLogger(zap.NewStdLog(log.Named("gorm"))))
	if err != nil {
		return nil, err
	}

	log.Info("database connected and migrated", zap.String("driver", cfg.DBDriver))
	return gdb, nil
}

// Open connects through dialector and migrates the schema
// Learning: Tests pass an in-memory sqlite dialector here
func Open(dialector gorm.Dialector) (*GormDB, error) {
	return open(dialector, newGormLogger(stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags)))
}

func open(dialector gorm.Dialector, gormLogger logger.Interface) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Learning: GORM creates/updates tables from the struct definitions
	if err := db.AutoMigrate(
		&models.ChangeRecord{},     // broadcast change log
		&models.DocumentSnapshot{}, // session_state content
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &GormDB{db}, nil
}

// newGormLogger reports slow queries and real errors only.
// A missing row is an expected answer for new sessions, not an error.
func newGormLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

func dialectorFor(cfg *config.Config) (gorm.Dialector, error) {
	switch cfg.DBDriver {
	case "postgres":
		return postgres.Open(cfg.DatabaseURL()), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		return sqlite.Open(cfg.SQLitePath), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
