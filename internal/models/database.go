package models

import (
	"fmt"

	"github.com/huangang/statbatch/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB(cfg *config.DatabaseConfig) error {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	logMode := logger.Warn
	if cfg.Debug {
		logMode = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logMode),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	DB = db
	return nil
}

// AutoMigrate creates or updates every table the batch platform owns.
func AutoMigrate() error {
	return Migrate(DB)
}

// Migrate runs the schema migration against the given connection.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&BatchLock{},
		&BatchJobExecution{},
		&BatchStepExecution{},
		&BatchJobLog{},
		&BatchStepLog{},
		&UserActivity{},
		&DailyStat{},
		&WeeklyStat{},
		&MonthlyStat{},
	)
}

func GetDB() *gorm.DB {
	return DB
}
