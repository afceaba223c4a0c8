package storage

import (
	"fmt"
	"log/slog"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/models"
)

const embeddedDataPath = "./db_data"

// DB wraps gorm.DB and keeps a handle on the embedded server when one was
// started for localhost development.
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
}

// Connect opens a PostgreSQL connection. With a localhost host and no
// password it boots an embedded server instead, so local development and
// tests need no external database.
func Connect(cfg common.DatabaseConfig, log *slog.Logger) (*DB, error) {
	var embedded *embeddedpostgres.EmbeddedPostgres

	isEmbedded := cfg.Host == "localhost" && cfg.Password == ""
	password := cfg.Password
	if isEmbedded {
		log.Info("starting embedded postgres", "port", cfg.Port, "data_path", embeddedDataPath)
		password = "billfold"
		embedded = embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
			Username(cfg.Username).
			Password(password).
			Database(cfg.Database).
			Port(uint32(cfg.Port)).
			DataPath(embeddedDataPath).
			StartTimeout(45 * time.Second))
		if err := embedded.Start(); err != nil {
			return nil, fmt.Errorf("start embedded postgres: %w", err)
		}
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, password, cfg.Database)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{DB: gdb, embedded: embedded}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("database ready", "host", cfg.Host, "database", cfg.Database, "embedded", isEmbedded)
	return db, nil
}

func (db *DB) migrate() error {
	if err := db.AutoMigrate(
		&models.ExpenseBatch{},
		&models.Receipt{},
		&models.Expense{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool and any embedded server.
func (db *DB) Close() {
	if sqlDB, err := db.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if db.embedded != nil {
		_ = db.embedded.Stop()
	}
}
