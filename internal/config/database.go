package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the Postgres connection, retrying with backoff while the
// database is still coming up.
func InitDB(cfg *Config, log *logrus.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if cfg.IsDev() {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var (
		db  *gorm.DB
		err error
	)
	for attempt := 1; attempt <= max(cfg.DBConnectRetries, 1); attempt++ {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		log.WithFields(logrus.Fields{"attempt": attempt, "retry_in": sleep.String()}).
			Warnf("failed to connect database: %v", err)
		time.Sleep(sleep)
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if sqlDB, derr := db.DB(); derr == nil {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
		log.Warnf("db connected but failed to install otelgorm plugin: %v", pluginErr)
	}
	log.Info("connected to database")
	return db, nil
}
