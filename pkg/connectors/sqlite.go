// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package connectors

import (
	"context"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/rapidaai/recorder/pkg/commons"
)

// SqliteConnector hands out gorm handles to the service's local durable
// store. Recording summaries and the upload queue live here so they survive
// process restarts.
type SqliteConnector interface {
	DB(ctx context.Context) *gorm.DB
	Close() error
}

type sqliteConnector struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewSqliteConnector opens (creating if needed) the sqlite database at path
// and migrates the given models.
func NewSqliteConnector(path string, logger commons.Logger, models ...interface{}) (SqliteConnector, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database %s: %w", path, err)
	}
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, fmt.Errorf("unable to migrate schema: %w", err)
		}
	}
	logger.Infof("sqlite connector ready: path=%s", path)
	return &sqliteConnector{db: db, logger: logger}, nil
}

func (c *sqliteConnector) DB(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx)
}

func (c *sqliteConnector) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
