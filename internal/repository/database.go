package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apk-analysis/apk-ensemble-go/internal/config"
	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// InitDB 初始化数据库连接并自动迁移
func InitDB(cfg *config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, log); err != nil {
		return nil, err
	}

	return db, nil
}

// Open 打开数据库连接，不做迁移
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	if cfg.Type == "mysql" {
		dialector = mysql.Open(cfg.DSN())
	} else {
		// SQLite (fallback)
		path := cfg.SQLitePath
		if path == "" {
			path = "./data/verdicts.db"
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 关闭 SQL 日志
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		PrepareStmt: true, // 预编译 SQL
	})
	if err != nil {
		return nil, err
	}

	if err := configurePool(db, cfg.Type); err != nil {
		return nil, err
	}
	return db, nil
}

// configurePool 设置连接池
func configurePool(db *gorm.DB, dbType string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if dbType != "mysql" {
		// SQLite 单写者，多连接只会带来 database is locked
		sqlDB.SetMaxOpenConns(1)
		return nil
	}

	sqlDB.SetMaxOpenConns(50)                  // 最大连接数
	sqlDB.SetMaxIdleConns(10)                  // 最大空闲连接
	sqlDB.SetConnMaxLifetime(time.Hour)        // 连接最长生命周期
	sqlDB.SetConnMaxIdleTime(10 * time.Minute) // 自动清理闲置连接
	return nil
}

// Migrate 自动迁移数据库表结构
func Migrate(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	if err := db.AutoMigrate(&domain.VerdictRecord{}); err != nil {
		return err
	}

	log.Info("Database migrations completed")
	return nil
}
