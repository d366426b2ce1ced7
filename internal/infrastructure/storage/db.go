package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/knowdex/backend/internal/infrastructure/config"
)

// GetDBPath 获取清单库路径
// Windows: %USERPROFILE%\.knowdex\manifest.db
// macOS/Linux: ~/.knowdex/manifest.db
func GetDBPath() string {
	return filepath.Join(config.GetDataDir(), "manifest.db")
}

// OpenDB 打开清单库连接
// 内存模式下固定单连接：每个新连接看到的内存库都是空的，
// 连接池换连接会直接丢表
func OpenDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	var dsn string
	if cfg != nil && cfg.InMemory {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		dbPath := GetDBPath()
		if cfg != nil && cfg.Path != "" {
			dbPath = cfg.Path
		}

		// 确保目录存在
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}

		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg != nil && cfg.InMemory {
		db.SetMaxOpenConns(1)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
