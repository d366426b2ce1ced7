package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// migration 一次模式变更，按版本号严格递增执行
type migration struct {
	version    int
	statements []string
}

// migrations 全部模式迁移
// v1: 基础四表与索引
// v2: chunks 增加 text 列，词法索引直接从清单库重建，不再依赖向量库回读
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				doc_id TEXT PRIMARY KEY,
				path TEXT NOT NULL UNIQUE,
				mime_type TEXT NOT NULL,
				scope TEXT NOT NULL DEFAULT 'default',
				source_mtime INTEGER NOT NULL DEFAULT 0,
				file_hash TEXT NOT NULL DEFAULT '',
				metadata TEXT,
				ingested_at INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending'
			)`,
			`CREATE TABLE IF NOT EXISTS chunks (
				chunk_id TEXT PRIMARY KEY,
				doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
				chunk_index INTEGER NOT NULL,
				offset_start INTEGER NOT NULL DEFAULT 0,
				offset_end INTEGER NOT NULL DEFAULT 0,
				chunk_hash TEXT NOT NULL,
				token_count INTEGER NOT NULL DEFAULT 0,
				extractor TEXT NOT NULL DEFAULT '',
				extractor_version TEXT NOT NULL DEFAULT '',
				scope TEXT NOT NULL DEFAULT 'default',
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS embeddings (
				embedding_id TEXT PRIMARY KEY,
				chunk_id TEXT NOT NULL REFERENCES chunks(chunk_id) ON DELETE CASCADE,
				embedding_model TEXT NOT NULL,
				embedding_model_version TEXT NOT NULL DEFAULT '',
				embedded_at INTEGER NOT NULL,
				vector_ref TEXT NOT NULL DEFAULT '',
				UNIQUE(chunk_id, embedding_model, embedding_model_version)
			)`,
			`CREATE TABLE IF NOT EXISTS ingest_jobs (
				job_id TEXT PRIMARY KEY,
				started_at INTEGER NOT NULL,
				completed_at INTEGER,
				status TEXT NOT NULL DEFAULT 'running',
				docs_processed INTEGER NOT NULL DEFAULT 0,
				chunks_created INTEGER NOT NULL DEFAULT 0,
				embeddings_created INTEGER NOT NULL DEFAULT 0,
				error_message TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_scope ON documents(scope)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,
			`CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id)`,
			`CREATE INDEX IF NOT EXISTS idx_chunks_scope ON chunks(scope)`,
			`CREATE INDEX IF NOT EXISTS idx_embeddings_chunk ON embeddings(chunk_id)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`ALTER TABLE chunks ADD COLUMN text TEXT NOT NULL DEFAULT ''`,
		},
	},
}

// Migrate 应用未执行的迁移，每个版本只执行一次并记录在 schema_version 表
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// applyMigration 在单个事务内执行一次迁移并登记版本
func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		m.version, time.Now().Unix(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

// SchemaVersion 返回当前模式版本
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
