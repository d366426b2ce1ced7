package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
)

// SQLite 约束扩展错误码
const (
	sqliteConstraint           = 19
	sqliteConstraintForeignKey = 787
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// 确保 ManifestImpl 实现了 domainRAG.Manifest 接口
var _ domainRAG.Manifest = (*ManifestImpl)(nil)

// ManifestImpl 清单库实现，所有写入都在单个事务内完成
type ManifestImpl struct {
	db *sql.DB
}

// NewManifest 创建清单库实例并应用模式迁移
func NewManifest(db *sql.DB) (*ManifestImpl, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &ManifestImpl{db: db}, nil
}

// classifyErr 将 SQLite 约束错误转换为完整性错误，其余原样返回
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqliteConstraintUnique, sqliteConstraintPrimaryKey:
			return &domainRAG.ManifestIntegrityError{Constraint: "unique", Err: err}
		case sqliteConstraintForeignKey:
			return &domainRAG.ManifestIntegrityError{Constraint: "foreign_key", Err: err}
		case sqliteConstraint:
			return &domainRAG.ManifestIntegrityError{Constraint: "constraint", Err: err}
		}
	}
	return err
}

// AddDocument 登记文档，path 重复时返回完整性错误
func (m *ManifestImpl) AddDocument(doc *domainRAG.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now()
	}
	if doc.Status == "" {
		doc.Status = domainRAG.DocStatusPending
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal document metadata: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO documents (doc_id, path, mime_type, scope, source_mtime, file_hash, metadata, ingested_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Path, doc.MimeType, doc.Scope, doc.SourceMtime,
		doc.FileHash, string(metadataJSON), doc.IngestedAt.Unix(), string(doc.Status),
	)
	if err != nil {
		return classifyErr(err)
	}

	return tx.Commit()
}

// GetDocument 按 ID 查询文档
func (m *ManifestImpl) GetDocument(docID string) (*domainRAG.Document, error) {
	row := m.db.QueryRow(`
		SELECT doc_id, path, mime_type, scope, source_mtime, file_hash, metadata, ingested_at, status
		FROM documents WHERE doc_id = ?`, docID)
	return scanDocument(row)
}

// GetDocumentByPath 按路径查询文档
func (m *ManifestImpl) GetDocumentByPath(path string) (*domainRAG.Document, error) {
	row := m.db.QueryRow(`
		SELECT doc_id, path, mime_type, scope, source_mtime, file_hash, metadata, ingested_at, status
		FROM documents WHERE path = ?`, path)
	return scanDocument(row)
}

// UpdateDocumentStatus 更新文档状态
func (m *ManifestImpl) UpdateDocumentStatus(docID string, status domainRAG.DocumentStatus) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE documents SET status = ? WHERE doc_id = ?`, string(status), docID)
	if err != nil {
		return classifyErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domainRAG.ErrDocumentNotFound
	}

	return tx.Commit()
}

// MarkDocumentStale 将已摄取文档原子地标记为过期
// 文档不存在返回 ErrDocumentNotFound，状态不是 ingested 时不做任何事
func (m *ManifestImpl) MarkDocumentStale(docID string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE documents SET status = ? WHERE doc_id = ? AND status = ?`,
		string(domainRAG.DocStatusStale), docID, string(domainRAG.DocStatusIngested))
	if err != nil {
		return classifyErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM documents WHERE doc_id = ?`, docID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return domainRAG.ErrDocumentNotFound
		}
	}

	return tx.Commit()
}

// ListDocuments 列出文档，scope/status 为空表示不过滤
func (m *ManifestImpl) ListDocuments(scope, status string) ([]*domainRAG.Document, error) {
	query := `
		SELECT doc_id, path, mime_type, scope, source_mtime, file_hash, metadata, ingested_at, status
		FROM documents WHERE 1=1`
	var args []any
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, scope)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY ingested_at DESC`

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domainRAG.Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument 级联删除文档及其块与向量登记
func (m *ManifestImpl) DeleteDocument(docID string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM documents WHERE doc_id = ?`, docID)
	if err != nil {
		return classifyErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domainRAG.ErrDocumentNotFound
	}

	return tx.Commit()
}

// AddChunks 批量保存块，单事务写入
func (m *ManifestImpl) AddChunks(chunks []*domainRAG.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (chunk_id, doc_id, chunk_index, offset_start, offset_end,
			chunk_hash, token_count, extractor, extractor_version, scope, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.NewString()
		}
		if chunk.CreatedAt.IsZero() {
			chunk.CreatedAt = time.Now()
		}
		if _, err := stmt.Exec(
			chunk.ID, chunk.DocumentID, chunk.ChunkIndex, chunk.OffsetStart, chunk.OffsetEnd,
			chunk.ChunkHash, chunk.TokenCount, chunk.Extractor, chunk.ExtractorVer,
			chunk.Scope, chunk.Text, chunk.CreatedAt.Unix(),
		); err != nil {
			return classifyErr(err)
		}
	}

	return tx.Commit()
}

// GetChunk 按 ID 查询块
func (m *ManifestImpl) GetChunk(chunkID string) (*domainRAG.Chunk, error) {
	row := m.db.QueryRow(`
		SELECT chunk_id, doc_id, chunk_index, offset_start, offset_end,
			chunk_hash, token_count, extractor, extractor_version, scope, text, created_at
		FROM chunks WHERE chunk_id = ?`, chunkID)

	chunk, err := scanChunkRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainRAG.ErrChunkNotFound
	}
	return chunk, err
}

// GetChunksForDocument 查询文档的全部块，按 chunk_index 排序
func (m *ManifestImpl) GetChunksForDocument(docID string) ([]*domainRAG.Chunk, error) {
	rows, err := m.db.Query(`
		SELECT chunk_id, doc_id, chunk_index, offset_start, offset_end,
			chunk_hash, token_count, extractor, extractor_version, scope, text, created_at
		FROM chunks WHERE doc_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// ListChunkTextsByScope 按分区列出全部块文本，供词法索引重建
func (m *ManifestImpl) ListChunkTextsByScope(scope string) ([]*domainRAG.Chunk, error) {
	rows, err := m.db.Query(`
		SELECT chunk_id, doc_id, chunk_index, offset_start, offset_end,
			chunk_hash, token_count, extractor, extractor_version, scope, text, created_at
		FROM chunks WHERE scope = ? ORDER BY created_at`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// AddEmbedding 登记向量化记录，同一 (chunk, model, version) 重复登记返回完整性错误
func (m *ManifestImpl) AddEmbedding(emb *domainRAG.Embedding) error {
	if emb.ID == "" {
		emb.ID = uuid.NewString()
	}
	if emb.EmbeddedAt.IsZero() {
		emb.EmbeddedAt = time.Now()
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO embeddings (embedding_id, chunk_id, embedding_model, embedding_model_version, embedded_at, vector_ref)
		VALUES (?, ?, ?, ?, ?, ?)`,
		emb.ID, emb.ChunkID, emb.Model, emb.ModelVersion, emb.EmbeddedAt.Unix(), emb.VectorRef,
	)
	if err != nil {
		return classifyErr(err)
	}

	return tx.Commit()
}

// HasEmbedding 检查块在指定模型下是否已有向量登记
func (m *ManifestImpl) HasEmbedding(chunkID, model, modelVersion string) (bool, error) {
	var count int
	err := m.db.QueryRow(`
		SELECT COUNT(*) FROM embeddings
		WHERE chunk_id = ? AND embedding_model = ? AND embedding_model_version = ?`,
		chunkID, model, modelVersion,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// StartIngestJob 创建 running 状态的摄取任务
func (m *ManifestImpl) StartIngestJob() (*domainRAG.IngestJob, error) {
	job := &domainRAG.IngestJob{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Status:    domainRAG.JobRunning,
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO ingest_jobs (job_id, started_at, status) VALUES (?, ?, ?)`,
		job.ID, job.StartedAt.Unix(), string(job.Status),
	)
	if err != nil {
		return nil, classifyErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateIngestJobProgress 更新任务进度
// MAX 保证 running 期间计数器单调不减，completed/failed 后不再变化
func (m *ManifestImpl) UpdateIngestJobProgress(jobID string, docsProcessed, chunksCreated, embeddingsCreated int) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE ingest_jobs SET
			docs_processed = MAX(docs_processed, ?),
			chunks_created = MAX(chunks_created, ?),
			embeddings_created = MAX(embeddings_created, ?)
		WHERE job_id = ? AND status = 'running'`,
		docsProcessed, chunksCreated, embeddingsCreated, jobID,
	)
	if err != nil {
		return classifyErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domainRAG.ErrJobNotFound
	}

	return tx.Commit()
}

// CompleteIngestJob 结束任务，记录完成时间与错误信息
func (m *ManifestImpl) CompleteIngestJob(jobID string, status domainRAG.IngestJobStatus, errorMessage string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE ingest_jobs SET status = ?, completed_at = ?, error_message = ?
		WHERE job_id = ?`,
		string(status), time.Now().Unix(), errorMessage, jobID,
	)
	if err != nil {
		return classifyErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domainRAG.ErrJobNotFound
	}

	return tx.Commit()
}

// GetIngestJob 按 ID 查询任务
func (m *ManifestImpl) GetIngestJob(jobID string) (*domainRAG.IngestJob, error) {
	var (
		job         domainRAG.IngestJob
		startedAt   int64
		completedAt sql.NullInt64
		status      string
		errMessage  sql.NullString
	)
	err := m.db.QueryRow(`
		SELECT job_id, started_at, completed_at, status, docs_processed, chunks_created, embeddings_created, error_message
		FROM ingest_jobs WHERE job_id = ?`, jobID,
	).Scan(&job.ID, &startedAt, &completedAt, &status,
		&job.DocsProcessed, &job.ChunksCreated, &job.EmbeddingsCreated, &errMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainRAG.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.StartedAt = time.Unix(startedAt, 0)
	job.Status = domainRAG.IngestJobStatus(status)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		job.CompletedAt = &t
	}
	job.ErrorMessage = errMessage.String
	return &job, nil
}

// Statistics 统计快照：按状态/分区的文档数，块、向量、任务总数
func (m *ManifestImpl) Statistics() (*domainRAG.ManifestStats, error) {
	stats := &domainRAG.ManifestStats{
		DocumentsByStatus: make(map[string]int),
		DocumentsByScope:  make(map[string]int),
	}

	rows, err := m.db.Query(`SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.DocumentsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	scopeRows, err := m.db.Query(`SELECT scope, COUNT(*) FROM documents GROUP BY scope`)
	if err != nil {
		return nil, err
	}
	defer scopeRows.Close()
	for scopeRows.Next() {
		var scope string
		var count int
		if err := scopeRows.Scan(&scope, &count); err != nil {
			return nil, err
		}
		stats.DocumentsByScope[scope] = count
	}
	if err := scopeRows.Err(); err != nil {
		return nil, err
	}

	if err := m.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&stats.ChunkCount); err != nil {
		return nil, err
	}
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&stats.EmbeddingCount); err != nil {
		return nil, err
	}
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM ingest_jobs`).Scan(&stats.JobCount); err != nil {
		return nil, err
	}

	return stats, nil
}

// Vacuum 回收级联删除后的空闲页
// VACUUM 不能在事务内执行
func (m *ManifestImpl) Vacuum() error {
	_, err := m.db.Exec(`VACUUM`)
	return err
}

// Close 关闭底层连接
func (m *ManifestImpl) Close() error {
	return m.db.Close()
}

// rowScanner QueryRow 与 Rows 的公共扫描接口
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocumentFrom(s rowScanner) (*domainRAG.Document, error) {
	var (
		doc          domainRAG.Document
		metadataJSON sql.NullString
		ingestedAt   int64
		status       string
	)
	err := s.Scan(&doc.ID, &doc.Path, &doc.MimeType, &doc.Scope, &doc.SourceMtime,
		&doc.FileHash, &metadataJSON, &ingestedAt, &status)
	if err != nil {
		return nil, err
	}

	doc.IngestedAt = time.Unix(ingestedAt, 0)
	doc.Status = domainRAG.DocumentStatus(status)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document metadata: %w", err)
		}
	}
	return &doc, nil
}

func scanDocument(row *sql.Row) (*domainRAG.Document, error) {
	doc, err := scanDocumentFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainRAG.ErrDocumentNotFound
	}
	return doc, err
}

func scanDocumentRows(rows *sql.Rows) (*domainRAG.Document, error) {
	return scanDocumentFrom(rows)
}

func scanChunkRow(s rowScanner) (*domainRAG.Chunk, error) {
	var (
		chunk     domainRAG.Chunk
		createdAt int64
	)
	err := s.Scan(&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.OffsetStart, &chunk.OffsetEnd,
		&chunk.ChunkHash, &chunk.TokenCount, &chunk.Extractor, &chunk.ExtractorVer,
		&chunk.Scope, &chunk.Text, &createdAt)
	if err != nil {
		return nil, err
	}
	chunk.CreatedAt = time.Unix(createdAt, 0)
	return &chunk, nil
}

func scanChunks(rows *sql.Rows) ([]*domainRAG.Chunk, error) {
	var chunks []*domainRAG.Chunk
	for rows.Next() {
		chunk, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}
