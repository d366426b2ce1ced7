package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// IngestService 摄取服务
// 编排 提取 → 分块 → 持久化 → 向量化 → 入索引 的完整流水线，
// 并维护摄取任务的进度记录
type IngestService struct {
	cfg      *config.EmbeddingConfig
	manifest domainRAG.Manifest
	registry *ExtractorRegistry
	chunker  *Chunker
	embedder domainRAG.EmbeddingProvider
	index    domainRAG.VectorIndex
	logger   *slog.Logger

	// onIndexChanged 索引内容变化后的回调，用于让词法索引失效
	onIndexChanged func()
}

// NewIngestService 创建摄取服务
func NewIngestService(
	cfg *config.EmbeddingConfig,
	manifest domainRAG.Manifest,
	registry *ExtractorRegistry,
	chunker *Chunker,
	embedder domainRAG.EmbeddingProvider,
	index domainRAG.VectorIndex,
) *IngestService {
	return &IngestService{
		cfg:      cfg,
		manifest: manifest,
		registry: registry,
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		logger:   log.NewModuleLogger("application", "ingest"),
	}
}

// SetOnIndexChanged 注册索引变化回调
func (s *IngestService) SetOnIndexChanged(fn func()) {
	s.onIndexChanged = fn
}

func (s *IngestService) notifyIndexChanged() {
	if s.onIndexChanged != nil {
		s.onIndexChanged()
	}
}

// IngestResult 单次摄取的汇总
type IngestResult struct {
	Job     *domainRAG.IngestJob `json:"job"`
	Skipped int                  `json:"skipped"`
	Failed  []string             `json:"failed,omitempty"`
}

// IngestPaths 摄取一批文件
// 内容未变化的已摄取文档会被跳过，变化的文档会级联清理后重新摄取。
// 单个文件失败不会终止整批任务
func (s *IngestService) IngestPaths(
	ctx context.Context,
	paths []string,
	scope string,
	metadata map[string]any,
) (*IngestResult, error) {
	if scope == "" {
		return nil, fmt.Errorf("scope is required")
	}

	job, err := s.manifest.StartIngestJob()
	if err != nil {
		return nil, err
	}

	result := &IngestResult{Job: job}
	var lastErr error
	docsProcessed, chunksCreated, embeddingsCreated := 0, 0, 0

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		outcome, err := s.ingestOne(ctx, path, scope, metadata)
		if err != nil {
			s.logger.Error("document ingest failed", "path", path, "error", err)
			result.Failed = append(result.Failed, path)
			lastErr = err
			continue
		}
		if outcome.skipped {
			result.Skipped++
			continue
		}

		docsProcessed++
		chunksCreated += outcome.chunks
		embeddingsCreated += outcome.embeddings

		if err := s.manifest.UpdateIngestJobProgress(job.ID, docsProcessed, chunksCreated, embeddingsCreated); err != nil {
			s.logger.Warn("ingest progress update failed", "job_id", job.ID, "error", err)
		}
	}

	status := domainRAG.JobCompleted
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
		if docsProcessed == 0 && result.Skipped == 0 {
			status = domainRAG.JobFailed
		}
	}
	if err := s.manifest.CompleteIngestJob(job.ID, status, errMsg); err != nil {
		s.logger.Warn("ingest job completion failed", "job_id", job.ID, "error", err)
	}

	if docsProcessed > 0 {
		s.notifyIndexChanged()
	}

	completed, err := s.manifest.GetIngestJob(job.ID)
	if err == nil {
		result.Job = completed
	}

	s.logger.Info("ingest batch finished",
		"job_id", job.ID,
		"docs", docsProcessed,
		"chunks", chunksCreated,
		"embeddings", embeddingsCreated,
		"skipped", result.Skipped,
		"failed", len(result.Failed))

	return result, nil
}

// ingestOutcome 单个文件的摄取结果
type ingestOutcome struct {
	skipped    bool
	chunks     int
	embeddings int
}

// ingestOne 摄取单个文件
func (s *IngestService) ingestOne(ctx context.Context, path, scope string, metadata map[string]any) (*ingestOutcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &domainRAG.ExtractionError{Path: path, Reason: "stat file", Err: err}
	}

	fileHash, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	existing, err := s.manifest.GetDocumentByPath(path)
	switch {
	case err == nil:
		if existing.FileHash == fileHash && existing.Status == domainRAG.DocStatusIngested {
			// 内容未变化，重复摄取不产生新的分块和向量
			s.logger.Debug("document unchanged, skipped", "path", path)
			return &ingestOutcome{skipped: true}, nil
		}
		// 内容已变化：级联清理旧记录和旧向量后重新摄取
		if _, err := s.index.DeleteByDoc(ctx, existing.ID); err != nil {
			return nil, err
		}
		if err := s.manifest.DeleteDocument(existing.ID); err != nil {
			return nil, err
		}
	case errors.Is(err, domainRAG.ErrDocumentNotFound):
		// 新文档
	default:
		return nil, err
	}

	extracted, mimeType, err := s.registry.Extract(path)
	if err != nil {
		return nil, err
	}

	doc := &domainRAG.Document{
		ID:          uuid.New().String(),
		Path:        path,
		MimeType:    mimeType,
		Scope:       scope,
		SourceMtime: info.ModTime().Unix(),
		FileHash:    fileHash,
		Metadata:    metadata,
		IngestedAt:  time.Now(),
		Status:      domainRAG.DocStatusPending,
	}
	if err := s.manifest.AddDocument(doc); err != nil {
		return nil, err
	}

	chunks := s.chunker.ChunkDocument(doc, extracted)
	if len(chunks) == 0 {
		// 空文档：没有可检索内容，但文档本身记录在案
		if err := s.manifest.UpdateDocumentStatus(doc.ID, domainRAG.DocStatusIngested); err != nil {
			return nil, err
		}
		return &ingestOutcome{}, nil
	}

	if err := s.manifest.AddChunks(chunks); err != nil {
		s.markFailed(doc.ID)
		return nil, err
	}

	embeddings, err := s.embedAndUpsert(ctx, doc, chunks)
	if err != nil {
		s.markFailed(doc.ID)
		return nil, err
	}

	if err := s.manifest.UpdateDocumentStatus(doc.ID, domainRAG.DocStatusIngested); err != nil {
		return nil, err
	}

	return &ingestOutcome{chunks: len(chunks), embeddings: embeddings}, nil
}

// embedAndUpsert 对分块做批量向量化并写入向量索引与清单库
func (s *IngestService) embedAndUpsert(ctx context.Context, doc *domainRAG.Document, chunks []*domainRAG.Chunk) (int, error) {
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	riskLevel := string(doc.RiskLevelOf())
	created := 0

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}

		results, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return created, err
		}
		if len(results) != len(batch) {
			return created, fmt.Errorf("embedding count mismatch: got %d for %d chunks", len(results), len(batch))
		}

		points := make([]*domainRAG.VectorPoint, len(batch))
		for i, ch := range batch {
			points[i] = &domainRAG.VectorPoint{
				ID:     ch.ID,
				Vector: results[i].Vector,
				Payload: map[string]any{
					"doc_id":      doc.ID,
					"path":        doc.Path,
					"scope":       ch.Scope,
					"risk_level":  riskLevel,
					"chunk_index": ch.ChunkIndex,
					"snippet":     snippetOf(ch.Text),
				},
			}
		}

		if _, err := s.index.UpsertBatch(ctx, points, batchSize); err != nil {
			return created, err
		}

		for i, ch := range batch {
			emb := &domainRAG.Embedding{
				ID:           uuid.New().String(),
				ChunkID:      ch.ID,
				Model:        results[i].Model,
				ModelVersion: results[i].ModelVersion,
				EmbeddedAt:   time.Now(),
				VectorRef:    ch.ID,
			}
			if err := s.manifest.AddEmbedding(emb); err != nil {
				return created, err
			}
			created++
		}
	}

	return created, nil
}

// markFailed 把文档标记为失败，标记本身的失败只记日志
func (s *IngestService) markFailed(docID string) {
	if err := s.manifest.UpdateDocumentStatus(docID, domainRAG.DocStatusFailed); err != nil {
		s.logger.Warn("failed to mark document failed", "doc_id", docID, "error", err)
	}
}

// DeleteDocument 删除文档及其分块、向量（清单库级联 + 向量索引清理）
func (s *IngestService) DeleteDocument(ctx context.Context, docID string) error {
	if _, err := s.manifest.GetDocument(docID); err != nil {
		return err
	}

	deleted, err := s.index.DeleteByDoc(ctx, docID)
	if err != nil {
		return err
	}
	if err := s.manifest.DeleteDocument(docID); err != nil {
		return err
	}
	if err := s.manifest.Vacuum(); err != nil {
		s.logger.Warn("vacuum after delete failed", "error", err)
	}

	s.notifyIndexChanged()
	s.logger.Info("document deleted", "doc_id", docID, "vectors_removed", deleted)
	return nil
}

// MarkStale 将路径对应的已摄取文档标记为过期
// 文件监听器在源文件变化时调用，下次摄取会重新处理
func (s *IngestService) MarkStale(path string) error {
	doc, err := s.manifest.GetDocumentByPath(path)
	if err != nil {
		return err
	}
	return s.manifest.MarkDocumentStale(doc.ID)
}

// IndexStats 清单库与向量索引的统计汇总
type IndexStats struct {
	Manifest    *domainRAG.ManifestStats `json:"manifest"`
	VectorCount int                      `json:"vector_count"`
}

// Stats 汇总统计信息
func (s *IngestService) Stats(ctx context.Context) (*IndexStats, error) {
	manifestStats, err := s.manifest.Statistics()
	if err != nil {
		return nil, err
	}

	vectorCount, err := s.index.Count(ctx, nil)
	if err != nil {
		// 向量引擎不可达时统计降级为清单数据
		s.logger.Warn("vector count unavailable", "error", err)
		vectorCount = -1
	}

	return &IndexStats{
		Manifest:    manifestStats,
		VectorCount: vectorCount,
	}, nil
}

// hashFile 计算文件内容的 SHA-256
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &domainRAG.ExtractionError{Path: path, Reason: "open file", Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &domainRAG.ExtractionError{Path: path, Reason: "hash file", Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
