package rag

import "context"

// Manifest 系统记录库：文档、块、向量登记与摄取任务的事务性存储
type Manifest interface {
	// Document 相关方法
	AddDocument(doc *Document) error
	GetDocument(docID string) (*Document, error)
	GetDocumentByPath(path string) (*Document, error)
	UpdateDocumentStatus(docID string, status DocumentStatus) error
	MarkDocumentStale(docID string) error
	ListDocuments(scope, status string) ([]*Document, error)
	DeleteDocument(docID string) error

	// Chunk 相关方法
	AddChunks(chunks []*Chunk) error
	GetChunk(chunkID string) (*Chunk, error)
	GetChunksForDocument(docID string) ([]*Chunk, error)
	ListChunkTextsByScope(scope string) ([]*Chunk, error)

	// Embedding 相关方法
	AddEmbedding(emb *Embedding) error
	HasEmbedding(chunkID, model, modelVersion string) (bool, error)

	// IngestJob 相关方法
	StartIngestJob() (*IngestJob, error)
	UpdateIngestJobProgress(jobID string, docsProcessed, chunksCreated, embeddingsCreated int) error
	CompleteIngestJob(jobID string, status IngestJobStatus, errorMessage string) error
	GetIngestJob(jobID string) (*IngestJob, error)

	// 统计与维护
	Statistics() (*ManifestStats, error)
	Vacuum() error
	Close() error
}

// VectorPoint 写入向量库的一个点
type VectorPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// VectorIndex 外部向量引擎的薄适配层
type VectorIndex interface {
	EnsureCollection(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, point *VectorPoint) error
	UpsertBatch(ctx context.Context, points []*VectorPoint, batchSize int) (int, error)
	Search(ctx context.Context, vector []float32, scope string, topK int, filters map[string]string, scoreThreshold float64) ([]*VectorHit, error)
	Delete(ctx context.Context, id string) error
	DeleteByDoc(ctx context.Context, docID string) (int, error)
	Count(ctx context.Context, filters map[string]string) (int, error)
	CreateSnapshot(ctx context.Context) (string, error)
	ListSnapshots(ctx context.Context) ([]string, error)
	RestoreSnapshot(ctx context.Context, name string) error
	HealthCheck(ctx context.Context) (bool, string)
}

// EmbeddingProvider 外部向量化服务，query 与 document 使用不同任务模式
type EmbeddingProvider interface {
	EmbedBatch(ctx context.Context, texts []string) ([]*EmbeddingResult, error)
	EmbedQuery(ctx context.Context, text string) (*EmbeddingResult, error)
}

// ChatMessage 对话消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatProvider 外部对话模型服务
type ChatProvider interface {
	Complete(ctx context.Context, model string, messages []ChatMessage, temperature float64, jsonResponse bool) (string, error)
}
