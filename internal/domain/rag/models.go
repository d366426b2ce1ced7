package rag

import "time"

// DocumentStatus 文档生命周期状态
type DocumentStatus string

const (
	DocStatusPending  DocumentStatus = "pending"
	DocStatusIngested DocumentStatus = "ingested"
	DocStatusFailed   DocumentStatus = "failed"
	DocStatusStale    DocumentStatus = "stale"
)

// RiskLevel 块元数据中的风险等级，影响检索时的治理降权
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskSensitive RiskLevel = "sensitive"
	RiskDangerous RiskLevel = "dangerous"
)

// GovernanceMode 调用方的治理模式
type GovernanceMode string

const (
	ModeReadOnly   GovernanceMode = "READ_ONLY"
	ModePermission GovernanceMode = "PERMISSION"
	ModeBypass     GovernanceMode = "BYPASS"
)

// Document 已登记的源文档
type Document struct {
	ID          string
	Path        string
	MimeType    string
	Scope       string
	SourceMtime int64
	FileHash    string // 原始内容的 SHA-256
	Metadata    map[string]any
	IngestedAt  time.Time
	Status      DocumentStatus
}

// RiskLevelOf 读取文档元数据中的风险等级，缺失或未知值按 safe 处理
func (d *Document) RiskLevelOf() RiskLevel {
	if d.Metadata == nil {
		return RiskSafe
	}
	v, ok := d.Metadata["risk_level"].(string)
	if !ok {
		return RiskSafe
	}
	switch RiskLevel(v) {
	case RiskSensitive, RiskDangerous:
		return RiskLevel(v)
	default:
		return RiskSafe
	}
}

// Chunk 切分后的文本块
type Chunk struct {
	ID           string
	DocumentID   string
	ChunkIndex   int
	OffsetStart  int // 源文本中的近似字节偏移
	OffsetEnd    int
	ChunkHash    string // 块文本的 SHA-256
	TokenCount   int
	Extractor    string
	ExtractorVer string
	Scope        string
	Text         string
	CreatedAt    time.Time
}

// Embedding 向量化登记记录（向量本体存于向量库，此处只记账）
type Embedding struct {
	ID           string
	ChunkID      string
	Model        string
	ModelVersion string
	EmbeddedAt   time.Time
	VectorRef    string // 向量库中的点 ID
}

// IngestJobStatus 摄取任务状态
type IngestJobStatus string

const (
	JobRunning   IngestJobStatus = "running"
	JobCompleted IngestJobStatus = "completed"
	JobFailed    IngestJobStatus = "failed"
)

// IngestJob 一次批量摄取任务，running 期间计数器单调不减
type IngestJob struct {
	ID                string
	StartedAt         time.Time
	CompletedAt       *time.Time
	Status            IngestJobStatus
	DocsProcessed     int
	ChunksCreated     int
	EmbeddingsCreated int
	ErrorMessage      string
}

// ExtractedDocument 提取器的输出
type ExtractedDocument struct {
	Text          string
	ExtractorName string
	ExtractorVer  string
	PageCount     int // 仅分页格式有意义，其余为 0
}

// ManifestStats 清单库的统计快照
type ManifestStats struct {
	DocumentsByStatus map[string]int `json:"documents_by_status"`
	DocumentsByScope  map[string]int `json:"documents_by_scope"`
	ChunkCount        int            `json:"chunk_count"`
	EmbeddingCount    int            `json:"embedding_count"`
	JobCount          int            `json:"job_count"`
}
