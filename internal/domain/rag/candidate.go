package rag

// SearchMode 检索方式
type SearchMode string

const (
	SearchSemantic SearchMode = "semantic"
	SearchLexical  SearchMode = "lexical"
	SearchHybrid   SearchMode = "hybrid"
)

// AllowedStatus 治理模式下候选的可见性
type AllowedStatus string

const (
	StatusAllowed        AllowedStatus = "allowed"
	StatusBlocked        AllowedStatus = "blocked"
	StatusPromptRequired AllowedStatus = "prompt_required"
)

// Candidate 混合检索的单条结果，仅在一次查询内存在，不落库
type Candidate struct {
	ChunkID       string         `json:"chunk_id"`
	DocID         string         `json:"doc_id"`
	Path          string         `json:"path"`
	Snippet       string         `json:"snippet"`
	Scope         string         `json:"scope"`
	RiskLevel     RiskLevel      `json:"risk_level"`
	Score         float64        `json:"score"`
	SemanticScore float64        `json:"semantic_score"`
	BM25Score     float64        `json:"bm25_score"`
	AllowedInMode AllowedStatus  `json:"allowed_in_mode"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Rank          int            `json:"rank"`
}

// VectorHit 向量库返回的单条命中
type VectorHit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// EmbeddingResult 一条文本的向量化结果
type EmbeddingResult struct {
	Vector       []float32
	TokenCount   int
	Model        string
	ModelVersion string
}

// ExplainerOutput 解释器对一组候选的最终裁决
type ExplainerOutput struct {
	SelectedChunkIDs       []string          `json:"selected_chunk_ids"`
	Rationales             map[string]string `json:"rationales"`
	KeyConcepts            []string          `json:"key_concepts"`
	MissingContextRequests []string          `json:"missing_context_requests"`
	ConfidenceScore        float64           `json:"confidence_score"`
	DiscardedTop           []string          `json:"discarded_top"`
	TokenCount             int               `json:"token_count"`
}
