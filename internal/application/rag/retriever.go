package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// Retriever 混合检索器
// 编排查询向量化（带 TTL 缓存）、向量检索、词法检索、分数归一化合并
// 和治理模式重排。任何内部失败都降级为空结果，保证交互式检索可用
type Retriever struct {
	cfg      *config.RetrieverConfig
	embedder domainRAG.EmbeddingProvider
	index    domainRAG.VectorIndex
	manifest domainRAG.Manifest
	logger   *slog.Logger

	// queryCache 查询向量缓存，容量满时淘汰最久未使用的条目
	queryCache *expirable.LRU[string, []float32]

	// bm25 当前作用域的词法索引，作用域切换时惰性重建
	bm25Mu    sync.Mutex
	bm25      *BM25Index
	bm25Scope string

	metricsMu    sync.Mutex
	searchCount  int64
	cacheHits    int64
	totalLatency time.Duration
}

// RetrieverMetrics 检索指标快照
type RetrieverMetrics struct {
	SearchCount int64         `json:"search_count"`
	CacheHits   int64         `json:"cache_hits"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

// NewRetriever 创建混合检索器
func NewRetriever(
	cfg *config.RetrieverConfig,
	embedder domainRAG.EmbeddingProvider,
	index domainRAG.VectorIndex,
	manifest domainRAG.Manifest,
) *Retriever {
	logger := log.NewModuleLogger("application", "retriever")

	if math.Abs(cfg.SemanticWeight+cfg.BM25Weight-1.0) > 1e-9 {
		logger.Warn("retriever weights do not sum to 1",
			"semantic_weight", cfg.SemanticWeight,
			"bm25_weight", cfg.BM25Weight)
	}

	return &Retriever{
		cfg:        cfg,
		embedder:   embedder,
		index:      index,
		manifest:   manifest,
		logger:     logger,
		queryCache: expirable.NewLRU[string, []float32](cfg.CacheCapacity, nil, cfg.CacheTTL),
	}
}

// Search 混合检索
// 返回按最终分数降序、截断到 topK 的候选列表，rank 从 1 开始。
// 空查询或空作用域直接返回空结果；任何步骤失败也返回空结果并记录日志
func (r *Retriever) Search(
	ctx context.Context,
	query, scope string,
	topK int,
	mode domainRAG.GovernanceMode,
	filters map[string]string,
) []*domainRAG.Candidate {
	if strings.TrimSpace(query) == "" || strings.TrimSpace(scope) == "" {
		return []*domainRAG.Candidate{}
	}
	if topK <= 0 {
		topK = 10
	}

	start := time.Now()
	defer func() {
		r.metricsMu.Lock()
		r.searchCount++
		r.totalLatency += time.Since(start)
		r.metricsMu.Unlock()
	}()

	vector, err := r.resolveQueryVector(ctx, query)
	if err != nil {
		r.logger.Error("query embedding failed", "error", err)
		return []*domainRAG.Candidate{}
	}

	// 各取 2×topK 再合并，给两路结果的交集留出余量
	fetchK := 2 * topK

	hits, err := r.index.Search(ctx, vector, scope, fetchK, filters, r.cfg.ScoreThreshold)
	if err != nil {
		r.logger.Error("vector search failed", "scope", scope, "error", err)
		return []*domainRAG.Candidate{}
	}

	var lexical []BM25Score
	if r.cfg.EnableLexical {
		lexical, err = r.lexicalSearch(query, scope, fetchK)
		if err != nil {
			r.logger.Error("lexical search failed", "scope", scope, "error", err)
			return []*domainRAG.Candidate{}
		}
	}

	candidates, err := r.merge(hits, lexical)
	if err != nil {
		r.logger.Error("result merge failed", "scope", scope, "error", err)
		return []*domainRAG.Candidate{}
	}

	// 治理重排：按模式 × 风险等级加权并标注可用状态
	for _, c := range candidates {
		risk := domainRAG.NormalizeRisk(c.RiskLevel)
		c.RiskLevel = risk
		c.Score *= domainRAG.GovernanceMultiplier(mode, risk)
		c.AllowedInMode = domainRAG.GovernanceStatus(mode, risk)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	for i, c := range candidates {
		c.Rank = i + 1
	}

	r.logger.Info("search completed",
		"scope", scope,
		"mode", string(mode),
		"candidates", len(candidates))

	return candidates
}

// resolveQueryVector 解析查询向量，优先命中缓存
func (r *Retriever) resolveQueryVector(ctx context.Context, query string) ([]float32, error) {
	if vector, ok := r.queryCache.Get(query); ok {
		r.metricsMu.Lock()
		r.cacheHits++
		r.metricsMu.Unlock()
		return vector, nil
	}

	result, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	r.queryCache.Add(query, result.Vector)
	return result.Vector, nil
}

// lexicalSearch 词法检索
// 请求的作用域与当前索引不一致时，从清单库重建该作用域的索引
func (r *Retriever) lexicalSearch(query, scope string, topK int) ([]BM25Score, error) {
	r.bm25Mu.Lock()
	defer r.bm25Mu.Unlock()

	if r.bm25 == nil || r.bm25Scope != scope {
		chunks, err := r.manifest.ListChunkTextsByScope(scope)
		if err != nil {
			return nil, fmt.Errorf("rebuild lexical index: %w", err)
		}

		texts := make(map[string]string, len(chunks))
		for _, ch := range chunks {
			texts[ch.ID] = ch.Text
		}

		idx := NewBM25Index()
		idx.Build(texts)
		r.bm25 = idx
		r.bm25Scope = scope

		r.logger.Debug("lexical index rebuilt", "scope", scope, "chunks", idx.Size())
	}

	return r.bm25.Search(query, topK), nil
}

// Metrics 返回累计检索指标的快照
func (r *Retriever) Metrics() RetrieverMetrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()

	m := RetrieverMetrics{
		SearchCount: r.searchCount,
		CacheHits:   r.cacheHits,
	}
	if r.searchCount > 0 {
		m.AvgLatency = r.totalLatency / time.Duration(r.searchCount)
	}
	return m
}

// InvalidateLexicalIndex 使词法索引失效，下次检索时重建
// 文档增删后由摄取服务调用
func (r *Retriever) InvalidateLexicalIndex() {
	r.bm25Mu.Lock()
	defer r.bm25Mu.Unlock()
	r.bm25 = nil
	r.bm25Scope = ""
}

// merge 合并两路结果
// 各自 min-max 归一化到 [0,1]（退化区间归一为 0.5），
// 只出现在一路中的候选另一路分数按 0 计
func (r *Retriever) merge(hits []*domainRAG.VectorHit, lexical []BM25Score) ([]*domainRAG.Candidate, error) {
	semNorm := normalizeVectorScores(hits)
	lexNorm := normalizeBM25Scores(lexical)

	byID := make(map[string]*domainRAG.Candidate)

	for _, hit := range hits {
		c := candidateFromHit(hit)
		c.SemanticScore = semNorm[hit.ID]
		byID[hit.ID] = c
	}

	for _, ls := range lexical {
		c, ok := byID[ls.ChunkID]
		if !ok {
			var err error
			c, err = r.candidateFromManifest(ls.ChunkID)
			if err != nil {
				return nil, err
			}
			byID[ls.ChunkID] = c
		}
		c.BM25Score = lexNorm[ls.ChunkID]
	}

	candidates := make([]*domainRAG.Candidate, 0, len(byID))
	for _, c := range byID {
		c.Score = r.cfg.SemanticWeight*c.SemanticScore + r.cfg.BM25Weight*c.BM25Score
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// candidateFromHit 从向量命中的负载还原候选
func candidateFromHit(hit *domainRAG.VectorHit) *domainRAG.Candidate {
	c := &domainRAG.Candidate{
		ChunkID:  hit.ID,
		Metadata: hit.Payload,
	}
	if v, ok := hit.Payload["doc_id"].(string); ok {
		c.DocID = v
	}
	if v, ok := hit.Payload["path"].(string); ok {
		c.Path = v
	}
	if v, ok := hit.Payload["snippet"].(string); ok {
		c.Snippet = v
	}
	if v, ok := hit.Payload["scope"].(string); ok {
		c.Scope = v
	}
	if v, ok := hit.Payload["risk_level"].(string); ok {
		c.RiskLevel = domainRAG.RiskLevel(v)
	}
	return c
}

// candidateFromManifest 仅词法命中的候选从清单库补全元数据
func (r *Retriever) candidateFromManifest(chunkID string) (*domainRAG.Candidate, error) {
	chunk, err := r.manifest.GetChunk(chunkID)
	if err != nil {
		return nil, err
	}
	doc, err := r.manifest.GetDocument(chunk.DocumentID)
	if err != nil {
		return nil, err
	}

	return &domainRAG.Candidate{
		ChunkID:   chunk.ID,
		DocID:     doc.ID,
		Path:      doc.Path,
		Snippet:   snippetOf(chunk.Text),
		Scope:     chunk.Scope,
		RiskLevel: doc.RiskLevelOf(),
		Metadata:  doc.Metadata,
	}, nil
}

// snippetLimit 候选摘要的最大字节数
const snippetLimit = 500

func snippetOf(text string) string {
	if len(text) <= snippetLimit {
		return text
	}
	cut := text[:snippetLimit]
	// 避免截断多字节字符
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// normalizeVectorScores min-max 归一化向量分数
func normalizeVectorScores(hits []*domainRAG.VectorHit) map[string]float64 {
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		scores[h.ID] = h.Score
	}
	return minMaxNormalize(scores)
}

// normalizeBM25Scores min-max 归一化词法分数
func normalizeBM25Scores(lexical []BM25Score) map[string]float64 {
	scores := make(map[string]float64, len(lexical))
	for _, ls := range lexical {
		scores[ls.ChunkID] = ls.Score
	}
	return minMaxNormalize(scores)
}

// minMaxNormalize 把一组分数线性映射到 [0,1]
// 所有分数相同（退化区间）时统一归一为 0.5
func minMaxNormalize(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return scores
	}

	min, max := math.Inf(1), math.Inf(-1)
	for _, s := range scores {
		min = math.Min(min, s)
		max = math.Max(max, s)
	}

	normalized := make(map[string]float64, len(scores))
	if max == min {
		for id := range scores {
			normalized[id] = 0.5
		}
		return normalized
	}

	for id, s := range scores {
		normalized[id] = (s - min) / (max - min)
	}
	return normalized
}
