package rag

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
)

// fakeEmbedder 测试用向量化桩
type fakeEmbedder struct {
	queryCalls int
	failQuery  bool
	vector     []float32
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]*domainRAG.EmbeddingResult, error) {
	results := make([]*domainRAG.EmbeddingResult, len(texts))
	for i := range texts {
		results[i] = &domainRAG.EmbeddingResult{Vector: f.vector, Model: "fake", ModelVersion: "1"}
	}
	return results, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) (*domainRAG.EmbeddingResult, error) {
	f.queryCalls++
	if f.failQuery {
		return nil, &domainRAG.EmbeddingError{StatusCode: 500, Retryable: true}
	}
	return &domainRAG.EmbeddingResult{Vector: f.vector, Model: "fake", ModelVersion: "1"}, nil
}

// fakeVectorIndex 测试用向量索引桩
type fakeVectorIndex struct {
	hits       []*domainRAG.VectorHit
	failSearch bool
	points     map[string]*domainRAG.VectorPoint
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{points: make(map[string]*domainRAG.VectorPoint)}
}

func (f *fakeVectorIndex) EnsureCollection(context.Context, int) error { return nil }

func (f *fakeVectorIndex) Upsert(_ context.Context, p *domainRAG.VectorPoint) error {
	f.points[p.ID] = p
	return nil
}

func (f *fakeVectorIndex) UpsertBatch(ctx context.Context, points []*domainRAG.VectorPoint, _ int) (int, error) {
	for _, p := range points {
		if err := f.Upsert(ctx, p); err != nil {
			return 0, err
		}
	}
	return len(points), nil
}

func (f *fakeVectorIndex) Search(_ context.Context, _ []float32, scope string, topK int, _ map[string]string, _ float64) ([]*domainRAG.VectorHit, error) {
	if f.failSearch {
		return nil, &domainRAG.VectorIndexError{Op: "search", Err: fmt.Errorf("connection refused")}
	}
	if f.hits != nil {
		return f.hits, nil
	}

	// 存量点按作用域过滤后返回
	var hits []*domainRAG.VectorHit
	for _, p := range f.points {
		if s, _ := p.Payload["scope"].(string); s == scope {
			hits = append(hits, &domainRAG.VectorHit{ID: p.ID, Score: 0.9, Payload: p.Payload})
		}
		if len(hits) >= topK {
			break
		}
	}
	return hits, nil
}

func (f *fakeVectorIndex) Delete(_ context.Context, id string) error {
	delete(f.points, id)
	return nil
}

func (f *fakeVectorIndex) DeleteByDoc(_ context.Context, docID string) (int, error) {
	count := 0
	for id, p := range f.points {
		if d, _ := p.Payload["doc_id"].(string); d == docID {
			delete(f.points, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeVectorIndex) Count(context.Context, map[string]string) (int, error) {
	return len(f.points), nil
}

func (f *fakeVectorIndex) CreateSnapshot(context.Context) (string, error) { return "snap", nil }
func (f *fakeVectorIndex) ListSnapshots(context.Context) ([]string, error) {
	return []string{"snap"}, nil
}
func (f *fakeVectorIndex) RestoreSnapshot(context.Context, string) error { return nil }
func (f *fakeVectorIndex) HealthCheck(context.Context) (bool, string)    { return true, "ok" }

var _ domainRAG.EmbeddingProvider = (*fakeEmbedder)(nil)
var _ domainRAG.VectorIndex = (*fakeVectorIndex)(nil)

func defaultRetrieverConfig() *config.RetrieverConfig {
	return &config.RetrieverConfig{
		SemanticWeight: 0.6,
		BM25Weight:     0.4,
		EnableLexical:  false,
		CacheTTL:       60 * time.Second,
		CacheCapacity:  100,
	}
}

func hitWithPayload(id string, score float64, risk string) *domainRAG.VectorHit {
	return &domainRAG.VectorHit{
		ID:    id,
		Score: score,
		Payload: map[string]any{
			"doc_id":     "doc-" + id,
			"path":       "/tmp/" + id + ".txt",
			"scope":      "ws",
			"risk_level": risk,
			"snippet":    "snippet of " + id,
		},
	}
}

// TestRetriever_EmptyQueryOrScope 测试空查询和空作用域直接返回空结果
func TestRetriever_EmptyQueryOrScope(t *testing.T) {
	r := NewRetriever(defaultRetrieverConfig(), &fakeEmbedder{}, newFakeVectorIndex(), nil)

	assert.Empty(t, r.Search(context.Background(), "", "ws", 10, domainRAG.ModeBypass, nil))
	assert.Empty(t, r.Search(context.Background(), "   ", "ws", 10, domainRAG.ModeBypass, nil))
	assert.Empty(t, r.Search(context.Background(), "query", "", 10, domainRAG.ModeBypass, nil))
}

// TestRetriever_EmbeddingFailureDegrades 测试向量化失败降级为空结果
func TestRetriever_EmbeddingFailureDegrades(t *testing.T) {
	embedder := &fakeEmbedder{failQuery: true}
	r := NewRetriever(defaultRetrieverConfig(), embedder, newFakeVectorIndex(), nil)

	results := r.Search(context.Background(), "query", "ws", 10, domainRAG.ModeBypass, nil)
	assert.Empty(t, results)
}

// TestRetriever_VectorSearchFailureDegrades 测试向量检索失败降级为空结果
func TestRetriever_VectorSearchFailureDegrades(t *testing.T) {
	index := newFakeVectorIndex()
	index.failSearch = true
	r := NewRetriever(defaultRetrieverConfig(), &fakeEmbedder{}, index, nil)

	results := r.Search(context.Background(), "query", "ws", 10, domainRAG.ModeBypass, nil)
	assert.Empty(t, results)
}

// TestRetriever_QueryCache 测试查询向量缓存命中时不再调用向量化
func TestRetriever_QueryCache(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{0.1}}
	r := NewRetriever(defaultRetrieverConfig(), embedder, newFakeVectorIndex(), nil)

	r.Search(context.Background(), "same query", "ws", 10, domainRAG.ModeBypass, nil)
	r.Search(context.Background(), "same query", "ws", 10, domainRAG.ModeBypass, nil)
	assert.Equal(t, 1, embedder.queryCalls)

	r.Search(context.Background(), "другой query", "ws", 10, domainRAG.ModeBypass, nil)
	assert.Equal(t, 2, embedder.queryCalls)
}

// TestRetriever_RankingAndTruncation 测试排序、截断和 rank 赋值
func TestRetriever_RankingAndTruncation(t *testing.T) {
	index := newFakeVectorIndex()
	index.hits = []*domainRAG.VectorHit{
		hitWithPayload("c1", 0.9, "safe"),
		hitWithPayload("c2", 0.5, "safe"),
		hitWithPayload("c3", 0.7, "safe"),
	}
	r := NewRetriever(defaultRetrieverConfig(), &fakeEmbedder{}, index, nil)

	results := r.Search(context.Background(), "query", "ws", 2, domainRAG.ModeBypass, nil)

	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.Equal(t, "c3", results[1].ChunkID)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[1].Rank)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

// TestRetriever_GovernanceReadOnly 测试 READ_ONLY 模式下的风险惩罚
// dangerous 候选最终分数为 0 且被标记为 blocked
func TestRetriever_GovernanceReadOnly(t *testing.T) {
	index := newFakeVectorIndex()
	index.hits = []*domainRAG.VectorHit{
		hitWithPayload("safe-chunk", 0.5, "safe"),
		hitWithPayload("danger-chunk", 0.9, "dangerous"),
		hitWithPayload("sensitive-chunk", 0.7, "sensitive"),
	}
	r := NewRetriever(defaultRetrieverConfig(), &fakeEmbedder{}, index, nil)

	results := r.Search(context.Background(), "query", "ws", 10, domainRAG.ModeReadOnly, nil)
	require.Len(t, results, 3)

	byID := make(map[string]*domainRAG.Candidate)
	for _, c := range results {
		byID[c.ChunkID] = c
	}

	assert.Equal(t, domainRAG.StatusBlocked, byID["danger-chunk"].AllowedInMode)
	assert.Equal(t, domainRAG.StatusBlocked, byID["sensitive-chunk"].AllowedInMode)
	assert.Equal(t, domainRAG.StatusAllowed, byID["safe-chunk"].AllowedInMode)

	// min-max 把最低语义分（safe-chunk）归一为 0，再乘治理乘子：
	// safe 0.6·0.0·1.0=0，sensitive 0.6·0.5·0.1=0.03，dangerous 0.6·1.0·0.0=0
	assert.InDelta(t, 0.0, byID["safe-chunk"].Score, 1e-9)
	assert.InDelta(t, 0.03, byID["sensitive-chunk"].Score, 1e-9)
	assert.InDelta(t, 0.0, byID["danger-chunk"].Score, 1e-9)

	// 唯一非零分的 sensitive 在前，同分按 ChunkID 升序
	assert.Equal(t, "sensitive-chunk", results[0].ChunkID)
	assert.Equal(t, "danger-chunk", results[1].ChunkID)
	assert.Equal(t, "safe-chunk", results[2].ChunkID)
}

// TestRetriever_GovernanceBypass 测试 BYPASS 模式不做任何惩罚
func TestRetriever_GovernanceBypass(t *testing.T) {
	index := newFakeVectorIndex()
	index.hits = []*domainRAG.VectorHit{
		hitWithPayload("c1", 0.9, "dangerous"),
		hitWithPayload("c2", 0.5, "sensitive"),
	}
	r := NewRetriever(defaultRetrieverConfig(), &fakeEmbedder{}, index, nil)

	results := r.Search(context.Background(), "query", "ws", 10, domainRAG.ModeBypass, nil)
	require.Len(t, results, 2)
	for _, c := range results {
		assert.Equal(t, domainRAG.StatusAllowed, c.AllowedInMode)
	}

	// BYPASS 不缩减分数，但 min-max 仍把最低语义分归一为 0
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.InDelta(t, 0.6, results[0].Score, 1e-9)
	assert.InDelta(t, 0.0, results[1].Score, 1e-9)
}

// TestRetriever_UnknownRiskTreatedAsSafe 测试未知风险等级按 safe 处理
func TestRetriever_UnknownRiskTreatedAsSafe(t *testing.T) {
	index := newFakeVectorIndex()
	index.hits = []*domainRAG.VectorHit{
		hitWithPayload("c1", 0.9, "bizarre-level"),
	}
	r := NewRetriever(defaultRetrieverConfig(), &fakeEmbedder{}, index, nil)

	results := r.Search(context.Background(), "query", "ws", 10, domainRAG.ModeReadOnly, nil)
	require.Len(t, results, 1)
	assert.Equal(t, domainRAG.RiskSafe, results[0].RiskLevel)
	assert.Equal(t, domainRAG.StatusAllowed, results[0].AllowedInMode)
}

// TestMerge_WeightedCombination 测试归一化加权合并公式
// 合并分 = 0.6·norm_semantic + 0.4·norm_bm25
func TestMerge_WeightedCombination(t *testing.T) {
	r := NewRetriever(defaultRetrieverConfig(), &fakeEmbedder{}, newFakeVectorIndex(), nil)

	hits := []*domainRAG.VectorHit{
		hitWithPayload("c1", 1.0, "safe"),
		hitWithPayload("c2", 0.5, "safe"),
		hitWithPayload("c3", 0.0, "safe"),
	}
	lexical := []BM25Score{
		{ChunkID: "c1", Score: 2.0},
		{ChunkID: "c2", Score: 6.0},
		{ChunkID: "c3", Score: 4.0},
	}

	candidates, err := r.merge(hits, lexical)
	require.NoError(t, err)

	byID := make(map[string]*domainRAG.Candidate)
	for _, c := range candidates {
		byID[c.ChunkID] = c
	}

	// c1: semantic 归一 1.0，bm25 归一 0.0
	assert.InDelta(t, 0.6*1.0+0.4*0.0, byID["c1"].Score, 1e-9)
	// c2: semantic 归一 0.5，bm25 归一 1.0
	assert.InDelta(t, 0.6*0.5+0.4*1.0, byID["c2"].Score, 1e-9)
	// c3: semantic 归一 0.0，bm25 归一 0.5
	assert.InDelta(t, 0.6*0.0+0.4*0.5, byID["c3"].Score, 1e-9)
}

// TestMerge_DegenerateRange 测试退化区间归一为 0.5
func TestMerge_DegenerateRange(t *testing.T) {
	r := NewRetriever(defaultRetrieverConfig(), &fakeEmbedder{}, newFakeVectorIndex(), nil)

	hits := []*domainRAG.VectorHit{
		hitWithPayload("c1", 0.7, "safe"),
		hitWithPayload("c2", 0.7, "safe"),
	}

	candidates, err := r.merge(hits, nil)
	require.NoError(t, err)
	for _, c := range candidates {
		assert.InDelta(t, 0.5, c.SemanticScore, 1e-9)
		assert.InDelta(t, 0.6*0.5, c.Score, 1e-9)
	}
}

// TestMinMaxNormalize 测试归一化边界
func TestMinMaxNormalize(t *testing.T) {
	normalized := minMaxNormalize(map[string]float64{"a": 1, "b": 3, "c": 5})
	assert.InDelta(t, 0.0, normalized["a"], 1e-9)
	assert.InDelta(t, 0.5, normalized["b"], 1e-9)
	assert.InDelta(t, 1.0, normalized["c"], 1e-9)

	assert.Empty(t, minMaxNormalize(map[string]float64{}))
}

// TestRetriever_Metrics 测试检索指标累计
func TestRetriever_Metrics(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{0.1}}
	r := NewRetriever(defaultRetrieverConfig(), embedder, newFakeVectorIndex(), nil)

	r.Search(context.Background(), "same query", "ws", 10, domainRAG.ModeBypass, nil)
	r.Search(context.Background(), "same query", "ws", 10, domainRAG.ModeBypass, nil)

	m := r.Metrics()
	assert.Equal(t, int64(2), m.SearchCount)
	assert.Equal(t, int64(1), m.CacheHits)
	assert.GreaterOrEqual(t, m.AvgLatency, time.Duration(0))

	// 空查询提前返回，不计入指标
	r.Search(context.Background(), "", "ws", 10, domainRAG.ModeBypass, nil)
	assert.Equal(t, int64(2), r.Metrics().SearchCount)
}
