package rag

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/storage"
)

// charVectorEmbedder 按字母频率生成确定性向量的测试桩
// 让相似文本产生相似向量，使端到端的排序断言有意义
type charVectorEmbedder struct{}

func charVector(text string) []float32 {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return v
}

func (e *charVectorEmbedder) EmbedBatch(_ context.Context, texts []string) ([]*domainRAG.EmbeddingResult, error) {
	results := make([]*domainRAG.EmbeddingResult, len(texts))
	for i, t := range texts {
		results[i] = &domainRAG.EmbeddingResult{Vector: charVector(t), Model: "char-vector", ModelVersion: "1"}
	}
	return results, nil
}

func (e *charVectorEmbedder) EmbedQuery(_ context.Context, text string) (*domainRAG.EmbeddingResult, error) {
	return &domainRAG.EmbeddingResult{Vector: charVector(text), Model: "char-vector", ModelVersion: "1"}, nil
}

var _ domainRAG.EmbeddingProvider = (*charVectorEmbedder)(nil)

// similarityIndex 用真实余弦相似度检索的向量索引桩
type similarityIndex struct {
	*fakeVectorIndex
}

func newSimilarityIndex() *similarityIndex {
	return &similarityIndex{fakeVectorIndex: newFakeVectorIndex()}
}

func (s *similarityIndex) Search(_ context.Context, vector []float32, scope string, topK int, _ map[string]string, _ float64) ([]*domainRAG.VectorHit, error) {
	var hits []*domainRAG.VectorHit
	for _, p := range s.points {
		if sc, _ := p.Payload["scope"].(string); sc != scope {
			continue
		}
		hits = append(hits, &domainRAG.VectorHit{
			ID:      p.ID,
			Score:   cosine(vector, p.Vector),
			Payload: p.Payload,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		if i < len(b) {
			dot += float64(a[i]) * float64(b[i])
		}
	}
	return dot
}

// testPipeline 端到端测试装置：真实清单库和分块器，确定性替身做外部依赖
type testPipeline struct {
	manifest *storage.ManifestImpl
	index    *similarityIndex
	ingest   *IngestService
	ret      *Retriever
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	db, err := storage.OpenDB(&config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	manifest, err := storage.NewManifest(db)
	require.NoError(t, err)
	t.Cleanup(func() { manifest.Close() })

	chunker, err := NewChunker(&config.ChunkerConfig{
		TargetTokens:  500,
		OverlapTokens: 50,
		MinTokens:     10,
		MaxTokens:     2000,
	})
	require.NoError(t, err)

	embedder := &charVectorEmbedder{}
	index := newSimilarityIndex()

	ingest := NewIngestService(
		&config.EmbeddingConfig{Model: "char-vector", ModelVersion: "1", BatchSize: 100},
		manifest,
		NewExtractorRegistry(),
		chunker,
		embedder,
		index,
	)

	ret := NewRetriever(&config.RetrieverConfig{
		SemanticWeight: 0.6,
		BM25Weight:     0.4,
		EnableLexical:  true,
		CacheTTL:       time.Minute,
		CacheCapacity:  100,
	}, embedder, index, manifest)
	ingest.SetOnIndexChanged(ret.InvalidateLexicalIndex)

	return &testPipeline{manifest: manifest, index: index, ingest: ingest, ret: ret}
}

func writeTempDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestIngest_SingleDocument 测试单文档完整流水线
func TestIngest_SingleDocument(t *testing.T) {
	p := newTestPipeline(t)
	path := writeTempDoc(t, "doc.txt", "Quantum entanglement links particle states across distance. "+strings.Repeat("More physics discussion follows here. ", 20))

	result, err := p.ingest.IngestPaths(context.Background(), []string{path}, "ws", nil)
	require.NoError(t, err)

	assert.Equal(t, domainRAG.JobCompleted, result.Job.Status)
	assert.Equal(t, 1, result.Job.DocsProcessed)
	assert.Greater(t, result.Job.ChunksCreated, 0)
	assert.Equal(t, result.Job.ChunksCreated, result.Job.EmbeddingsCreated)
	assert.NotNil(t, result.Job.CompletedAt)

	doc, err := p.manifest.GetDocumentByPath(path)
	require.NoError(t, err)
	assert.Equal(t, domainRAG.DocStatusIngested, doc.Status)
	assert.NotEmpty(t, doc.FileHash)

	chunks, err := p.manifest.GetChunksForDocument(doc.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, result.Job.ChunksCreated)
	assert.Len(t, p.index.points, result.Job.ChunksCreated)
}

// TestIngest_UnchangedSkipped 测试内容未变化的文档重复摄取被跳过
// 不产生重复的分块和向量
func TestIngest_UnchangedSkipped(t *testing.T) {
	p := newTestPipeline(t)
	path := writeTempDoc(t, "doc.txt", "Stable content that does not change between runs.")

	first, err := p.ingest.IngestPaths(context.Background(), []string{path}, "ws", nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.Job.DocsProcessed)

	second, err := p.ingest.IngestPaths(context.Background(), []string{path}, "ws", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Job.DocsProcessed)
	assert.Equal(t, 1, second.Skipped)

	stats, err := p.manifest.Statistics()
	require.NoError(t, err)
	assert.Equal(t, first.Job.ChunksCreated, stats.ChunkCount)
	assert.Equal(t, first.Job.EmbeddingsCreated, stats.EmbeddingCount)
}

// TestIngest_ChangedReingested 测试内容变化后重新摄取，旧记录被级联清理
func TestIngest_ChangedReingested(t *testing.T) {
	p := newTestPipeline(t)
	path := writeTempDoc(t, "doc.txt", "Original content about gardening tips.")

	_, err := p.ingest.IngestPaths(context.Background(), []string{path}, "ws", nil)
	require.NoError(t, err)
	oldDoc, err := p.manifest.GetDocumentByPath(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("Completely rewritten content about astronomy."), 0o644))

	result, err := p.ingest.IngestPaths(context.Background(), []string{path}, "ws", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Job.DocsProcessed)

	// 旧文档已被删除，新文档替换了它
	_, err = p.manifest.GetDocument(oldDoc.ID)
	assert.ErrorIs(t, err, domainRAG.ErrDocumentNotFound)

	newDoc, err := p.manifest.GetDocumentByPath(path)
	require.NoError(t, err)
	assert.NotEqual(t, oldDoc.ID, newDoc.ID)
	assert.NotEqual(t, oldDoc.FileHash, newDoc.FileHash)
}

// TestIngest_MissingFileFails 测试缺失文件记入失败列表但不中断整批
func TestIngest_MissingFileFails(t *testing.T) {
	p := newTestPipeline(t)
	good := writeTempDoc(t, "good.txt", "Readable content for the pipeline.")

	result, err := p.ingest.IngestPaths(context.Background(), []string{"/nonexistent/file.txt", good}, "ws", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Job.DocsProcessed)
	assert.Equal(t, []string{"/nonexistent/file.txt"}, result.Failed)
	assert.Equal(t, domainRAG.JobCompleted, result.Job.Status)
	assert.NotEmpty(t, result.Job.ErrorMessage)
}

// TestIngest_AllFailedJobFails 测试全部失败时任务状态为 failed
func TestIngest_AllFailedJobFails(t *testing.T) {
	p := newTestPipeline(t)

	result, err := p.ingest.IngestPaths(context.Background(), []string{"/nope/a.txt", "/nope/b.txt"}, "ws", nil)
	require.NoError(t, err)
	assert.Equal(t, domainRAG.JobFailed, result.Job.Status)
	assert.Len(t, result.Failed, 2)
}

// TestIngest_DeleteDocument 测试删除文档时清单库和向量索引同步清理
func TestIngest_DeleteDocument(t *testing.T) {
	p := newTestPipeline(t)
	path := writeTempDoc(t, "doc.txt", "Content scheduled for deletion later on.")

	_, err := p.ingest.IngestPaths(context.Background(), []string{path}, "ws", nil)
	require.NoError(t, err)
	doc, err := p.manifest.GetDocumentByPath(path)
	require.NoError(t, err)

	require.NoError(t, p.ingest.DeleteDocument(context.Background(), doc.ID))

	_, err = p.manifest.GetDocument(doc.ID)
	assert.ErrorIs(t, err, domainRAG.ErrDocumentNotFound)
	assert.Empty(t, p.index.points)

	// 再删一次应报不存在
	err = p.ingest.DeleteDocument(context.Background(), doc.ID)
	assert.ErrorIs(t, err, domainRAG.ErrDocumentNotFound)
}

// TestIngest_MarkStale 测试过期标记
func TestIngest_MarkStale(t *testing.T) {
	p := newTestPipeline(t)
	path := writeTempDoc(t, "doc.txt", "Content that will go stale.")

	_, err := p.ingest.IngestPaths(context.Background(), []string{path}, "ws", nil)
	require.NoError(t, err)

	require.NoError(t, p.ingest.MarkStale(path))

	doc, err := p.manifest.GetDocumentByPath(path)
	require.NoError(t, err)
	assert.Equal(t, domainRAG.DocStatusStale, doc.Status)
}

// TestIngest_Stats 测试统计汇总
func TestIngest_Stats(t *testing.T) {
	p := newTestPipeline(t)
	path := writeTempDoc(t, "doc.txt", "Some content for the statistics test.")

	_, err := p.ingest.IngestPaths(context.Background(), []string{path}, "ws", nil)
	require.NoError(t, err)

	stats, err := p.ingest.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Manifest.DocumentsByStatus["ingested"])
	assert.Greater(t, stats.VectorCount, 0)
}

// TestEndToEnd_QueryRanking 测试摄取后查询：匹配的分块排在无关分块之前
func TestEndToEnd_QueryRanking(t *testing.T) {
	p := newTestPipeline(t)
	physics := writeTempDoc(t, "physics.txt", "Quantum entanglement connects particles across vast distances in physics experiments.")
	cooking := writeTempDoc(t, "cooking.txt", "Boil the pasta in salted water and stir the tomato sauce slowly.")

	_, err := p.ingest.IngestPaths(context.Background(), []string{physics, cooking}, "ws", nil)
	require.NoError(t, err)

	results := p.ret.Search(context.Background(), "quantum entanglement particles", "ws", 5, domainRAG.ModeBypass, nil)
	require.NotEmpty(t, results)

	physicsDoc, err := p.manifest.GetDocumentByPath(physics)
	require.NoError(t, err)
	assert.Equal(t, physicsDoc.ID, results[0].DocID)
	assert.Equal(t, 1, results[0].Rank)
}

// TestEndToEnd_GovernanceSuppression 测试 dangerous 文档在 READ_ONLY 下被压制
func TestEndToEnd_GovernanceSuppression(t *testing.T) {
	p := newTestPipeline(t)
	danger := writeTempDoc(t, "danger.txt", "Quantum entanglement connects particles across vast distances.")

	_, err := p.ingest.IngestPaths(context.Background(), []string{danger}, "ws",
		map[string]any{"risk_level": "dangerous"})
	require.NoError(t, err)

	// BYPASS 模式正常返回
	bypass := p.ret.Search(context.Background(), "quantum entanglement", "ws", 5, domainRAG.ModeBypass, nil)
	require.NotEmpty(t, bypass)
	assert.Equal(t, domainRAG.StatusAllowed, bypass[0].AllowedInMode)
	assert.Greater(t, bypass[0].Score, 0.0)

	// READ_ONLY 模式下分数归零并标记 blocked
	readonly := p.ret.Search(context.Background(), "quantum entanglement", "ws", 5, domainRAG.ModeReadOnly, nil)
	require.NotEmpty(t, readonly)
	assert.Equal(t, 0.0, readonly[0].Score)
	assert.Equal(t, domainRAG.StatusBlocked, readonly[0].AllowedInMode)
}
