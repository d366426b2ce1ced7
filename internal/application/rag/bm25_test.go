package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestIndex() *BM25Index {
	idx := NewBM25Index()
	idx.Build(map[string]string{
		"chunk-1": "the quick brown fox jumps over the lazy dog",
		"chunk-2": "a quick introduction to information retrieval",
		"chunk-3": "database transactions and referential integrity",
	})
	return idx
}

// TestTokenizeBM25 测试分词规则
func TestTokenizeBM25(t *testing.T) {
	// 长度为 1 的词被丢弃，a 和 i 除外
	assert.Equal(t, []string{"a", "i", "go_lang", "x2"}, tokenizeBM25("A I b c go_lang x2"))
	// 大小写归一，标点按分隔符处理
	assert.Equal(t, []string{"hello", "world"}, tokenizeBM25("Hello, WORLD!"))
	assert.Empty(t, tokenizeBM25(""))
	assert.Empty(t, tokenizeBM25("! @ # $"))
}

// TestBM25_Search 测试基本检索排序
func TestBM25_Search(t *testing.T) {
	idx := buildTestIndex()

	results := idx.Search("quick fox", 10)
	require.NotEmpty(t, results)

	// chunk-1 同时命中 quick 和 fox，应排在只命中 quick 的 chunk-2 之前
	assert.Equal(t, "chunk-1", results[0].ChunkID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

// TestBM25_EmptyQuery 测试空查询和空索引
func TestBM25_EmptyQuery(t *testing.T) {
	idx := buildTestIndex()
	assert.Empty(t, idx.Search("", 10))
	assert.Empty(t, idx.Search("! !", 10))

	empty := NewBM25Index()
	assert.Empty(t, empty.Search("quick", 10))
}

// TestBM25_TopK 测试截断
func TestBM25_TopK(t *testing.T) {
	idx := NewBM25Index()
	idx.Build(map[string]string{
		"c1": "shared term alpha",
		"c2": "shared term beta",
		"c3": "shared term gamma",
	})

	results := idx.Search("shared", 2)
	assert.Len(t, results, 2)
}

// TestBM25_RemoveAddIdempotent 测试同一分块删除后重新添加恢复相同分数
func TestBM25_RemoveAddIdempotent(t *testing.T) {
	idx := buildTestIndex()
	const query = "quick retrieval integrity"

	before := idx.Search(query, 10)
	require.NotEmpty(t, before)

	idx.Remove("chunk-2")
	idx.Add("chunk-2", "a quick introduction to information retrieval")

	after := idx.Search(query, 10)
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Equal(t, before[i].ChunkID, after[i].ChunkID)
		assert.InDelta(t, before[i].Score, after[i].Score, 1e-12)
	}
}

// TestBM25_IncrementalUpdates 测试增量更新语义
// add/remove 只重算被变更分块触及的词项的 IDF，
// 未触及的词项保留上次计算的 IDF，即使总文档数已经变化
func TestBM25_IncrementalUpdates(t *testing.T) {
	incremental := NewBM25Index()
	incremental.Build(map[string]string{
		"c1": "vector search with embeddings",
		"c2": "lexical search with keywords",
	})
	incremental.Add("c3", "hybrid search combines both")
	incremental.Remove("c1")

	rebuilt := NewBM25Index()
	rebuilt.Build(map[string]string{
		"c2": "lexical search with keywords",
		"c3": "hybrid search combines both",
	})

	assert.Equal(t, 2, incremental.Size())

	// 被移除分块独有的词项不再命中
	assert.Empty(t, incremental.Search("embeddings", 10))

	// "search" 被 Remove(c1) 触及，IDF 已按当前文档数重算，与全量重建一致
	a := incremental.Search("search", 10)
	b := rebuilt.Search("search", 10)
	require.Equal(t, len(b), len(a))
	for i := range a {
		assert.Equal(t, b[i].ChunkID, a[i].ChunkID)
		assert.InDelta(t, b[i].Score, a[i].Score, 1e-12)
	}

	// "hybrid" 最后一次被触及是在 Add(c3) 时（当时共 3 个文档），
	// Remove(c1) 不触及它，IDF 保持按 3 个文档计算的值，高于全量重建
	a = incremental.Search("hybrid", 10)
	b = rebuilt.Search("hybrid", 10)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "c3", a[0].ChunkID)
	assert.Greater(t, a[0].Score, b[0].Score)
}

// TestBM25_TermFrequencyMonotonic 测试词频单调性
// 文档长度不变时，查询词出现次数更多的文档分数不降低
func TestBM25_TermFrequencyMonotonic(t *testing.T) {
	low := NewBM25Index()
	low.Build(map[string]string{
		"doc": "cat dog dog bird",
		"bg1": "unrelated filler text",
		"bg2": "cat appears here too",
	})

	high := NewBM25Index()
	high.Build(map[string]string{
		"doc": "cat cat dog bird",
		"bg1": "unrelated filler text",
		"bg2": "cat appears here too",
	})

	scoreOf := func(idx *BM25Index, chunkID string) float64 {
		for _, r := range idx.Search("cat", 10) {
			if r.ChunkID == chunkID {
				return r.Score
			}
		}
		return 0
	}

	assert.GreaterOrEqual(t, scoreOf(high, "doc"), scoreOf(low, "doc"))
}

// TestBM25_RemoveMissing 测试移除不存在的分块是空操作
func TestBM25_RemoveMissing(t *testing.T) {
	idx := buildTestIndex()
	before := idx.Size()
	idx.Remove("nonexistent")
	assert.Equal(t, before, idx.Size())
}
