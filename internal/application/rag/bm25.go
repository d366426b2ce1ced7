package rag

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// BM25 参数，Okapi 标准默认值
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25TokenPattern 词项提取：小写字母、数字、下划线的连续串
var bm25TokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// BM25Score 词法检索命中
type BM25Score struct {
	ChunkID string
	Score   float64
}

// bm25Doc 单个分块的词频统计
type bm25Doc struct {
	termFreq map[string]int
	length   int
}

// BM25Index 内存词法索引
// 支持单文档级增量更新：add/remove 只重算受影响词项的 df/idf 和全局平均长度，
// 不做全量重建
type BM25Index struct {
	mu sync.RWMutex

	docs     map[string]*bm25Doc
	docFreq  map[string]int
	idf      map[string]float64
	totalLen int
}

// NewBM25Index 创建空索引
func NewBM25Index() *BM25Index {
	return &BM25Index{
		docs:    make(map[string]*bm25Doc),
		docFreq: make(map[string]int),
		idf:     make(map[string]float64),
	}
}

// tokenizeBM25 分词：小写化后提取词项，丢弃长度为 1 的词（a/i 除外）
func tokenizeBM25(text string) []string {
	raw := bm25TokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(t) == 1 && t != "a" && t != "i" {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// Build 用给定的分块文本全量构建索引，替换现有内容
func (idx *BM25Index) Build(texts map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.docs = make(map[string]*bm25Doc, len(texts))
	idx.docFreq = make(map[string]int)
	idx.idf = make(map[string]float64)
	idx.totalLen = 0

	for chunkID, text := range texts {
		idx.addLocked(chunkID, text, nil)
	}
	idx.recomputeIDFLocked(nil)
}

// Add 添加或替换单个分块
func (idx *BM25Index) Add(chunkID, text string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	affected := make(map[string]struct{})
	idx.removeLocked(chunkID, affected)
	idx.addLocked(chunkID, text, affected)
	idx.recomputeIDFLocked(affected)
}

// addLocked 插入分块并记录受影响词项，调用方持锁
func (idx *BM25Index) addLocked(chunkID, text string, affected map[string]struct{}) {
	tokens := tokenizeBM25(text)
	doc := &bm25Doc{
		termFreq: make(map[string]int),
		length:   len(tokens),
	}
	for _, t := range tokens {
		doc.termFreq[t]++
	}

	idx.docs[chunkID] = doc
	idx.totalLen += doc.length
	for t := range doc.termFreq {
		idx.docFreq[t]++
		if affected != nil {
			affected[t] = struct{}{}
		}
	}
}

// Remove 移除单个分块，不存在时为空操作
func (idx *BM25Index) Remove(chunkID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	affected := make(map[string]struct{})
	idx.removeLocked(chunkID, affected)
	idx.recomputeIDFLocked(affected)
}

// removeLocked 移除分块并记录受影响词项，调用方持锁
func (idx *BM25Index) removeLocked(chunkID string, affected map[string]struct{}) {
	doc, ok := idx.docs[chunkID]
	if !ok {
		return
	}

	delete(idx.docs, chunkID)
	idx.totalLen -= doc.length
	for t := range doc.termFreq {
		idx.docFreq[t]--
		if idx.docFreq[t] <= 0 {
			delete(idx.docFreq, t)
			delete(idx.idf, t)
		}
		affected[t] = struct{}{}
	}
}

// recomputeIDFLocked 重算词项的 IDF
// affected 为 nil 时重算全部词项，调用方持锁
func (idx *BM25Index) recomputeIDFLocked(affected map[string]struct{}) {
	n := float64(len(idx.docs))

	compute := func(term string) {
		df, ok := idx.docFreq[term]
		if !ok {
			delete(idx.idf, term)
			return
		}
		idx.idf[term] = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)
	}

	if affected == nil {
		for term := range idx.docFreq {
			compute(term)
		}
		return
	}
	for term := range affected {
		compute(term)
	}
}

// Size 当前索引的分块数
func (idx *BM25Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Search 检索，按分数降序返回前 topK 个分块
// 空查询或空索引返回空结果
func (idx *BM25Index) Search(query string, topK int) []BM25Score {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	queryTokens := tokenizeBM25(query)
	if len(queryTokens) == 0 || len(idx.docs) == 0 {
		return nil
	}

	avgdl := float64(idx.totalLen) / float64(len(idx.docs))
	if avgdl == 0 {
		return nil
	}

	var results []BM25Score
	for chunkID, doc := range idx.docs {
		score := 0.0
		for _, t := range queryTokens {
			tf := float64(doc.termFreq[t])
			if tf == 0 {
				continue
			}
			idf := idx.idf[t]
			norm := tf + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgdl)
			score += idf * tf * (bm25K1 + 1) / norm
		}
		if score > 0 {
			results = append(results, BM25Score{ChunkID: chunkID, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
