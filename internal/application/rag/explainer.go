package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// fallbackConfidence LLM 不可用时的兜底置信度
const fallbackConfidence = 0.3

// discardedTopLimit 记录未入选的高排名候选的数量上限
const discardedTopLimit = 5

// codeFencePattern 匹配 LLM 回复中包裹 JSON 的代码块
var codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Explainer 检索解释器
// 用 LLM 把排序后的候选收窄为一个有理由、经过幻觉校验、
// 受 Token 预算约束的子集。LLM 失败时确定性降级，从不向上抛错
type Explainer struct {
	cfg    *config.ExplainerConfig
	llmCfg *config.LLMConfig
	chat   domainRAG.ChatProvider
	logger *slog.Logger

	metricsMu  sync.Mutex
	selections int64
	retries    int64
	fallbacks  int64
}

// ExplainerMetrics 解释器指标快照
type ExplainerMetrics struct {
	Selections int64 `json:"selections"`
	Retries    int64 `json:"retries"`
	Fallbacks  int64 `json:"fallbacks"`
}

// NewExplainer 创建解释器
func NewExplainer(cfg *config.ExplainerConfig, llmCfg *config.LLMConfig, chat domainRAG.ChatProvider) *Explainer {
	return &Explainer{
		cfg:    cfg,
		llmCfg: llmCfg,
		chat:   chat,
		logger: log.NewModuleLogger("application", "explainer"),
	}
}

// llmSelection LLM 回复的预期结构
// 回复是不可信输入：每个字段都要对照候选集合显式校验
type llmSelection struct {
	SelectedChunkIDs       []string          `json:"selected_chunk_ids"`
	Rationales             map[string]string `json:"rationales"`
	KeyConcepts            []string          `json:"key_concepts"`
	MissingContextRequests []string          `json:"missing_context_requests"`
	Confidence             float64           `json:"confidence"`
}

// SelectChunks 从候选中选出最终子集
// tokenBudget <= 0 时使用配置的默认预算
func (e *Explainer) SelectChunks(
	ctx context.Context,
	query string,
	candidates []*domainRAG.Candidate,
	tokenBudget int,
) *domainRAG.ExplainerOutput {
	if len(candidates) == 0 {
		return &domainRAG.ExplainerOutput{
			SelectedChunkIDs:       []string{},
			Rationales:             map[string]string{},
			KeyConcepts:            []string{},
			MissingContextRequests: []string{},
		}
	}
	if tokenBudget <= 0 {
		tokenBudget = e.cfg.TokenBudget
	}

	byID := make(map[string]*domainRAG.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ChunkID] = c
	}

	e.metricsMu.Lock()
	e.selections++
	e.metricsMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.metricsMu.Lock()
			e.retries++
			e.metricsMu.Unlock()
		}
		prompt := e.buildPrompt(query, candidates, attempt > 0)

		raw, err := e.chat.Complete(ctx, e.llmCfg.Model, []domainRAG.ChatMessage{
			{Role: "system", Content: explainerSystemPrompt},
			{Role: "user", Content: prompt},
		}, e.cfg.Temperature, true)
		if err != nil {
			lastErr = err
			e.logger.Warn("llm call failed", "attempt", attempt, "error", err)
			continue
		}

		sel, err := parseSelection(raw)
		if err != nil {
			lastErr = err
			e.logger.Warn("llm response parse failed", "attempt", attempt, "error", err)
			continue
		}

		output, err := e.validate(sel, candidates, byID)
		if err != nil {
			lastErr = err
			e.logger.Warn("llm selection invalid", "attempt", attempt, "error", err)
			continue
		}

		e.enforceBudget(output, byID, tokenBudget)
		e.fillDiscardedTop(output, candidates)
		return output
	}

	e.metricsMu.Lock()
	e.fallbacks++
	e.metricsMu.Unlock()

	e.logger.Error("explainer fell back after exhausting retries", "error", lastErr)
	return e.fallback(candidates, byID, tokenBudget, lastErr)
}

// Metrics 返回累计选择指标的快照
func (e *Explainer) Metrics() ExplainerMetrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return ExplainerMetrics{
		Selections: e.selections,
		Retries:    e.retries,
		Fallbacks:  e.fallbacks,
	}
}

const explainerSystemPrompt = `You are a retrieval context selector. Given a user query and a list of candidate text chunks with relevance scores, select the chunks that best answer the query. Respond with JSON only.`

// buildPrompt 构造选择提示词
// simplified 为真时使用重试用的精简版本
func (e *Explainer) buildPrompt(query string, candidates []*domainRAG.Candidate, simplified bool) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Query: %s\n\nCandidates:\n", query)
	for _, c := range candidates {
		if simplified {
			fmt.Fprintf(&sb, "- id=%s score=%.4f path=%s\n  %s\n",
				c.ChunkID, c.Score, c.Path, snippetOf(c.Snippet))
			continue
		}
		fmt.Fprintf(&sb, "- id=%s combined=%.4f semantic=%.4f lexical=%.4f path=%s risk=%s\n  %s\n",
			c.ChunkID, c.Score, c.SemanticScore, c.BM25Score, c.Path, c.RiskLevel, snippetOf(c.Snippet))
	}

	if simplified {
		fmt.Fprintf(&sb, `
Select between 3 and 12 chunk ids from the list above. Respond with JSON:
{"selected_chunk_ids": [...], "rationales": {"<id>": "why"}, "key_concepts": [], "missing_context_requests": [], "confidence": 0.0}
Only use ids that appear in the candidate list.`)
	} else {
		fmt.Fprintf(&sb, `
Select between 3 and 12 chunk ids that together best answer the query. For each selected id give a one-sentence rationale. List the key concepts of the query, and list any context the candidates fail to cover. Respond with JSON:
{"selected_chunk_ids": ["..."], "rationales": {"<id>": "..."}, "key_concepts": ["..."], "missing_context_requests": ["..."], "confidence": 0.0}
Rules: only use ids from the candidate list; confidence is your overall confidence in [0,1].`)
	}

	return sb.String()
}

// parseSelection 宽容解析 LLM 回复
// 允许 JSON 被包在代码块里，但解析出的内容仍需后续校验
func parseSelection(raw string) (*llmSelection, error) {
	text := strings.TrimSpace(raw)
	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var sel llmSelection
	if err := json.Unmarshal([]byte(text), &sel); err != nil {
		return nil, &domainRAG.ExplainerValidationError{
			Reason: fmt.Sprintf("response is not valid JSON: %v", err),
		}
	}
	return &sel, nil
}

// validate 过滤幻觉并校验选择结果
// 候选集合之外的 id 一律静默丢弃，其理由一并丢弃
func (e *Explainer) validate(
	sel *llmSelection,
	candidates []*domainRAG.Candidate,
	byID map[string]*domainRAG.Candidate,
) (*domainRAG.ExplainerOutput, error) {
	var selected []string
	seen := make(map[string]struct{})
	for _, id := range sel.SelectedChunkIDs {
		if _, ok := byID[id]; !ok {
			e.logger.Warn("dropping hallucinated chunk id", "chunk_id", id)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		selected = append(selected, id)
	}

	minSelected := e.cfg.MinSelected
	if len(candidates) < minSelected {
		minSelected = len(candidates)
	}
	if len(selected) < minSelected {
		return nil, &domainRAG.ExplainerValidationError{
			Reason: fmt.Sprintf("selected %d chunks, need at least %d", len(selected), minSelected),
		}
	}
	if len(selected) > e.cfg.MaxSelected {
		// 超出上限按候选分数裁剪而不是整轮重试
		sort.Slice(selected, func(i, j int) bool {
			return byID[selected[i]].Score > byID[selected[j]].Score
		})
		selected = selected[:e.cfg.MaxSelected]
	}

	rationales := make(map[string]string)
	for _, id := range selected {
		if r, ok := sel.Rationales[id]; ok {
			rationales[id] = r
		}
	}

	confidence := sel.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	output := &domainRAG.ExplainerOutput{
		SelectedChunkIDs:       selected,
		Rationales:             rationales,
		KeyConcepts:            sel.KeyConcepts,
		MissingContextRequests: sel.MissingContextRequests,
		ConfidenceScore:        confidence,
	}
	if output.KeyConcepts == nil {
		output.KeyConcepts = []string{}
	}
	if output.MissingContextRequests == nil {
		output.MissingContextRequests = []string{}
	}
	return output, nil
}

// estimateTokens 估算一个分块计入上下文的 Token 数
func estimateTokens(c *domainRAG.Candidate) int {
	return len(c.Snippet) * 3 / 4
}

// enforceBudget 按预算裁剪
// 超预算时按分数升序移除，但保留数量不低于 min_selected
func (e *Explainer) enforceBudget(
	output *domainRAG.ExplainerOutput,
	byID map[string]*domainRAG.Candidate,
	tokenBudget int,
) {
	total := 0
	for _, id := range output.SelectedChunkIDs {
		total += estimateTokens(byID[id])
	}

	if total > tokenBudget {
		// 按分数降序，优先裁掉低分分块
		sort.Slice(output.SelectedChunkIDs, func(i, j int) bool {
			return byID[output.SelectedChunkIDs[i]].Score > byID[output.SelectedChunkIDs[j]].Score
		})

		minKeep := e.cfg.MinSelected
		if len(output.SelectedChunkIDs) < minKeep {
			minKeep = len(output.SelectedChunkIDs)
		}

		for total > tokenBudget && len(output.SelectedChunkIDs) > minKeep {
			last := output.SelectedChunkIDs[len(output.SelectedChunkIDs)-1]
			output.SelectedChunkIDs = output.SelectedChunkIDs[:len(output.SelectedChunkIDs)-1]
			delete(output.Rationales, last)
			total -= estimateTokens(byID[last])
		}
	}

	output.TokenCount = total
}

// fillDiscardedTop 记录排名靠前却未入选的候选 id
func (e *Explainer) fillDiscardedTop(output *domainRAG.ExplainerOutput, candidates []*domainRAG.Candidate) {
	selected := make(map[string]struct{}, len(output.SelectedChunkIDs))
	for _, id := range output.SelectedChunkIDs {
		selected[id] = struct{}{}
	}

	discarded := []string{}
	for _, c := range candidates {
		if len(discarded) >= discardedTopLimit {
			break
		}
		if _, ok := selected[c.ChunkID]; !ok {
			discarded = append(discarded, c.ChunkID)
		}
	}
	output.DiscardedTop = discarded
}

// fallback 确定性兜底：按原始分数取前 min_selected 个候选
// LLM 不可达时系统仍然可用
func (e *Explainer) fallback(
	candidates []*domainRAG.Candidate,
	byID map[string]*domainRAG.Candidate,
	tokenBudget int,
	cause error,
) *domainRAG.ExplainerOutput {
	sorted := make([]*domainRAG.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	n := e.cfg.MinSelected
	if len(sorted) < n {
		n = len(sorted)
	}

	output := &domainRAG.ExplainerOutput{
		SelectedChunkIDs: make([]string, 0, n),
		Rationales:       map[string]string{},
		KeyConcepts:      []string{},
		MissingContextRequests: []string{
			fmt.Sprintf("LLM selection unavailable, fell back to top %d candidates by score: %v", n, cause),
		},
		ConfidenceScore: fallbackConfidence,
	}
	for _, c := range sorted[:n] {
		output.SelectedChunkIDs = append(output.SelectedChunkIDs, c.ChunkID)
		output.Rationales[c.ChunkID] = "selected by score order fallback"
	}

	e.enforceBudget(output, byID, tokenBudget)
	e.fillDiscardedTop(output, candidates)
	return output
}
