package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
)

// parseMode 解析治理模式，未知值按交互确认模式处理
func parseMode(raw string) domainRAG.GovernanceMode {
	switch domainRAG.GovernanceMode(raw) {
	case domainRAG.ModeReadOnly, domainRAG.ModePermission, domainRAG.ModeBypass:
		return domainRAG.GovernanceMode(raw)
	default:
		return domainRAG.ModePermission
	}
}

// SearchKnowledgeInput 知识检索工具输入
type SearchKnowledgeInput struct {
	Query string `json:"query" jsonschema:"Search query - describe what you're looking for in natural language (required)"`
	Scope string `json:"scope" jsonschema:"Workspace scope to search in (required)"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"Maximum number of results, defaults to 10, max 50"`
	Mode  string `json:"mode,omitempty" jsonschema:"Governance mode: READ_ONLY, PERMISSION or BYPASS, defaults to PERMISSION"`
}

// KnowledgeResult 知识检索结果（精简版，只包含对代理有用的信息）
type KnowledgeResult struct {
	ChunkID string  `json:"chunk_id" jsonschema:"Chunk identifier, usable with select_context"`
	Path    string  `json:"path" jsonschema:"Source document path"`
	Snippet string  `json:"snippet" jsonschema:"Text snippet of the chunk"`
	Score   float64 `json:"score" jsonschema:"Final relevance score after governance adjustment"`
	Status  string  `json:"status" jsonschema:"Governance status: allowed, prompt_required or blocked"`
	Rank    int     `json:"rank" jsonschema:"Position in the ranked result list, starting at 1"`
}

// SearchKnowledgeOutput 知识检索工具输出
type SearchKnowledgeOutput struct {
	Results    []*KnowledgeResult `json:"results" jsonschema:"Ranked list of relevant chunks"`
	TotalCount int                `json:"total_count" jsonschema:"Number of results returned"`
}

// searchKnowledgeTool 知识检索工具实现
func (s *MCPServer) searchKnowledgeTool(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SearchKnowledgeInput,
) (*mcp.CallToolResult, SearchKnowledgeOutput, error) {
	output := SearchKnowledgeOutput{
		Results: []*KnowledgeResult{},
	}

	if input.Query == "" {
		return nil, output, fmt.Errorf("query is required")
	}
	if input.Scope == "" {
		return nil, output, fmt.Errorf("scope is required")
	}

	topK := input.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > 50 {
		topK = 50
	}

	candidates := s.retriever.Search(ctx, input.Query, input.Scope, topK, parseMode(input.Mode), nil)

	output.Results = make([]*KnowledgeResult, 0, len(candidates))
	for _, c := range candidates {
		output.Results = append(output.Results, &KnowledgeResult{
			ChunkID: c.ChunkID,
			Path:    c.Path,
			Snippet: c.Snippet,
			Score:   c.Score,
			Status:  string(c.AllowedInMode),
			Rank:    c.Rank,
		})
	}
	output.TotalCount = len(output.Results)

	return nil, output, nil
}

// SelectContextInput 上下文甄选工具输入
type SelectContextInput struct {
	Query       string `json:"query" jsonschema:"Natural language query (required)"`
	Scope       string `json:"scope" jsonschema:"Workspace scope to search in (required)"`
	TopK        int    `json:"top_k,omitempty" jsonschema:"Candidate pool size before selection, defaults to 20"`
	TokenBudget int    `json:"token_budget,omitempty" jsonschema:"Token budget for selected snippets, 0 uses the server default"`
	Mode        string `json:"mode,omitempty" jsonschema:"Governance mode: READ_ONLY, PERMISSION or BYPASS, defaults to PERMISSION"`
}

// SelectedChunk 甄选出的单个块及其理由
type SelectedChunk struct {
	ChunkID   string `json:"chunk_id" jsonschema:"Chunk identifier"`
	Path      string `json:"path" jsonschema:"Source document path"`
	Snippet   string `json:"snippet" jsonschema:"Text snippet of the chunk"`
	Rationale string `json:"rationale,omitempty" jsonschema:"Why this chunk was selected"`
}

// SelectContextOutput 上下文甄选工具输出
type SelectContextOutput struct {
	Selected               []*SelectedChunk `json:"selected" jsonschema:"Selected chunks with rationales"`
	KeyConcepts            []string         `json:"key_concepts" jsonschema:"Key concepts identified in the selection"`
	MissingContextRequests []string         `json:"missing_context_requests" jsonschema:"Context the selection could not cover"`
	Confidence             float64          `json:"confidence" jsonschema:"Selection confidence between 0 and 1"`
	TokenCount             int              `json:"token_count" jsonschema:"Estimated token count of the selected snippets"`
}

// selectContextTool 上下文甄选工具实现
func (s *MCPServer) selectContextTool(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SelectContextInput,
) (*mcp.CallToolResult, SelectContextOutput, error) {
	output := SelectContextOutput{
		Selected:               []*SelectedChunk{},
		KeyConcepts:            []string{},
		MissingContextRequests: []string{},
	}

	if input.Query == "" {
		return nil, output, fmt.Errorf("query is required")
	}
	if input.Scope == "" {
		return nil, output, fmt.Errorf("scope is required")
	}

	topK := input.TopK
	if topK <= 0 {
		topK = 20
	}

	candidates := s.retriever.Search(ctx, input.Query, input.Scope, topK, parseMode(input.Mode), nil)
	if len(candidates) == 0 {
		return nil, output, nil
	}

	selection := s.explainer.SelectChunks(ctx, input.Query, candidates, input.TokenBudget)

	byID := make(map[string]*domainRAG.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ChunkID] = c
	}

	output.Selected = make([]*SelectedChunk, 0, len(selection.SelectedChunkIDs))
	for _, id := range selection.SelectedChunkIDs {
		c, ok := byID[id]
		if !ok {
			continue
		}
		output.Selected = append(output.Selected, &SelectedChunk{
			ChunkID:   id,
			Path:      c.Path,
			Snippet:   c.Snippet,
			Rationale: selection.Rationales[id],
		})
	}
	output.KeyConcepts = selection.KeyConcepts
	output.MissingContextRequests = selection.MissingContextRequests
	output.Confidence = selection.ConfidenceScore
	output.TokenCount = selection.TokenCount

	return nil, output, nil
}

// GetIndexStatsInput 索引统计工具输入（无参数）
type GetIndexStatsInput struct{}

// GetIndexStatsOutput 索引统计工具输出
type GetIndexStatsOutput struct {
	Documents   map[string]int `json:"documents" jsonschema:"Document counts grouped by status"`
	Chunks      int            `json:"chunks" jsonschema:"Total chunk count"`
	Embeddings  int            `json:"embeddings" jsonschema:"Total embedding registrations"`
	VectorCount int            `json:"vector_count" jsonschema:"Points in the vector index, -1 when the engine is unreachable"`
}

// getIndexStatsTool 索引统计工具实现
func (s *MCPServer) getIndexStatsTool(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetIndexStatsInput,
) (*mcp.CallToolResult, GetIndexStatsOutput, error) {
	output := GetIndexStatsOutput{
		Documents: map[string]int{},
	}

	stats, err := s.ingest.Stats(ctx)
	if err != nil {
		return nil, output, fmt.Errorf("failed to collect stats: %w", err)
	}

	if stats.Manifest != nil {
		output.Documents = stats.Manifest.DocumentsByStatus
		output.Chunks = stats.Manifest.ChunkCount
		output.Embeddings = stats.Manifest.EmbeddingCount
	}
	output.VectorCount = stats.VectorCount

	return nil, output, nil
}
