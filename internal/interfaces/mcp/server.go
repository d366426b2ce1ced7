package mcp

import (
	"net/http"

	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	appRAG "github.com/knowdex/backend/internal/application/rag"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// MCPServer MCP 服务器
// 把检索、上下文甄选和索引统计作为工具暴露给编码代理
type MCPServer struct {
	server    *mcp.Server
	handler   http.Handler
	retriever *appRAG.Retriever
	explainer *appRAG.Explainer
	ingest    *appRAG.IngestService
	logger    *slog.Logger
}

// NewServer 创建 MCP 服务器
func NewServer(
	retriever *appRAG.Retriever,
	explainer *appRAG.Explainer,
	ingest *appRAG.IngestService,
) *MCPServer {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "knowdex-daemon",
			Version: "0.1.0",
		},
		nil, // 使用默认能力
	)

	mcpServer := &MCPServer{
		server:    server,
		retriever: retriever,
		explainer: explainer,
		ingest:    ingest,
		logger:    log.NewModuleLogger("mcp", "server"),
	}

	// 注册工具：search_knowledge
	mcp.AddTool(server, &mcp.Tool{
		Name: "search_knowledge",
		Description: `Search the indexed knowledge base for chunks relevant to a query.

Use this tool when you need to:
- Find documentation, notes, or reference material relevant to the current task
- Look up how a topic is described in the indexed corpus
- Retrieve supporting context before answering a question

Parameters:
- query (string, required): Natural language description of what you're looking for
- scope (string, required): Workspace scope to search in
- top_k (int, optional): Maximum number of results (1-50, default 10)
- mode (string, optional): Governance mode READ_ONLY|PERMISSION|BYPASS, defaults to PERMISSION

Returns: Ranked candidate chunks with snippets, scores, and governance status.`,
	}, mcpServer.searchKnowledgeTool)

	// 注册工具：select_context
	mcp.AddTool(server, &mcp.Tool{
		Name: "select_context",
		Description: `Retrieve candidates for a query and have an LLM select the best subset within a token budget.

Use this instead of search_knowledge when you want a curated, budget-bounded context package
with per-chunk selection rationales rather than a raw ranked list.

Parameters:
- query (string, required): Natural language query
- scope (string, required): Workspace scope to search in
- top_k (int, optional): Candidate pool size before selection (default 20)
- token_budget (int, optional): Token budget for the selected snippets, 0 uses the server default
- mode (string, optional): Governance mode READ_ONLY|PERMISSION|BYPASS, defaults to PERMISSION

Returns: Selected chunk IDs with rationales, key concepts, missing-context requests, confidence, and the selected snippets.`,
	}, mcpServer.selectContextTool)

	// 注册工具：get_index_stats
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_index_stats",
		Description: "Get statistics of the knowledge index: document counts by status, chunk and embedding counts, and vector index size. No parameters required.",
	}, mcpServer.getIndexStatsTool)

	// 创建 SSE Handler
	handler := mcp.NewSSEHandler(
		func(r *http.Request) *mcp.Server {
			// 每个请求返回同一个服务器实例
			return server
		},
		nil, // SSEOptions，使用默认值
	)

	mcpServer.handler = handler
	return mcpServer
}

// GetHandler 获取 HTTP Handler（用于集成到 HTTP 服务器）
func (s *MCPServer) GetHandler() http.Handler {
	return s.handler
}

// Start 启动服务器（HTTP/SSE 模式）
// MCP 服务器通过 HTTP Handler 提供服务，不需要单独启动
func (s *MCPServer) Start() error {
	s.logger.Info("MCP server ready (HTTP/SSE mode)")
	return nil
}

// Stop 停止服务器
func (s *MCPServer) Stop() error {
	// HTTP/SSE 模式下，由 HTTP 服务器统一管理生命周期
	return nil
}
