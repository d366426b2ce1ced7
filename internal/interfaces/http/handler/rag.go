package handler

import (
	"errors"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/gin-gonic/gin"

	appRAG "github.com/knowdex/backend/internal/application/rag"
	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/log"
	"github.com/knowdex/backend/internal/interfaces/http/response"
)

// RAGHandler 检索与摄取的 HTTP 处理器
type RAGHandler struct {
	retriever *appRAG.Retriever
	explainer *appRAG.Explainer
	ingest    *appRAG.IngestService
	manifest  domainRAG.Manifest
	logger    *slog.Logger
}

// NewRAGHandler 创建 RAG 处理器
func NewRAGHandler(
	retriever *appRAG.Retriever,
	explainer *appRAG.Explainer,
	ingest *appRAG.IngestService,
	manifest domainRAG.Manifest,
) *RAGHandler {
	return &RAGHandler{
		retriever: retriever,
		explainer: explainer,
		ingest:    ingest,
		manifest:  manifest,
		logger:    log.NewModuleLogger("http", "rag_handler"),
	}
}

// SearchRequest 搜索请求
type SearchRequest struct {
	Query       string            `json:"query" binding:"required"`
	Scope       string            `json:"scope" binding:"required"`
	TopK        int               `json:"top_k,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
	Explain     bool              `json:"explain,omitempty"`
	TokenBudget int               `json:"token_budget,omitempty"`
}

// SearchResponse 搜索响应
type SearchResponse struct {
	Candidates []*domainRAG.Candidate     `json:"candidates"`
	Count      int                        `json:"count"`
	Selection  *domainRAG.ExplainerOutput `json:"selection,omitempty"`
}

// parseGovernanceMode 解析治理模式，未知值按最保守的交互模式处理
func parseGovernanceMode(raw string) domainRAG.GovernanceMode {
	switch domainRAG.GovernanceMode(raw) {
	case domainRAG.ModeReadOnly, domainRAG.ModePermission, domainRAG.ModeBypass:
		return domainRAG.GovernanceMode(raw)
	default:
		return domainRAG.ModePermission
	}
}

// Search 混合检索，可选地经过上下文甄选
// POST /api/v1/rag/search
func (h *RAGHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, 40001, err.Error())
		return
	}

	mode := parseGovernanceMode(req.Mode)
	candidates := h.retriever.Search(c.Request.Context(), req.Query, req.Scope, req.TopK, mode, req.Filters)

	resp := &SearchResponse{
		Candidates: candidates,
		Count:      len(candidates),
	}

	if req.Explain && len(candidates) > 0 {
		resp.Selection = h.explainer.SelectChunks(c.Request.Context(), req.Query, candidates, req.TokenBudget)
	}

	response.Success(c, resp)
}

// IngestRequest 摄取请求
type IngestRequest struct {
	Paths    []string       `json:"paths" binding:"required"`
	Scope    string         `json:"scope" binding:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ingest 摄取一批文档路径
// POST /api/v1/rag/ingest
func (h *RAGHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, 40001, err.Error())
		return
	}
	if len(req.Paths) == 0 {
		response.Error(c, http.StatusBadRequest, 40002, "paths must not be empty")
		return
	}

	result, err := h.ingest.IngestPaths(c.Request.Context(), req.Paths, req.Scope, req.Metadata)
	if err != nil {
		h.logger.Error("ingest request failed", "error", err)
		response.Error(c, http.StatusInternalServerError, 50001, err.Error())
		return
	}

	response.Success(c, result)
}

// ListDocuments 按作用域和状态分页列出已登记文档
// GET /api/v1/rag/documents?scope=xxx&status=ingested&page=1&page_size=20
func (h *RAGHandler) ListDocuments(c *gin.Context) {
	scope := c.Query("scope")
	status := c.Query("status")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	docs, err := h.manifest.ListDocuments(scope, status)
	if err != nil {
		h.logger.Error("failed to list documents", "error", err)
		response.Error(c, http.StatusInternalServerError, 50001, err.Error())
		return
	}

	total := len(docs)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	response.SuccessWithPage(c, docs[start:end], page, pageSize, total)
}

// DeleteDocument 级联删除一个文档及其块和向量
// DELETE /api/v1/rag/documents/:id
func (h *RAGHandler) DeleteDocument(c *gin.Context) {
	docID := c.Param("id")

	if err := h.ingest.DeleteDocument(c.Request.Context(), docID); err != nil {
		if errors.Is(err, domainRAG.ErrDocumentNotFound) {
			response.Error(c, http.StatusNotFound, 40401, "document not found")
			return
		}
		h.logger.Error("failed to delete document", "doc_id", docID, "error", err)
		response.Error(c, http.StatusInternalServerError, 50001, err.Error())
		return
	}

	response.Success(c, gin.H{"deleted": docID})
}

// Stats 清单库与向量索引统计
// GET /api/v1/rag/stats
func (h *RAGHandler) Stats(c *gin.Context) {
	stats, err := h.ingest.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to collect stats", "error", err)
		response.Error(c, http.StatusInternalServerError, 50001, err.Error())
		return
	}

	response.Success(c, gin.H{
		"index":     stats,
		"retriever": h.retriever.Metrics(),
		"explainer": h.explainer.Metrics(),
	})
}

// GetJob 查询摄取任务进度
// GET /api/v1/rag/jobs/:id
func (h *RAGHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.manifest.GetIngestJob(jobID)
	if err != nil {
		if errors.Is(err, domainRAG.ErrJobNotFound) {
			response.Error(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.logger.Error("failed to get ingest job", "job_id", jobID, "error", err)
		response.Error(c, http.StatusInternalServerError, 50001, err.Error())
		return
	}

	response.Success(c, job)
}
