package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
	"github.com/knowdex/backend/internal/interfaces/http/handler"
	"github.com/knowdex/backend/internal/interfaces/http/middleware"
	"github.com/knowdex/backend/internal/interfaces/mcp"
)

// HTTPServer HTTP 服务器
type HTTPServer struct {
	router   *gin.Engine
	httpPort string
	server   *http.Server
	logger   *slog.Logger
}

// NewServer 创建 HTTP 服务器
func NewServer(
	cfg *config.ServerConfig,
	ragHandler *handler.RAGHandler,
	mcpServer *mcp.MCPServer,
) *HTTPServer {
	router := gin.Default()
	router.Use(middleware.EnsureUTF8Body())

	logger := log.NewModuleLogger("http", "server")

	// 注册路由
	api := router.Group("/api/v1")
	{
		rag := api.Group("/rag")
		{
			rag.POST("/search", ragHandler.Search)
			rag.POST("/ingest", ragHandler.Ingest)
			rag.GET("/documents", ragHandler.ListDocuments)
			rag.DELETE("/documents/:id", ragHandler.DeleteDocument)
			rag.GET("/stats", ragHandler.Stats)
			rag.GET("/jobs/:id", ragHandler.GetJob)
		}
	}

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// MCP SSE 端点
	if mcpServer != nil {
		router.Any("/mcp/sse", gin.WrapH(mcpServer.GetHandler()))
	}

	httpPort := cfg.HTTPPort
	if httpPort == "" {
		httpPort = config.DefaultHTTPPort
	}

	return &HTTPServer{
		router:   router,
		httpPort: httpPort,
		logger:   logger,
	}
}

// Start 启动服务器
func (s *HTTPServer) Start() error {
	s.server = &http.Server{
		Addr:    s.httpPort,
		Handler: s.router,
	}

	s.logger.Info("HTTP server starting",
		"port", s.httpPort,
	)

	return s.server.ListenAndServe()
}

// Serve 使用已有的 listener 启动服务器
// 单例锁持有的端口监听直接复用，避免释放再抢占的竞态
func (s *HTTPServer) Serve(listener net.Listener) error {
	s.server = &http.Server{
		Handler: s.router,
	}

	s.logger.Info("HTTP server starting",
		"addr", listener.Addr().String(),
	)

	return s.server.Serve(listener)
}

// Shutdown 优雅关闭
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Stop 停止服务器
func (s *HTTPServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}
