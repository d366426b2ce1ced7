package wire

import (
	"context"
	"database/sql"
	"net"
	"time"

	"log/slog"

	appRAG "github.com/knowdex/backend/internal/application/rag"
	"github.com/knowdex/backend/internal/domain/events"
	"github.com/knowdex/backend/internal/infrastructure/config"
	applog "github.com/knowdex/backend/internal/infrastructure/log"
	"github.com/knowdex/backend/internal/infrastructure/vector"
	"github.com/knowdex/backend/internal/infrastructure/watcher"
	"github.com/knowdex/backend/internal/interfaces"
)

// App 应用主结构，组合所有服务
type App struct {
	HTTPServer *interfaces.HTTPServer
	MCPServer  *interfaces.MCPServer

	ingest          *appRAG.IngestService
	retriever       *appRAG.Retriever
	docEventHandler *appRAG.DocumentEventHandler
	qdrantManager   *vector.QdrantManager
	index           *vector.QdrantIndex
	embeddingCfg    *config.EmbeddingConfig
	db              *sql.DB
	logger          *slog.Logger

	// 文件监听相关
	eventBus    events.EventBus
	fileWatcher *watcher.FileWatcher
	unsubscribe func()
}

// NewApp 创建应用实例
func NewApp(
	httpServer *interfaces.HTTPServer,
	mcpServer *interfaces.MCPServer,
	ingest *appRAG.IngestService,
	retriever *appRAG.Retriever,
	docEventHandler *appRAG.DocumentEventHandler,
	eventBus events.EventBus,
	fileWatcher *watcher.FileWatcher,
	qdrantManager *vector.QdrantManager,
	index *vector.QdrantIndex,
	embeddingCfg *config.EmbeddingConfig,
	db *sql.DB,
) *App {
	logger := applog.NewModuleLogger("app", "main")

	// 摄取改动后让词法索引失效
	ingest.SetOnIndexChanged(retriever.InvalidateLexicalIndex)

	return &App{
		HTTPServer:      httpServer,
		MCPServer:       mcpServer,
		ingest:          ingest,
		retriever:       retriever,
		docEventHandler: docEventHandler,
		qdrantManager:   qdrantManager,
		index:           index,
		embeddingCfg:    embeddingCfg,
		db:              db,
		logger:          logger,
		eventBus:        eventBus,
		fileWatcher:     fileWatcher,
	}
}

// Start 启动所有服务
// listener 是单例锁持有的端口监听，HTTP 服务器直接复用
func (a *App) Start(listener net.Listener) error {
	a.logger.Info("Starting Knowdex backend application")

	// 启动向量引擎并确保集合存在
	if err := a.qdrantManager.Start(); err != nil {
		a.logger.Error("Failed to start Qdrant, vector search degraded",
			"error", err,
		)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.index.EnsureCollection(ctx, a.embeddingCfg.Dimension); err != nil {
			a.logger.Error("Failed to ensure vector collection",
				"error", err,
			)
		}
		cancel()
	}

	// 注册文档事件订阅者并启动文件监听
	a.unsubscribe = a.docEventHandler.Attach(a.eventBus)
	if a.fileWatcher != nil {
		if err := a.fileWatcher.Start(); err != nil {
			a.logger.Error("Failed to start file watcher",
				"error", err,
			)
		} else {
			a.logger.Info("File watcher started")
		}
	}

	// 启动 HTTP 服务器（goroutine）
	go func() {
		var err error
		if listener != nil {
			err = a.HTTPServer.Serve(listener)
		} else {
			err = a.HTTPServer.Start()
		}
		if err != nil {
			a.logger.Error("HTTP server stopped",
				"error", err,
			)
		}
	}()

	// MCP 服务器通过 HTTP Handler 提供服务，已注册 /mcp/sse 端点
	if err := a.MCPServer.Start(); err != nil {
		return err
	}

	a.logger.Info("Knowdex backend application started successfully")
	return nil
}

// Stop 停止所有服务
func (a *App) Stop() error {
	a.logger.Info("Stopping Knowdex backend application")

	// 停止文件监听器
	if a.fileWatcher != nil {
		a.fileWatcher.Stop()
		a.logger.Info("File watcher stopped")
	}

	// 取消事件订阅并关闭事件总线
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.eventBus != nil {
		a.eventBus.Close()
		a.logger.Info("Event bus closed")
	}

	if err := a.HTTPServer.Stop(); err != nil {
		a.logger.Error("Failed to stop HTTP server",
			"error", err,
		)
		return err
	}
	if err := a.MCPServer.Stop(); err != nil {
		a.logger.Error("Failed to stop MCP server",
			"error", err,
		)
		return err
	}

	// 停止向量引擎
	if err := a.qdrantManager.Stop(); err != nil {
		a.logger.Error("Failed to stop Qdrant",
			"error", err,
		)
	}

	// 关闭数据库连接
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close database connection",
				"error", err,
			)
			return err
		}
	}

	a.logger.Info("Knowdex backend application stopped successfully")

	return nil
}
