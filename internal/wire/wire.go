//go:build wireinject
// +build wireinject

package wire

import (
	"github.com/google/wire"

	"github.com/knowdex/backend/internal/application"
	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure"
	"github.com/knowdex/backend/internal/infrastructure/embedding"
	"github.com/knowdex/backend/internal/infrastructure/llm"
	"github.com/knowdex/backend/internal/infrastructure/storage"
	"github.com/knowdex/backend/internal/infrastructure/vector"
	"github.com/knowdex/backend/internal/interfaces"
)

// InitializeAll 初始化所有服务（HTTP + MCP）
func InitializeAll() (*App, error) {
	wire.Build(
		// 按层组合 ProviderSet
		infrastructure.ProviderSet, // 基础设施层
		application.ProviderSet,    // 应用层
		interfaces.ProviderSet,     // 接口层
		// 接口绑定：领域接口 -> 基础设施实现
		wire.Bind(new(domainRAG.Manifest), new(*storage.ManifestImpl)),
		wire.Bind(new(domainRAG.EmbeddingProvider), new(*embedding.Client)),
		wire.Bind(new(domainRAG.VectorIndex), new(*vector.QdrantIndex)),
		wire.Bind(new(domainRAG.ChatProvider), new(*llm.Client)),
		NewApp, // 组合所有服务的应用结构
	)
	return nil, nil
}
