package rag

import "github.com/google/wire"

// ProviderSet RAG 应用服务的依赖注入集合
var ProviderSet = wire.NewSet(
	NewExtractorRegistry,
	NewChunker,
	NewRetriever,
	NewExplainer,
	NewIngestService,
	NewDocumentEventHandler,
)
