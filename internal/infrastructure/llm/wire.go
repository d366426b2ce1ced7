package llm

import "github.com/google/wire"

// ProviderSet LLM 基础设施层 ProviderSet
var ProviderSet = wire.NewSet(
	NewClient,
)
