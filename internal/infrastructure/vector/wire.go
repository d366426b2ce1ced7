package vector

import "github.com/google/wire"

// ProviderSet 向量引擎基础设施层 ProviderSet
var ProviderSet = wire.NewSet(
	NewQdrantManager,
	NewQdrantIndex,
)
