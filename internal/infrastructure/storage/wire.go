package storage

import "github.com/google/wire"

// ProviderSet Storage 基础设施层 ProviderSet
var ProviderSet = wire.NewSet(
	OpenDB,      // 提供数据库连接
	NewManifest, // 清单库
)
