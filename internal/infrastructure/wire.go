package infrastructure

import (
	"github.com/google/wire"

	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/embedding"
	"github.com/knowdex/backend/internal/infrastructure/llm"
	"github.com/knowdex/backend/internal/infrastructure/storage"
	"github.com/knowdex/backend/internal/infrastructure/vector"
	"github.com/knowdex/backend/internal/infrastructure/watcher"
)

// ProviderSet Infrastructure 层总 ProviderSet
var ProviderSet = wire.NewSet(
	config.ProviderSet,
	storage.ProviderSet,
	embedding.ProviderSet,
	llm.ProviderSet,
	vector.ProviderSet,
	watcher.ProvideEventBus,
	watcher.ProvideFileWatcher,
)
