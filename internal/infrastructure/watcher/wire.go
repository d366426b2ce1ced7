package watcher

import (
	"github.com/knowdex/backend/internal/domain/events"
	"github.com/knowdex/backend/internal/infrastructure/config"
)

// ProvideEventBus 提供事件总线实例
func ProvideEventBus() events.EventBus {
	return NewEventBus()
}

// ProvideFileWatcher 提供文件监听器实例
func ProvideFileWatcher(cfg *config.WatcherConfig, eventBus events.EventBus) (*FileWatcher, error) {
	return NewFileWatcher(WatchConfigFrom(cfg), eventBus)
}
